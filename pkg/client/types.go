package client

import "time"

// ServiceStatus is one row of the supervisor's status snapshot.
type ServiceStatus struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Port            int        `json:"port"`
	Status          string     `json:"status"`
	RestartAttempts int        `json:"restart_attempts"`
	HealthURL       string     `json:"health_url"`
	PID             int        `json:"pid,omitempty"`
	LastHealthy     *time.Time `json:"last_healthy,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Tier            int        `json:"tier"`
	DependsOn       []string   `json:"depends_on,omitempty"`
}

// Tier is one start-up tier.
type Tier struct {
	Index    int      `json:"index"`
	Services []string `json:"services"`
}

// ResourceUsage is the latest CPU and memory sample of a service's process.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Health is the daemon's liveness answer.
type Health struct {
	OK    bool   `json:"ok"`
	RunID string `json:"run_id"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
