package state

import "time"

// Status is the lifecycle phase of a supervised service.
type Status string

const (
	Stopped    Status = "stopped"
	Starting   Status = "starting"
	Running    Status = "running"
	Restarting Status = "restarting"
	Failed     Status = "failed"
)

// AllStatuses lists every status, used to reset per-state gauges.
var AllStatuses = []Status{Stopped, Starting, Running, Restarting, Failed}

func (s Status) String() string { return string(s) }

// Handle is the live child process of a service, as far as state is concerned.
type Handle interface {
	PID() int
}

// RuntimeState is a copy of one service's mutable state.
type RuntimeState struct {
	Status          Status    `json:"status"`
	RestartAttempts int       `json:"restart_attempts"`
	PID             int       `json:"pid,omitempty"`
	Generation      uint64    `json:"generation"`
	LastHealthy     time.Time `json:"last_healthy,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	HasProcess      bool      `json:"has_process"`
}

// Transition describes one status change. Cause is nil for ordinary progress.
type Transition struct {
	Service  string
	From     Status
	To       Status
	Cause    error
	Attempts int
	PID      int
	At       time.Time
}

// Observer receives transitions in the order they were applied.
// Observers run while transitions are serialized and must not call back into State.
type Observer func(Transition)

// Decision is the outcome of BeginRestart.
type Decision int

const (
	Relaunch Decision = iota
	GiveUp
)
