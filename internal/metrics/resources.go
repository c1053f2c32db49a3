package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceUsage is a point-in-time CPU and memory sample for one service's process.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	SampledAt  time.Time `json:"sampled_at"`
}

// ResourceConfig holds configuration for resource sampling.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceSampler periodically samples the live processes of supervised services.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]ResourceUsage
	procs  map[string]*process.Process // cached handles keep CPUPercent deltas meaningful

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memory     *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceSampler(cfg ResourceConfig) *ResourceSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second // default
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"service"})
	}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		latest:     make(map[string]ResourceUsage),
		procs:      make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the service process."),
		memory:     gauge("memory_rss_bytes", "Resident memory of the service process."),
		numThreads: gauge("num_threads", "Number of threads of the service process."),
		numFDs:     gauge("num_fds", "Number of file descriptors of the service process (Unix only)."),
	}
}

// Register registers the resource gauges with r.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memory, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling of the pids returned by livePIDs (service id -> pid).
func (s *ResourceSampler) Start(ctx context.Context, livePIDs func() map[string]int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sample(ctx, livePIDs())
			}
		}
	}()
}

// Stop stops sampling and waits for the sampler goroutine.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample takes one sample of every pid and drops services that are no longer live.
func (s *ResourceSampler) Sample(ctx context.Context, pids map[string]int32) {
	now := time.Now()
	results := make(map[string]ResourceUsage, len(pids))
	for svc, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := s.sampleOne(ctx, svc, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "service", svc, "pid", pid, "err", err)
			continue
		}
		results[svc] = u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for svc := range s.latest {
		if _, ok := results[svc]; !ok {
			delete(s.latest, svc)
			delete(s.procs, svc)
			if s.enabled {
				s.cpuPercent.DeleteLabelValues(svc)
				s.memory.DeleteLabelValues(svc)
				s.numThreads.DeleteLabelValues(svc)
				s.numFDs.DeleteLabelValues(svc)
			}
		}
	}
	for svc, u := range results {
		s.latest[svc] = u
		if s.enabled {
			s.cpuPercent.WithLabelValues(svc).Set(u.CPUPercent)
			s.memory.WithLabelValues(svc).Set(float64(u.MemoryRSS))
			s.numThreads.WithLabelValues(svc).Set(float64(u.NumThreads))
			if runtime.GOOS != "windows" && u.NumFDs > 0 {
				s.numFDs.WithLabelValues(svc).Set(float64(u.NumFDs))
			}
		}
	}
}

func (s *ResourceSampler) sampleOne(ctx context.Context, svc string, pid int32, now time.Time) (ResourceUsage, error) {
	s.mu.Lock()
	proc := s.procs[svc]
	if proc == nil || proc.Pid != pid {
		var err error
		proc, err = process.NewProcessWithContext(ctx, pid)
		if err != nil {
			s.mu.Unlock()
			return ResourceUsage{}, fmt.Errorf("open process: %w", err)
		}
		s.procs[svc] = proc
	}
	s.mu.Unlock()

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("memory info: %w", err)
	}
	u := ResourceUsage{PID: pid, MemoryRSS: mem.RSS, SampledAt: now}
	if cpu, err := proc.PercentWithContext(ctx, 0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Latest returns the most recent sample for service.
func (s *ResourceSampler) Latest(service string) (ResourceUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[service]
	return u, ok
}

// All returns the most recent sample of every live service.
func (s *ResourceSampler) All() map[string]ResourceUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ResourceUsage, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}
