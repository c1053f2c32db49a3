package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Event records one service state transition for export to external systems.
type Event struct {
	RunID      string    `json:"run_id"`
	Service    string    `json:"service"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Cause      string    `json:"cause,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Attempts   int       `json:"attempts"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueueSize bounds events waiting to be written.
const DefaultQueueSize = 1024

// Recorder delivers events to sinks off the caller's goroutine. A full queue drops
// the event; sink failures are logged and never reach the caller.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewRecorder(log *slog.Logger, queueSize int, sinks ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{sinks: sinks, queue: make(chan Event, queueSize), log: log, timeout: 5 * time.Second}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues e without blocking.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.sinks) == 0 {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped++
		r.log.Warn("history queue full, event dropped", "service", e.Service, "dropped", r.dropped)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink failed", "service", e.Service, "err", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	var errs []error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
