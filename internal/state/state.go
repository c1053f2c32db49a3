package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/tierd/internal/errs"
)

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrShuttingDown      = errors.New("supervisor is shutting down")
	ErrDependencyNotUp   = errors.New("dependencies not running")
	ErrAlreadySpawned    = errors.New("service already has a live process")
	ErrStaleGeneration   = errors.New("stale process generation")
	ErrInvalidTransition = errors.New("invalid transition")
)

type entry struct {
	rs       RuntimeState
	handle   Handle
	promoted bool
}

// State is the single source of truth for every service's runtime status.
// All mutations are serialized by mu; observers are notified in mutation order.
type State struct {
	mu        sync.Mutex
	obsMu     sync.Mutex
	services  map[string]*entry
	promotion []string
	shutdown  bool
	changed   chan struct{}
	observers []Observer
	now       func() time.Time
}

// New creates state for ids, all Stopped.
func New(ids []string) *State {
	s := &State{
		services: make(map[string]*entry, len(ids)),
		changed:  make(chan struct{}),
		now:      time.Now,
	}
	for _, id := range ids {
		s.services[id] = &entry{rs: RuntimeState{Status: Stopped}}
	}
	return s
}

// AddObserver registers o for all subsequent transitions.
func (s *State) AddObserver(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Get returns a copy of id's runtime state.
func (s *State) Get(id string) (RuntimeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return RuntimeState{}, false
	}
	return e.rs, true
}

// Snapshot returns copies of all runtime states keyed by id.
func (s *State) Snapshot() map[string]RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RuntimeState, len(s.services))
	for id, e := range s.services {
		out[id] = e.rs
	}
	return out
}

// Handle returns the live process of id, if any, with its generation.
func (s *State) Handle(id string) (Handle, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok || e.handle == nil {
		return nil, 0, false
	}
	return e.handle, e.rs.Generation, true
}

// Changed returns a channel closed on the next transition.
func (s *State) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// WaitFor blocks until cond holds for a snapshot, or ctx is done.
func (s *State) WaitFor(ctx context.Context, cond func(map[string]RuntimeState) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ch := s.Changed()
		if cond(s.Snapshot()) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ShuttingDown reports whether the shutdown flag is set.
func (s *State) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// BeginShutdown sets the shutdown flag. It returns false if it was already set.
func (s *State) BeginShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.shutdown = true
	s.broadcastLocked()
	return true
}

// PromotionOrder lists services in the order they first reached Running.
// A service that later restarts keeps its original position.
func (s *State) PromotionOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.promotion...)
}

// BeginStart moves id to Starting. It requires the shutdown flag unset, id Stopped or
// Restarting, and every dependency Running.
func (s *State) BeginStart(id string, deps []string) error {
	s.mu.Lock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.shutdown {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if e.rs.Status != Stopped && e.rs.Status != Restarting {
		from := e.rs.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, Starting)
	}
	for _, dep := range deps {
		d, ok := s.services[dep]
		if !ok || d.rs.Status != Running {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s waits for %s", ErrDependencyNotUp, id, dep)
		}
	}
	s.transitionLocked(id, e, Starting, nil)
	return nil
}

// Attach records h as id's live process and returns its generation.
// At most one live process exists per service.
func (s *State) Attach(id string, h Handle) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupLocked(id)
	if err != nil {
		return 0, err
	}
	if e.handle != nil {
		return 0, fmt.Errorf("%w: %s (pid %d)", ErrAlreadySpawned, id, e.handle.PID())
	}
	if e.rs.Status != Starting {
		return 0, fmt.Errorf("%w: attach while %s", ErrInvalidTransition, e.rs.Status)
	}
	e.handle = h
	e.rs.Generation++
	e.rs.PID = h.PID()
	e.rs.HasProcess = true
	s.broadcastLocked()
	return e.rs.Generation, nil
}

// Detach clears id's live process if gen is still current. It returns the handle removed.
func (s *State) Detach(id string, gen uint64) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok || e.handle == nil || e.rs.Generation != gen {
		return nil, false
	}
	h := e.handle
	e.handle = nil
	e.rs.PID = 0
	e.rs.HasProcess = false
	s.broadcastLocked()
	return h, true
}

// MarkRunning promotes id from Starting to Running, resets its restart counter and,
// on first promotion, appends it to the promotion order.
func (s *State) MarkRunning(id string, gen uint64) error {
	s.mu.Lock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e.rs.Generation != gen || e.handle == nil {
		s.mu.Unlock()
		return ErrStaleGeneration
	}
	if e.rs.Status != Starting {
		from := e.rs.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, Running)
	}
	e.rs.RestartAttempts = 0
	e.rs.LastHealthy = s.now()
	e.rs.LastError = ""
	if !e.promoted {
		e.promoted = true
		s.promotion = append(s.promotion, id)
	}
	s.transitionLocked(id, e, Running, nil)
	return nil
}

// MarkHealthy stamps a successful liveness probe for the current generation.
func (s *State) MarkHealthy(id string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.services[id]; ok && e.rs.Generation == gen && e.rs.Status == Running {
		e.rs.LastHealthy = s.now()
	}
}

// BeginRestart accounts for an unexpected termination or liveness failure of generation gen.
// The counter is incremented and the service becomes Restarting; once the counter
// exceeds maxRestarts it moves on to Failed with a RestartExhaustedError.
// No transition happens once shutdown has begun.
func (s *State) BeginRestart(id string, gen uint64, maxRestarts int, cause error) (Decision, int, error) {
	s.mu.Lock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return GiveUp, 0, err
	}
	if s.shutdown {
		s.mu.Unlock()
		return GiveUp, e.rs.RestartAttempts, ErrShuttingDown
	}
	if e.rs.Generation != gen {
		s.mu.Unlock()
		return GiveUp, e.rs.RestartAttempts, ErrStaleGeneration
	}
	if e.rs.Status != Running && e.rs.Status != Starting {
		from := e.rs.Status
		s.mu.Unlock()
		return GiveUp, e.rs.RestartAttempts, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, Restarting)
	}
	e.rs.RestartAttempts++
	attempts := e.rs.RestartAttempts
	if cause != nil {
		e.rs.LastError = cause.Error()
	}
	if attempts > maxRestarts {
		exhausted := errs.New(errs.KindRestartExhausted, id,
			fmt.Sprintf("%d restarts allowed", maxRestarts), cause)
		s.transitionLocked(id, e, Restarting, cause)
		s.mu.Lock()
		if e.rs.Status != Restarting || e.rs.Generation != gen {
			s.mu.Unlock()
			return GiveUp, attempts, exhausted
		}
		e.rs.LastError = exhausted.Error()
		s.transitionLocked(id, e, Failed, exhausted)
		return GiveUp, attempts, exhausted
	}
	s.transitionLocked(id, e, Restarting, cause)
	return Relaunch, attempts, nil
}

// MarkFailed moves id to Failed, recording cause.
func (s *State) MarkFailed(id string, cause error) error {
	s.mu.Lock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e.rs.Status == Failed {
		s.mu.Unlock()
		return nil
	}
	if cause != nil {
		e.rs.LastError = cause.Error()
	}
	s.transitionLocked(id, e, Failed, cause)
	return nil
}

// MarkStopped moves id to Stopped. It is only valid during shutdown.
func (s *State) MarkStopped(id string, cause error) error {
	s.mu.Lock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("%w: stop %s outside shutdown", ErrInvalidTransition, id)
	}
	if e.rs.Status == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.transitionLocked(id, e, Stopped, cause)
	return nil
}

// ResetFailed returns a Failed service to Stopped with a zero counter (operator intervention).
func (s *State) ResetFailed(id string) bool {
	s.mu.Lock()
	e, ok := s.services[id]
	if !ok || s.shutdown || e.rs.Status != Failed || e.handle != nil {
		s.mu.Unlock()
		return false
	}
	e.rs.RestartAttempts = 0
	s.transitionLocked(id, e, Stopped, nil)
	return true
}

func (s *State) lookupLocked(id string) (*entry, error) {
	e, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return e, nil
}

func (s *State) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// transitionLocked applies the change, releases mu, and notifies observers in order.
func (s *State) transitionLocked(id string, e *entry, to Status, cause error) {
	t := Transition{
		Service:  id,
		From:     e.rs.Status,
		To:       to,
		Cause:    cause,
		Attempts: e.rs.RestartAttempts,
		PID:      e.rs.PID,
		At:       s.now(),
	}
	e.rs.Status = to
	s.broadcastLocked()
	s.obsMu.Lock()
	s.mu.Unlock()
	for _, o := range s.observers {
		o(t)
	}
	s.obsMu.Unlock()
}
