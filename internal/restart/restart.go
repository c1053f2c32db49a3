package restart

import (
	"context"
	"sync"
	"time"
)

// DefaultDelay is the pause before a relaunch, keeping crash loops from spinning.
const DefaultDelay = 5 * time.Second

// Task is a delayed action that can be cancelled until it fires.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	fired  bool
}

// Schedule runs fn after d on its own goroutine unless ctx is done or the task is
// cancelled first. fn receives a context cancelled by Cancel.
func Schedule(ctx context.Context, d time.Duration, fn func(context.Context)) *Task {
	cctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-cctx.Done():
			return
		}
		t.mu.Lock()
		if cctx.Err() != nil {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()
		fn(cctx)
	}()
	return t
}

// Cancel stops the task. It reports whether the action was prevented from running.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	fired := t.fired
	t.cancel()
	t.mu.Unlock()
	return !fired
}

func (t *Task) cancelPending() {
	t.mu.Lock()
	if !t.fired {
		t.cancel()
	}
	t.mu.Unlock()
}

// Done is closed once the task has fired and returned, or been cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Timers tracks at most one pending task per service.
type Timers struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewTimers() *Timers { return &Timers{tasks: make(map[string]*Task)} }

// Schedule replaces any pending task for id. A running task that schedules its
// own successor keeps running with its context intact.
func (ts *Timers) Schedule(ctx context.Context, id string, d time.Duration, fn func(context.Context)) *Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if old := ts.tasks[id]; old != nil {
		old.cancelPending()
	}
	var t *Task
	t = Schedule(ctx, d, func(ctx context.Context) {
		fn(ctx)
		ts.mu.Lock()
		if ts.tasks[id] == t {
			delete(ts.tasks, id)
		}
		ts.mu.Unlock()
	})
	ts.tasks[id] = t
	return t
}

// Pending reports whether id has a task waiting to fire or still running.
func (ts *Timers) Pending(id string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.tasks[id]
	return ok
}

// Cancel cancels id's pending task and reports whether one was prevented.
func (ts *Timers) Cancel(id string) bool {
	ts.mu.Lock()
	t := ts.tasks[id]
	delete(ts.tasks, id)
	ts.mu.Unlock()
	return t != nil && t.Cancel()
}

// CancelAll cancels every pending task and waits for running ones to return.
func (ts *Timers) CancelAll() {
	ts.mu.Lock()
	tasks := ts.tasks
	ts.tasks = make(map[string]*Task)
	ts.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		<-t.Done()
	}
}
