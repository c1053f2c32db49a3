package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/tierd/internal/env"
	"github.com/loykin/tierd/internal/errs"
	"github.com/loykin/tierd/internal/history"
	"github.com/loykin/tierd/internal/metrics"
	"github.com/loykin/tierd/internal/process"
	"github.com/loykin/tierd/internal/registry"
	"github.com/loykin/tierd/internal/restart"
	"github.com/loykin/tierd/internal/scheduler"
	"github.com/loykin/tierd/internal/state"
)

// Process is a spawned child as seen by the supervisor.
type Process interface {
	PID() int
	Done() <-chan struct{}
	ExitErr() error
	StopRequested() bool
	Stop(ctx context.Context, grace time.Duration) (forced bool, err error)
}

// Launcher spawns the process for a descriptor. Failures are LaunchErrors.
type Launcher interface {
	Launch(d registry.ServiceDescriptor, env []string) (Process, error)
}

// Reclaimer frees a service's port before each launch attempt.
type Reclaimer interface {
	EnsureFree(ctx context.Context, service string, port int) error
}

// Checker runs readiness and liveness probing.
type Checker interface {
	WaitReady(ctx context.Context, service, url string) error
	Watch(ctx context.Context, service, url string, onHealthy func()) error
}

// ProcessLauncher adapts *process.Launcher to Launcher.
type ProcessLauncher struct{ L *process.Launcher }

func (l ProcessLauncher) Launch(d registry.ServiceDescriptor, env []string) (Process, error) {
	p, err := l.L.Launch(d, env)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options wires the supervisor's collaborators.
type Options struct {
	Registry  *registry.Registry
	Tiers     []scheduler.Tier // planned from Registry when nil
	Launcher  Launcher
	Reclaimer Reclaimer
	Checker   Checker
	Env       *env.Env

	RestartDelay time.Duration
	GracePeriod  time.Duration

	Logger    *slog.Logger
	Recorder  *history.Recorder
	Resources *metrics.ResourceSampler
}

// Supervisor starts services tier by tier, recovers them on failure and tears
// them down in reverse promotion order.
type Supervisor struct {
	reg       *registry.Registry
	tiers     []scheduler.Tier
	tierOf    map[string]int
	st        *state.State
	launcher  Launcher
	reclaimer Reclaimer
	checker   Checker
	env       *env.Env
	delay     time.Duration
	grace     time.Duration
	log       *slog.Logger
	recorder  *history.Recorder
	resources *metrics.ResourceSampler
	runID     string

	ctx    context.Context
	cancel context.CancelFunc
	timers *restart.Timers
	events chan event
	quit   chan struct{}

	startMu  sync.Mutex // serializes tiered start-up runs
	wg       sync.WaitGroup
	stopped  chan struct{}
	seq      atomic.Uint64
	mu       sync.Mutex
	launched map[string]uint64
	started  atomic.Bool
}

// New validates the options and starts the event dispatcher.
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, errs.Configuration("registry required")
	}
	if opts.Launcher == nil || opts.Reclaimer == nil || opts.Checker == nil {
		return nil, errors.New("supervisor: launcher, reclaimer and checker are required")
	}
	tiers := opts.Tiers
	if tiers == nil {
		var err error
		if tiers, err = scheduler.Plan(opts.Registry); err != nil {
			return nil, err
		}
	}
	if opts.Env == nil {
		opts.Env = env.New()
		opts.Env.FromOS()
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = restart.DefaultDelay
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		reg:       opts.Registry,
		tiers:     tiers,
		tierOf:    scheduler.TierOf(tiers),
		st:        state.New(opts.Registry.IDs()),
		launcher:  opts.Launcher,
		reclaimer: opts.Reclaimer,
		checker:   opts.Checker,
		env:       opts.Env,
		delay:     opts.RestartDelay,
		grace:     opts.GracePeriod,
		recorder:  opts.Recorder,
		resources: opts.Resources,
		runID:     uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		timers:    restart.NewTimers(),
		events:    make(chan event, 64),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		launched:  make(map[string]uint64),
	}
	s.log = opts.Logger.With("run_id", s.runID)
	s.st.AddObserver(s.observe)
	for _, id := range s.reg.IDs() {
		metrics.SetCurrentState(id, string(state.Stopped), statusNames())
	}
	s.wg.Add(1)
	go s.dispatch()
	return s, nil
}

// RunID identifies this supervisor run on history events.
func (s *Supervisor) RunID() string { return s.runID }

// Tiers returns the start-up plan.
func (s *Supervisor) Tiers() []scheduler.Tier {
	out := make([]scheduler.Tier, len(s.tiers))
	for i, t := range s.tiers {
		out[i] = append(scheduler.Tier(nil), t...)
	}
	return out
}

// State exposes the runtime state for read-only consumers.
func (s *Supervisor) State() *state.State { return s.st }

// Start launches every tier in order and returns once each service has either
// reached Running, failed, or been skipped because a dependency is not up.
// Failures local to one service are logged and never returned. Cancelling ctx
// stops promotion: no further tier is launched and services still waiting for
// readiness are stopped and marked Failed; Start then returns ctx.Err().
func (s *Supervisor) Start(ctx context.Context) error {
	if s.started.CompareAndSwap(false, true) && s.resources != nil {
		s.resources.Start(s.ctx, s.livePIDs)
	}
	return s.startTiers(ctx)
}

// Resync returns Failed services to Stopped with a fresh budget and re-runs the
// tiered start-up. Services already up or recovering are left alone, so
// repeated calls are no-ops.
func (s *Supervisor) Resync(ctx context.Context) error {
	if s.st.ShuttingDown() {
		return state.ErrShuttingDown
	}
	for _, id := range s.reg.IDs() {
		if s.st.ResetFailed(id) {
			s.log.Info("failed service reset", "service", id)
		}
	}
	return s.startTiers(ctx)
}

func (s *Supervisor) startTiers(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	for i, tier := range s.tiers {
		if s.st.ShuttingDown() {
			return state.ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			s.log.Info("start-up cancelled", "next_tier", i)
			return err
		}
		if err := s.startTier(runCtx, i, tier); err != nil {
			if s.st.ShuttingDown() {
				return state.ErrShuttingDown
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	if s.st.ShuttingDown() {
		return state.ErrShuttingDown
	}
	return ctx.Err()
}

// startService launches id and waits for readiness. Cancelling ctx abandons the
// readiness wait; the liveness watch that follows promotion lives on s.ctx.
func (s *Supervisor) startService(ctx context.Context, id string) error {
	d := s.reg.MustGet(id)
	log := s.log.With("service", id)

	if err := s.st.BeginStart(id, d.DependsOn); err != nil {
		return err
	}
	if err := s.reclaimer.EnsureFree(s.ctx, id, d.Port); err != nil {
		return s.fail(id, err)
	}
	p, err := s.launcher.Launch(d, s.env.Merge(d.Env))
	if err != nil {
		if errs.KindOf(err) != errs.KindLaunch {
			err = errs.New(errs.KindLaunch, id, "launch", err)
		}
		return s.fail(id, err)
	}
	gen, err := s.st.Attach(id, p)
	if err != nil {
		_, _ = p.Stop(context.Background(), s.grace)
		return err
	}
	s.mu.Lock()
	s.launched[id] = s.seq.Add(1)
	s.mu.Unlock()
	log.Info("service launched", "pid", p.PID(), "port", d.Port)

	runCtx, runCancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go s.awaitExit(runCancel, id, gen, p)

	began := time.Now()
	readyCtx, readyCancel := context.WithCancel(runCtx)
	stopReady := context.AfterFunc(ctx, readyCancel)
	err = s.checker.WaitReady(readyCtx, id, d.HealthURL)
	stopReady()
	readyCancel()
	if err != nil {
		if runCtx.Err() != nil {
			// exit or shutdown: the dispatcher or the coordinator owns the outcome
			return fmt.Errorf("%s: readiness aborted: %w", id, err)
		}
		if ctx.Err() != nil {
			return s.abandon(id, p, ctx.Err())
		}
		_ = s.fail(id, err)
		if _, serr := p.Stop(context.Background(), s.grace); serr != nil {
			log.Warn("stop after readiness timeout failed", "err", serr)
		}
		return err
	}
	if err := s.st.MarkRunning(id, gen); err != nil {
		return err
	}
	metrics.ObserveReadiness(id, time.Since(began).Seconds())

	s.wg.Add(1)
	go s.watch(runCtx, id, gen, d.HealthURL)
	return nil
}

// abandon stops a process whose start-up was cancelled before readiness. The
// service is marked Failed so a later resync can retry it.
func (s *Supervisor) abandon(id string, p Process, cause error) error {
	err := fmt.Errorf("%s: start-up cancelled before readiness: %w", id, cause)
	if _, serr := p.Stop(context.Background(), s.grace); serr != nil {
		s.log.Warn("stop after cancelled start-up failed", "service", id, "err", serr)
	}
	if !s.st.ShuttingDown() {
		_ = s.fail(id, err)
	}
	return err
}

// fail marks id Failed with err and returns err.
func (s *Supervisor) fail(id string, err error) error {
	if merr := s.st.MarkFailed(id, err); merr != nil {
		s.log.Warn("mark failed", "service", id, "err", merr)
	}
	return err
}

func (s *Supervisor) awaitExit(cancel context.CancelFunc, id string, gen uint64, p Process) {
	defer s.wg.Done()
	<-p.Done()
	cancel()
	select {
	case s.events <- event{kind: exited, id: id, gen: gen, proc: p, err: p.ExitErr()}:
	case <-s.quit:
	}
}

func (s *Supervisor) watch(ctx context.Context, id string, gen uint64, url string) {
	defer s.wg.Done()
	err := s.checker.Watch(ctx, id, url, func() { s.st.MarkHealthy(id, gen) })
	if err == nil {
		return
	}
	select {
	case s.events <- event{kind: probeFailed, id: id, gen: gen, err: err}:
	case <-s.quit:
	}
}

// awaitDeps blocks until every dependency of id is Running. It returns the first
// dependency found Stopped or Failed, which will not come up on its own.
func (s *Supervisor) awaitDeps(ctx context.Context, id string) (string, error) {
	deps := s.reg.MustGet(id).DependsOn
	if len(deps) == 0 {
		return "", nil
	}
	var blocked string
	err := s.st.WaitFor(ctx, func(snap map[string]state.RuntimeState) bool {
		blocked = ""
		ready := true
		for _, dep := range deps {
			switch snap[dep].Status {
			case state.Running:
			case state.Stopped, state.Failed:
				blocked = dep
				return true
			default:
				ready = false
			}
		}
		return ready
	})
	return blocked, err
}

func (s *Supervisor) livePIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, id := range s.reg.IDs() {
		if h, _, ok := s.st.Handle(id); ok {
			out[id] = int32(h.PID())
		}
	}
	return out
}

func statusNames() []string {
	out := make([]string, len(state.AllStatuses))
	for i, st := range state.AllStatuses {
		out[i] = string(st)
	}
	return out
}
