package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/tierd/internal/env"
	"github.com/loykin/tierd/internal/health"
	"github.com/loykin/tierd/internal/history"
	"github.com/loykin/tierd/internal/registry"
	"github.com/loykin/tierd/internal/state"
)

type fakeProc struct {
	id       string
	pid      int
	l        *fakeLauncher
	done     chan struct{}
	once     sync.Once
	stubborn bool

	mu      sync.Mutex
	err     error
	stopReq bool
	stopAt  time.Time
	exitAt  time.Time
}

// times returns when Stop first reached a live process and when it exited.
func (p *fakeProc) times() (stopAt, exitAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopAt, p.exitAt
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProc) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopReq
}

// exit simulates the child terminating on its own.
func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.exitAt = time.Now()
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) Stop(ctx context.Context, grace time.Duration) (bool, error) {
	p.mu.Lock()
	p.stopReq = true
	p.mu.Unlock()
	select {
	case <-p.done:
		return false, nil
	default:
	}
	p.mu.Lock()
	if p.stopAt.IsZero() {
		p.stopAt = time.Now()
	}
	p.mu.Unlock()
	p.l.recordStop(p.id)
	if !p.stubborn {
		p.exit(nil)
		return false, nil
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	p.exit(errors.New("signal: killed"))
	return true, nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	procs    map[string][]*fakeProc
	launches []string
	stops    []string
	envs     map[string][]string
	failFor  map[string]error
	stubborn map[string]bool
	nextPID  int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		procs:    make(map[string][]*fakeProc),
		envs:     make(map[string][]string),
		failFor:  make(map[string]error),
		stubborn: make(map[string]bool),
		nextPID:  1000,
	}
}

func (f *fakeLauncher) Launch(d registry.ServiceDescriptor, env []string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[d.ID]; err != nil {
		return nil, err
	}
	f.nextPID++
	p := &fakeProc{id: d.ID, pid: f.nextPID, l: f, done: make(chan struct{}), stubborn: f.stubborn[d.ID]}
	f.procs[d.ID] = append(f.procs[d.ID], p)
	f.launches = append(f.launches, d.ID)
	f.envs[d.ID] = env
	return p, nil
}

func (f *fakeLauncher) recordStop(id string) {
	f.mu.Lock()
	f.stops = append(f.stops, id)
	f.mu.Unlock()
}

func (f *fakeLauncher) latest(id string) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.procs[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (f *fakeLauncher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs[id])
}

func (f *fakeLauncher) stopOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

type fakeReclaimer struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (r *fakeReclaimer) EnsureFree(_ context.Context, service string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, service)
	return r.errs[service]
}

func (r *fakeReclaimer) set(service string, err error) {
	r.mu.Lock()
	r.errs[service] = err
	r.mu.Unlock()
}

// fakeHealth answers probes for URLs of the form fake://<id>.
type fakeHealth struct {
	mu       sync.Mutex
	down     map[string]bool
	failNext map[string]int
}

func (f *fakeHealth) Probe(_ context.Context, url string) error {
	id := strings.TrimPrefix(url, "fake://")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext[id] > 0 {
		f.failNext[id]--
		return errors.New("health endpoint returned 503")
	}
	if f.down[id] {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeHealth) setDown(id string, down bool) {
	f.mu.Lock()
	f.down[id] = down
	f.mu.Unlock()
}

func (f *fakeHealth) fail(id string, n int) {
	f.mu.Lock()
	f.failNext[id] = n
	f.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) all() []history.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]history.Event(nil), c.events...)
}

type harness struct {
	t         *testing.T
	sup       *Supervisor
	launcher  *fakeLauncher
	reclaimer *fakeReclaimer
	health    *fakeHealth

	mu    sync.Mutex
	trans []state.Transition
}

type harnessOpt func(*Options, *health.Config)

func withReadyAttempts(n int) harnessOpt {
	return func(_ *Options, c *health.Config) { c.ReadyAttempts = n }
}

func withRestartDelay(d time.Duration) harnessOpt {
	return func(o *Options, _ *health.Config) { o.RestartDelay = d }
}

func withGrace(d time.Duration) harnessOpt {
	return func(o *Options, _ *health.Config) { o.GracePeriod = d }
}

func withRecorder(r *history.Recorder) harnessOpt {
	return func(o *Options, _ *health.Config) { o.Recorder = r }
}

func svc(id string, port int, deps ...string) registry.ServiceDescriptor {
	return registry.ServiceDescriptor{
		ID:          id,
		Command:     "bin/" + id,
		Port:        port,
		DependsOn:   deps,
		HealthURL:   "fake://" + id,
		MaxRestarts: 3,
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, descs []registry.ServiceDescriptor, opts ...harnessOpt) *harness {
	t.Helper()
	reg, err := registry.New(descs)
	require.NoError(t, err)

	h := &harness{
		t:         t,
		launcher:  newFakeLauncher(),
		reclaimer: &fakeReclaimer{errs: make(map[string]error)},
		health:    &fakeHealth{down: make(map[string]bool), failNext: make(map[string]int)},
	}
	hc := health.Config{ReadyInterval: time.Millisecond, ReadyAttempts: 20, LivenessPeriod: 5 * time.Millisecond}
	o := Options{
		Registry:     reg,
		Launcher:     h.launcher,
		Reclaimer:    h.reclaimer,
		Env:          env.New().WithoutOS(),
		RestartDelay: time.Millisecond,
		GracePeriod:  50 * time.Millisecond,
		Logger:       discard(),
	}
	for _, fn := range opts {
		fn(&o, &hc)
	}
	o.Checker = health.NewChecker(health.ProbeFunc(h.health.Probe), hc, discard())

	h.sup, err = New(o)
	require.NoError(t, err)
	h.sup.State().AddObserver(func(tr state.Transition) {
		h.mu.Lock()
		h.trans = append(h.trans, tr)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.sup.Start(context.Background()))
}

// waitFor blocks until cond holds for id's runtime state.
func (h *harness) waitFor(id string, cond func(state.RuntimeState) bool) state.RuntimeState {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := h.sup.State().WaitFor(ctx, func(snap map[string]state.RuntimeState) bool {
		return cond(snap[id])
	})
	rs, _ := h.sup.State().Get(id)
	require.NoError(h.t, err, "%s stuck in %s", id, rs.Status)
	return rs
}

func (h *harness) waitStatus(id string, st state.Status) state.RuntimeState {
	h.t.Helper()
	return h.waitFor(id, func(rs state.RuntimeState) bool { return rs.Status == st })
}

// waitRunningGen waits until id is Running on its gen-th launch.
func (h *harness) waitRunningGen(id string, gen uint64) {
	h.t.Helper()
	h.waitFor(id, func(rs state.RuntimeState) bool {
		return rs.Status == state.Running && rs.Generation == gen
	})
}

// path returns id's transitions rendered as "from>to".
func (h *harness) path(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, tr := range h.trans {
		if tr.Service == id {
			out = append(out, string(tr.From)+">"+string(tr.To))
		}
	}
	return out
}

// index returns the position of the first transition of id into to, or -1.
func (h *harness) index(id string, to state.Status) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, tr := range h.trans {
		if tr.Service == id && tr.To == to {
			return i
		}
	}
	return -1
}

func (h *harness) transitions(id string) []state.Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []state.Transition
	for _, tr := range h.trans {
		if tr.Service == id {
			out = append(out, tr)
		}
	}
	return out
}
