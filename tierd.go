package tierd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tierd/internal/config"
	"github.com/loykin/tierd/internal/health"
	"github.com/loykin/tierd/internal/history"
	"github.com/loykin/tierd/internal/history/factory"
	"github.com/loykin/tierd/internal/logger"
	"github.com/loykin/tierd/internal/metrics"
	"github.com/loykin/tierd/internal/port"
	"github.com/loykin/tierd/internal/process"
	"github.com/loykin/tierd/internal/scheduler"
	"github.com/loykin/tierd/internal/server"
	"github.com/loykin/tierd/internal/state"
	"github.com/loykin/tierd/internal/supervisor"
)

// Re-export core types for embedders.

type Config = config.Config

type FileConfig = config.FileConfig

type ServiceConfig = config.ServiceConfig

type ServiceStatus = supervisor.ServiceStatus

type Tier = scheduler.Tier

type Status = state.Status

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Prober checks one health URL; nil means healthy.
type Prober = health.Prober

const (
	Stopped    = state.Stopped
	Starting   = state.Starting
	Running    = state.Running
	Restarting = state.Restarting
	Failed     = state.Failed
)

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ConfigFromFile validates a configuration built in code.
func ConfigFromFile(fc FileConfig) (*Config, error) { return config.FromFile("", fc) }

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	sinks      []history.Sink
	prober     health.Prober
}

type Option func(*options)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithHistorySinks adds sinks next to the ones configured by DSN.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// WithProber replaces the HTTP health prober.
func WithProber(p Prober) Option { return func(o *options) { o.prober = p } }

// Supervisor is the embeddable daemon: the tiered supervisor plus its optional
// operator API, metrics and history recording.
type Supervisor struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	sup       *supervisor.Supervisor
	recorder  *history.Recorder
	resources *metrics.ResourceSampler

	srvMu sync.Mutex
	srv   *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New wires a supervisor from cfg. Nothing is spawned until Run.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil || cfg.Registry == nil {
		return nil, errors.New("tierd: validated config required")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	fc := cfg.File
	s := &Supervisor{cfg: cfg, stopCh: make(chan struct{})}

	s.log = o.logger
	if s.log == nil {
		s.log, s.logCloser = logger.Setup(fc.Log)
	}
	if err := s.setupMetrics(o.registerer); err != nil {
		s.closeLog()
		return nil, err
	}
	if err := s.setupHistory(o.sinks); err != nil {
		s.closeLog()
		return nil, err
	}

	sv := fc.Supervisor
	prober := o.prober
	if prober == nil {
		prober = health.NewHTTPProber(sv.ProbeTimeout)
	}
	launcher := process.NewLauncher(process.Options{
		Interpreters: cfg.Interpreters,
		Log:          fc.Log,
		Logger:       s.log,
	})
	sup, err := supervisor.New(supervisor.Options{
		Registry:     cfg.Registry,
		Tiers:        cfg.Tiers,
		Launcher:     supervisor.ProcessLauncher{L: launcher},
		Reclaimer:    port.New(sv.Port(), port.WithLogger(s.log)),
		Checker:      health.NewChecker(prober, sv.Health(), s.log),
		Env:          cfg.Env,
		RestartDelay: sv.RestartDelay,
		GracePeriod:  sv.GracePeriod,
		Logger:       s.log,
		Recorder:     s.recorder,
		Resources:    s.resources,
	})
	if err != nil {
		if s.recorder != nil {
			_ = s.recorder.Close()
		}
		s.closeLog()
		return nil, err
	}
	s.sup = sup
	return s, nil
}

func (s *Supervisor) setupMetrics(r prometheus.Registerer) error {
	m := s.cfg.File.Metrics
	if !m.Enabled {
		return nil
	}
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(r); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if m.Resources.Enabled {
		s.resources = metrics.NewResourceSampler(m.Resources)
		if err := s.resources.Register(r); err != nil {
			return fmt.Errorf("register resource metrics: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) setupHistory(extra []history.Sink) error {
	h := s.cfg.File.History
	var sinks []history.Sink
	if h.Enabled {
		var err error
		if sinks, err = factory.NewSinks(h.DSNs); err != nil {
			return fmt.Errorf("history sinks: %w", err)
		}
	}
	sinks = append(sinks, extra...)
	if len(sinks) > 0 {
		s.recorder = history.NewRecorder(s.log, h.QueueSize, sinks...)
	}
	return nil
}

// Run serves the operator API when enabled, performs the tiered start-up and then
// blocks until ctx is done or a stop is requested through Stop or POST /stop.
// Either one arriving during start-up ends it before the next tier is launched.
// The caller finishes with Shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.File.Server.Enabled {
		if err := s.serve(); err != nil {
			return err
		}
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-startCtx.Done():
		}
	}()
	if err := s.sup.Start(startCtx); err != nil && startCtx.Err() == nil && !errors.Is(err, state.ErrShuttingDown) {
		s.log.Error("start-up aborted", "err", err)
	}
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	return nil
}

func (s *Supervisor) router(basePath string) *server.Router {
	return server.NewRouter(s.sup, basePath,
		server.WithStop(s.Stop),
		server.WithResources(s.resources),
		server.WithMetrics(s.cfg.File.Metrics.Enabled),
	)
}

// Handler returns the operator API for mounting in an embedder's own server.
func (s *Supervisor) Handler(basePath string) http.Handler { return s.router(basePath).Handler() }

func (s *Supervisor) serve() error {
	sc := s.cfg.File.Server
	srv, err := server.NewServer(sc.Listen, s.router(sc.BasePath))
	if err != nil {
		return fmt.Errorf("operator api: %w", err)
	}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()
	s.log.Info("operator api listening", "addr", srv.Addr, "base_path", sc.BasePath)
	return nil
}

// Addr returns the operator API address, or "" when it is not serving.
func (s *Supervisor) Addr() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr
}

// Stop asks Run to return. It does not stop services; call Shutdown for that.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Stopping is closed once a stop has been requested.
func (s *Supervisor) Stopping() <-chan struct{} { return s.stopCh }

// Shutdown stops every service in reverse promotion order, then closes the
// operator API, drains history sinks and releases the log file. Cancelling ctx
// skips the remaining grace periods.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Stop()
	err := s.sup.Shutdown(ctx)

	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if serr := srv.Shutdown(sctx); serr != nil {
			_ = srv.Close()
		}
		cancel()
	}
	if s.recorder != nil {
		if rerr := s.recorder.Close(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	s.closeLog()
	return err
}

func (s *Supervisor) closeLog() {
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
}

// Resync resets Failed services and re-runs the tiered start-up.
func (s *Supervisor) Resync(ctx context.Context) error { return s.sup.Resync(ctx) }

// Status returns the snapshot of every service in declaration order.
func (s *Supervisor) Status() []ServiceStatus { return s.sup.Status() }

// StatusOf returns one service's row.
func (s *Supervisor) StatusOf(id string) (ServiceStatus, bool) { return s.sup.StatusOf(id) }

// Tiers returns the start-up plan.
func (s *Supervisor) Tiers() []Tier { return s.sup.Tiers() }

// RunID identifies this run on history events.
func (s *Supervisor) RunID() string { return s.sup.RunID() }

// Logger returns the supervisor's logger.
func (s *Supervisor) Logger() *slog.Logger { return s.log }
