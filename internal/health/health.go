package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/tierd/internal/errs"
	"github.com/loykin/tierd/internal/metrics"
)

// Defaults for probing, matching the launcher this supervisor replaces.
const (
	DefaultProbeTimeout   = 5 * time.Second
	DefaultReadyInterval  = 2 * time.Second
	DefaultReadyAttempts  = 30
	DefaultLivenessPeriod = 30 * time.Second
)

// Prober performs one health request.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context, url string) error

func (f ProbeFunc) Probe(ctx context.Context, url string) error { return f(ctx, url) }

// HTTPProber treats HTTP 200 as healthy; anything else, including a timeout, is unhealthy.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Config holds the probing schedule.
type Config struct {
	ReadyInterval  time.Duration
	ReadyAttempts  int
	LivenessPeriod time.Duration
}

// Checker runs readiness and liveness probing against service health endpoints.
type Checker struct {
	prober Prober
	cfg    Config
	log    *slog.Logger
}

func NewChecker(p Prober, cfg Config, log *slog.Logger) *Checker {
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = DefaultReadyInterval
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = DefaultReadyAttempts
	}
	if cfg.LivenessPeriod <= 0 {
		cfg.LivenessPeriod = DefaultLivenessPeriod
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checker{prober: p, cfg: cfg, log: log}
}

// WaitReady probes url up to ReadyAttempts times, ReadyInterval apart, and returns
// nil on the first success. Exhausting the budget yields a HealthCheckTimeoutError;
// cancellation of ctx returns ctx.Err().
func (c *Checker) WaitReady(ctx context.Context, service, url string) error {
	var last error
	for attempt := 1; attempt <= c.cfg.ReadyAttempts; attempt++ {
		if last = c.prober.Probe(ctx, url); last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.IncProbeFailure(service, "readiness")
		c.log.Debug("readiness probe failed", "service", service, "attempt", attempt, "of", c.cfg.ReadyAttempts, "err", last)
		if err := wait(ctx, c.cfg.ReadyInterval); err != nil {
			return err
		}
	}
	msg := fmt.Sprintf("not ready after %d attempts", c.cfg.ReadyAttempts)
	return errs.New(errs.KindHealthCheckTimeout, service, msg, last)
}

// Watch probes url every LivenessPeriod until ctx is done, calling onHealthy after
// each success. It returns the first probe failure, which ends this watch; the
// caller starts a new one once the service is Running again.
func (c *Checker) Watch(ctx context.Context, service, url string, onHealthy func()) error {
	for {
		if err := wait(ctx, c.cfg.LivenessPeriod); err != nil {
			return nil
		}
		err := c.prober.Probe(ctx, url)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			metrics.IncProbeFailure(service, "liveness")
			return fmt.Errorf("liveness probe: %w", err)
		}
		if onHealthy != nil {
			onHealthy()
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
