package port

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/loykin/tierd/internal/errs"
	"github.com/loykin/tierd/internal/metrics"
)

// Defaults match the settle time the supervisor gives the OS to release a socket.
const (
	DefaultSettle = time.Second
	DefaultTries  = 2
)

// Owner is a process holding a listening socket.
type Owner struct {
	PID  int32
	Name string
}

// OwnerFinder lists the processes listening on a TCP port.
type OwnerFinder interface {
	Owners(ctx context.Context, port int) ([]Owner, error)
}

// Terminator stops foreign processes.
type Terminator interface {
	Terminate(ctx context.Context, pid int32) error
	Kill(ctx context.Context, pid int32) error
	Alive(ctx context.Context, pid int32) bool
}

// Config tunes the reclaimer.
type Config struct {
	Host   string        // address probed for availability, default 127.0.0.1
	Settle time.Duration // wait after signalling owners before re-checking
	Tries  int           // reclaim rounds before giving up
}

// Reclaimer ensures a service's port is free before launch, terminating
// foreign owners when it is not.
type Reclaimer struct {
	cfg    Config
	finder OwnerFinder
	term   Terminator
	probe  func(host string, port int) bool
	log    *slog.Logger
	self   int32
}

// Option customizes a Reclaimer.
type Option func(*Reclaimer)

func WithOwnerFinder(f OwnerFinder) Option { return func(r *Reclaimer) { r.finder = f } }
func WithTerminator(t Terminator) Option   { return func(r *Reclaimer) { r.term = t } }
func WithLogger(l *slog.Logger) Option     { return func(r *Reclaimer) { r.log = l } }

// WithProbe replaces the availability check.
func WithProbe(p func(host string, port int) bool) Option { return func(r *Reclaimer) { r.probe = p } }

func New(cfg Config, opts ...Option) *Reclaimer {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Tries <= 0 {
		cfg.Tries = DefaultTries
	}
	r := &Reclaimer{
		cfg:    cfg,
		finder: SystemOwners{},
		term:   SystemTerminator{},
		probe:  listenProbe,
		log:    slog.Default(),
		self:   int32(os.Getpid()),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Available reports whether port can be bound right now.
func (r *Reclaimer) Available(port int) bool { return r.probe(r.cfg.Host, port) }

// EnsureFree returns nil when port is bindable, reclaiming it from foreign owners if needed.
// A free port causes no termination at all. When the port is still bound after
// all rounds, a PortConflictError is returned.
func (r *Reclaimer) EnsureFree(ctx context.Context, service string, port int) error {
	if r.Available(port) {
		metrics.IncPortReclaim("free")
		return nil
	}
	log := r.log.With("service", service, "port", port)
	var lastErr error
	for try := 1; try <= r.cfg.Tries; try++ {
		owners, err := r.finder.Owners(ctx, port)
		if err != nil {
			lastErr = err
			log.Warn("port owner lookup failed", "try", try, "err", err)
		}
		owners = r.foreign(owners)
		for _, o := range owners {
			log.Warn("terminating process holding port", "pid", o.PID, "owner", o.Name, "try", try)
			if err := r.term.Terminate(ctx, o.PID); err != nil {
				lastErr = err
			}
		}
		if err := sleep(ctx, r.cfg.Settle); err != nil {
			return err
		}
		if r.Available(port) {
			metrics.IncPortReclaim("reclaimed")
			log.Info("port reclaimed")
			return nil
		}
		for _, o := range owners {
			if r.term.Alive(ctx, o.PID) {
				log.Warn("killing process holding port", "pid", o.PID, "owner", o.Name)
				if err := r.term.Kill(ctx, o.PID); err != nil {
					lastErr = err
				}
			}
		}
		if len(owners) > 0 {
			if err := sleep(ctx, r.cfg.Settle); err != nil {
				return err
			}
		}
		if r.Available(port) {
			metrics.IncPortReclaim("reclaimed")
			log.Info("port reclaimed")
			return nil
		}
	}
	metrics.IncPortReclaim("conflict")
	msg := fmt.Sprintf("port %d still in use after %d attempts", port, r.cfg.Tries)
	return errs.New(errs.KindPortConflict, service, msg, lastErr)
}

func (r *Reclaimer) foreign(owners []Owner) []Owner {
	out := owners[:0:0]
	for _, o := range owners {
		if o.PID > 0 && o.PID != r.self {
			out = append(out, o)
		}
	}
	return out
}

func listenProbe(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
