package supervisor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/tierd/internal/errs"
	"github.com/loykin/tierd/internal/metrics"
	"github.com/loykin/tierd/internal/scheduler"
	"github.com/loykin/tierd/internal/state"
)

type eventKind int

const (
	exited eventKind = iota
	probeFailed
)

// event is delivered to the dispatcher by exit observers and liveness watchers.
type event struct {
	kind eventKind
	id   string
	gen  uint64
	proc Process
	err  error
}

// dispatch is the single arbitration point for exits and liveness failures.
func (s *Supervisor) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) handle(ev event) {
	switch ev.kind {
	case exited:
		if _, ok := s.st.Detach(ev.id, ev.gen); !ok {
			return
		}
		if ev.proc.StopRequested() || s.st.ShuttingDown() {
			s.log.Debug("process exited", "service", ev.id, "err", ev.err)
			return
		}
		cause := errs.New(errs.KindUnexpectedExit, ev.id, describeExit(ev.err), ev.err)
		s.recover(ev.id, ev.gen, cause, nil)
	case probeFailed:
		rs, ok := s.st.Get(ev.id)
		if !ok || rs.Generation != ev.gen || rs.Status != state.Running {
			return
		}
		h, gen, ok := s.st.Handle(ev.id)
		var p Process
		if ok && gen == ev.gen {
			p, _ = h.(Process)
		}
		s.log.Warn("liveness probe failed", "service", ev.id, "err", ev.err)
		s.recover(ev.id, ev.gen, ev.err, p)
	}
}

func describeExit(err error) string {
	if err == nil {
		return "exited with status 0"
	}
	return "exited"
}

// recover applies the restart budget to a failed generation. A still-live process
// (liveness failure) is stopped before any relaunch.
func (s *Supervisor) recover(id string, gen uint64, cause error, live Process) {
	d := s.reg.MustGet(id)
	decision, attempts, err := s.st.BeginRestart(id, gen, d.MaxRestarts, cause)
	if err != nil && !errors.Is(err, errs.ErrRestartExhausted) {
		s.log.Debug("recovery skipped", "service", id, "err", err)
		return
	}
	relaunch := decision == state.Relaunch
	if relaunch {
		metrics.IncRestart(id)
		s.log.Info("restart scheduled", "service", id, "attempt", attempts, "delay", s.delay, "cause", cause)
	}
	if live == nil {
		if relaunch {
			s.scheduleRelaunch(id)
		}
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retire(id, gen, live)
		if relaunch {
			s.scheduleRelaunch(id)
		}
	}()
}

// retire stops a generation that is no longer wanted and releases its handle.
func (s *Supervisor) retire(id string, gen uint64, p Process) {
	forced, err := p.Stop(context.Background(), s.grace)
	if err != nil {
		s.log.Warn("stop failed", "service", id, "pid", p.PID(), "err", err)
	}
	if forced {
		s.log.Warn("process killed after grace period", "service", id, "pid", p.PID())
	}
	s.st.Detach(id, gen)
}

func (s *Supervisor) scheduleRelaunch(id string) {
	s.timers.Schedule(s.ctx, id, s.delay, func(ctx context.Context) {
		s.relaunch(ctx, id)
	})
}

func (s *Supervisor) relaunch(ctx context.Context, id string) {
	blocked, err := s.awaitDeps(ctx, id)
	if err != nil {
		return
	}
	if blocked != "" {
		_ = s.fail(id, fmt.Errorf("dependency %s is not running", blocked))
		return
	}
	if err := s.startService(ctx, id); err != nil && !s.st.ShuttingDown() {
		s.log.Error("relaunch failed", "service", id, "err", err)
	}
}

// startTier starts every Stopped member of tier concurrently once its dependencies are up.
func (s *Supervisor) startTier(ctx context.Context, n int, tier scheduler.Tier) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range tier {
		rs, _ := s.st.Get(id)
		if rs.Status != state.Stopped {
			continue
		}
		g.Go(func() error {
			blocked, err := s.awaitDeps(gctx, id)
			if err != nil {
				return err
			}
			if blocked != "" {
				s.log.Warn("not starting: dependency not running", "service", id, "dependency", blocked)
				return nil
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			err = s.startService(gctx, id)
			switch {
			case err == nil, s.st.ShuttingDown():
			case gctx.Err() != nil:
				s.log.Info("start cancelled", "service", id, "tier", n)
			default:
				s.log.Error("start failed", "service", id, "tier", n, "err", err)
			}
			return nil
		})
	}
	err := g.Wait()
	s.log.Debug("tier settled", "tier", n, "services", len(tier))
	return err
}
