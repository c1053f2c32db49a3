package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/loykin/tierd/internal/errs"
)

// Shutdown sets the shutdown flag, cancels probes and pending restarts, then stops
// services. Live processes that never reached Running go first, most recent launch
// first; promoted services follow in exact reverse promotion order. Each gets the
// grace period before it is killed; cancelling ctx skips the remaining grace.
// A second call waits for the first to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.st.BeginShutdown() {
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(s.stopped)
	s.log.Info("shutdown requested")

	s.cancel()
	s.timers.CancelAll()
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.resources != nil {
		s.resources.Stop()
	}

	var errList []error
	done := make(map[string]bool)
	for _, id := range s.shutdownOrder() {
		if err := s.stopService(ctx, id); err != nil {
			errList = append(errList, err)
		}
		done[id] = true
	}
	for _, id := range s.reg.IDs() {
		if !done[id] {
			_ = s.st.MarkStopped(id, nil)
		}
	}

	close(s.quit)
	s.wg.Wait()
	s.log.Info("shutdown complete")
	return errors.Join(errList...)
}

// shutdownOrder lists unpromoted services holding a live process, newest launch
// first, followed by the reverse of the promotion order.
func (s *Supervisor) shutdownOrder() []string {
	promoted := s.st.PromotionOrder()
	isPromoted := make(map[string]bool, len(promoted))
	for _, id := range promoted {
		isPromoted[id] = true
	}
	var pending []string
	for _, id := range s.reg.IDs() {
		if _, _, live := s.st.Handle(id); live && !isPromoted[id] {
			pending = append(pending, id)
		}
	}
	s.mu.Lock()
	slices.SortFunc(pending, func(a, b string) int {
		switch la, lb := s.launched[a], s.launched[b]; {
		case la > lb:
			return -1
		case la < lb:
			return 1
		}
		return 0
	})
	s.mu.Unlock()
	order := pending
	for i := len(promoted) - 1; i >= 0; i-- {
		order = append(order, promoted[i])
	}
	return order
}

func (s *Supervisor) stopService(ctx context.Context, id string) error {
	log := s.log.With("service", id)
	var stopErr error
	if h, gen, ok := s.st.Handle(id); ok {
		if p, ok := h.(Process); ok {
			log.Info("stopping service", "pid", p.PID(), "grace", s.grace)
			forced, err := p.Stop(ctx, s.grace)
			if err != nil {
				stopErr = fmt.Errorf("%s: %w", id, err)
				log.Error("stop failed", "pid", p.PID(), "err", err)
			}
			if forced {
				timeout := errs.New(errs.KindShutdownTimeout, id,
					fmt.Sprintf("no exit within %s, killed", s.grace), nil)
				log.Error("grace period elapsed", "pid", p.PID(), "err", timeout)
			}
		}
		s.st.Detach(id, gen)
	}
	if err := s.st.MarkStopped(id, nil); err != nil {
		return errors.Join(stopErr, err)
	}
	return stopErr
}
