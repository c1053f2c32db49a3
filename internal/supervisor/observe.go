package supervisor

import (
	"errors"
	"log/slog"

	"github.com/loykin/tierd/internal/errs"
	"github.com/loykin/tierd/internal/history"
	"github.com/loykin/tierd/internal/metrics"
	"github.com/loykin/tierd/internal/state"
)

// observe logs each transition and feeds metrics and history. It runs in
// transition order and must not touch s.st.
func (s *Supervisor) observe(t state.Transition) {
	from, to := string(t.From), string(t.To)
	metrics.RecordStateTransition(t.Service, from, to)
	metrics.SetCurrentState(t.Service, to, statusNames())

	attrs := []any{"service", t.Service, "from", from, "to", to, "attempts", t.Attempts}
	if t.PID != 0 {
		attrs = append(attrs, "pid", t.PID)
	}
	var cause string
	if t.Cause != nil {
		cause = t.Cause.Error()
		attrs = append(attrs, "cause", cause, "kind", errs.KindOf(t.Cause).String())
	}
	level := slog.LevelInfo
	switch {
	case t.To == state.Failed && errors.Is(t.Cause, errs.ErrRestartExhausted):
		level = slog.LevelError
		attrs = append(attrs, "severity", "critical")
	case t.To == state.Failed:
		level = slog.LevelError
	case t.To == state.Restarting:
		level = slog.LevelWarn
	}
	s.log.Log(s.ctx, level, "service state changed", attrs...)

	if s.recorder != nil {
		s.recorder.Record(history.Event{
			RunID:      s.runID,
			Service:    t.Service,
			From:       from,
			To:         to,
			Cause:      cause,
			PID:        t.PID,
			Attempts:   t.Attempts,
			OccurredAt: t.At.UTC(),
		})
	}
}
