package supervisor

import (
	"time"

	"github.com/loykin/tierd/internal/state"
)

// ServiceStatus is one row of the status snapshot.
type ServiceStatus struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Port            int          `json:"port"`
	Status          state.Status `json:"status"`
	RestartAttempts int          `json:"restart_attempts"`
	HealthURL       string       `json:"health_url"`
	PID             int          `json:"pid,omitempty"`
	LastHealthy     *time.Time   `json:"last_healthy,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	Tier            int          `json:"tier"`
	DependsOn       []string     `json:"depends_on,omitempty"`
}

// Status returns a read-only snapshot of every service in declaration order.
func (s *Supervisor) Status() []ServiceStatus {
	snap := s.st.Snapshot()
	out := make([]ServiceStatus, 0, s.reg.Len())
	for _, id := range s.reg.IDs() {
		out = append(out, s.row(id, snap[id]))
	}
	return out
}

// StatusOf returns the snapshot row for id.
func (s *Supervisor) StatusOf(id string) (ServiceStatus, bool) {
	rs, ok := s.st.Get(id)
	if !ok {
		return ServiceStatus{}, false
	}
	return s.row(id, rs), true
}

func (s *Supervisor) row(id string, rs state.RuntimeState) ServiceStatus {
	d := s.reg.MustGet(id)
	st := ServiceStatus{
		ID:              id,
		Name:            d.DisplayName(),
		Port:            d.Port,
		Status:          rs.Status,
		RestartAttempts: rs.RestartAttempts,
		HealthURL:       d.HealthURL,
		PID:             rs.PID,
		LastError:       rs.LastError,
		Tier:            s.tierOf[id],
		DependsOn:       append([]string(nil), d.DependsOn...),
	}
	if !rs.LastHealthy.IsZero() {
		t := rs.LastHealthy
		st.LastHealthy = &t
	}
	return st
}
