package registry

import (
	"fmt"
	"strings"

	"github.com/loykin/tierd/internal/errs"
)

// Registry is the static catalog of descriptors in declaration order.
// It is built once and never mutated.
type Registry struct {
	order []string
	byID  map[string]ServiceDescriptor
}

// New validates the descriptors and builds a registry.
// Validation failures are ConfigurationErrors; dependency cycles are detected by the scheduler.
func New(descs []ServiceDescriptor) (*Registry, error) {
	if len(descs) == 0 {
		return nil, errs.Configuration("no services configured")
	}
	r := &Registry{
		order: make([]string, 0, len(descs)),
		byID:  make(map[string]ServiceDescriptor, len(descs)),
	}
	ports := make(map[int]string, len(descs))
	for _, d := range descs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, errs.Configuration("service with empty id")
		}
		if !ValidID(d.ID) {
			return nil, errs.Configuration("service id %q: only letters, digits, '.', '_' and '-' are allowed, without \"..\"", d.ID)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, errs.Configuration("duplicate service id %q", d.ID)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return nil, errs.Configuration("service %s: port %d out of range", d.ID, d.Port)
		}
		if other, dup := ports[d.Port]; dup {
			return nil, errs.Configuration("services %s and %s share port %d", other, d.ID, d.Port)
		}
		if d.MaxRestarts < 0 {
			return nil, errs.Configuration("service %s: max_restarts must be >= 0", d.ID)
		}
		if strings.TrimSpace(d.Command) == "" {
			return nil, errs.Configuration("service %s: command required", d.ID)
		}
		switch d.Kind {
		case "":
			d.Kind = KindExec
		case KindExec, KindShell, KindPython, KindNode:
		default:
			return nil, errs.Configuration("service %s: unknown kind %q", d.ID, d.Kind)
		}
		if d.HealthURL == "" {
			d.HealthURL = DefaultHealthURL(d.Port)
		}
		d.Args = append([]string(nil), d.Args...)
		d.DependsOn = append([]string(nil), d.DependsOn...)
		d.Env = append([]string(nil), d.Env...)
		ports[d.Port] = d.ID
		r.byID[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	for _, id := range r.order {
		seen := make(map[string]bool)
		for _, dep := range r.byID[id].DependsOn {
			if dep == id {
				return nil, errs.Configuration("service %s depends on itself", id)
			}
			if _, ok := r.byID[dep]; !ok {
				return nil, errs.Configuration("service %s depends on unknown service %q", id, dep)
			}
			if seen[dep] {
				return nil, errs.Configuration("service %s lists dependency %q twice", id, dep)
			}
			seen[dep] = true
		}
	}
	return r, nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (ServiceDescriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// MustGet is Get for identifiers already known to be registered.
func (r *Registry) MustGet(id string) ServiceDescriptor {
	d, ok := r.byID[id]
	if !ok {
		panic(fmt.Sprintf("registry: unknown service %q", id))
	}
	return d
}

// IDs returns identifiers in declaration order.
func (r *Registry) IDs() []string { return append([]string(nil), r.order...) }

// All returns descriptors in declaration order.
func (r *Registry) All() []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Index returns the declaration position of id, or -1.
func (r *Registry) Index(id string) int {
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (r *Registry) Len() int { return len(r.order) }

// ValidID reports whether id is usable as a service id. Ids appear in URLs and
// in per-service log file names, so they are limited to A-Z a-z 0-9 . _ - and
// may not contain "..".
func ValidID(id string) bool {
	if id == "" || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
