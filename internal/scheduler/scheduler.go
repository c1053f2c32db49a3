package scheduler

import (
	"strings"

	"github.com/loykin/tierd/internal/errs"
	"github.com/loykin/tierd/internal/registry"
)

// Tier is a set of services that may start concurrently; their dependencies all lie in earlier tiers.
type Tier []string

// Plan computes the start-up tiers for a registry by topological leveling.
// Tier 0 holds services without dependencies; tier n holds services whose deepest
// dependency is in tier n-1. Members keep declaration order.
// A dependency cycle yields a ConfigurationError naming the cycle.
func Plan(reg *registry.Registry) ([]Tier, error) {
	if err := checkAcyclic(reg); err != nil {
		return nil, err
	}
	level := make(map[string]int, reg.Len())
	var depth func(id string) int
	depth = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		l := 0
		for _, dep := range reg.MustGet(id).DependsOn {
			if dl := depth(dep) + 1; dl > l {
				l = dl
			}
		}
		level[id] = l
		return l
	}
	maxLevel := -1
	for _, id := range reg.IDs() {
		if l := depth(id); l > maxLevel {
			maxLevel = l
		}
	}
	tiers := make([]Tier, maxLevel+1)
	for _, id := range reg.IDs() {
		l := level[id]
		tiers[l] = append(tiers[l], id)
	}
	return tiers, nil
}

// TierOf returns a lookup from service id to tier index.
func TierOf(tiers []Tier) map[string]int {
	out := make(map[string]int)
	for i, t := range tiers {
		for _, id := range t {
			out[id] = i
		}
	}
	return out
}

const (
	white = iota
	grey
	black
)

// checkAcyclic walks the graph depth-first in declaration order and reports the first back edge.
func checkAcyclic(reg *registry.Registry) error {
	color := make(map[string]int, reg.Len())
	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range reg.MustGet(id).DependsOn {
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), stack[start:]...), dep)
				return cycle
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}
	for _, id := range reg.IDs() {
		if color[id] != white {
			continue
		}
		if c := visit(id); c != nil {
			return errs.Configuration("cycle: %s", strings.Join(c, " -> "))
		}
	}
	return nil
}
