package reconciliation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/google/uuid"
)

// Holder is one participant in a lock graph.
type Holder struct {
	ID    string   `json:"id" validate:"required"`
	Holds []string `json:"holds"`
	Wants []string `json:"wants"`
	// Priority orders deadlock victims: the lowest priority is released first.
	Priority int       `json:"priority"`
	Since    time.Time `json:"since"`
}

// LockGraph records which holder holds and wants which resource.
type LockGraph struct {
	Holders []Holder `json:"holders" validate:"dive"`
}

// waitFor builds holder -> holders it waits on. A holder waiting on a
// resource it holds itself is not a wait.
func (g LockGraph) waitFor() map[string][]string {
	owners := make(map[string][]string)
	for _, h := range g.Holders {
		for _, r := range h.Holds {
			owners[r] = append(owners[r], h.ID)
		}
	}

	edges := make(map[string][]string, len(g.Holders))
	for _, h := range g.Holders {
		seen := map[string]bool{}
		for _, r := range h.Wants {
			for _, owner := range owners[r] {
				if owner == h.ID || seen[owner] {
					continue
				}
				seen[owner] = true
				edges[h.ID] = append(edges[h.ID], owner)
			}
		}
		sort.Strings(edges[h.ID])
	}
	return edges
}

func (g LockGraph) holder(id string) (Holder, bool) {
	for _, h := range g.Holders {
		if h.ID == id {
			return h, true
		}
	}
	return Holder{}, false
}

// DetectCycles finds every elementary wait-for cycle in g. Each cycle is
// rotated to start at its smallest holder id, and rotations of the same cycle
// are reported once. Results are sorted.
func DetectCycles(g LockGraph) [][]string {
	edges := g.waitFor()

	nodes := make([]string, 0, len(g.Holders))
	for _, h := range g.Holders {
		nodes = append(nodes, h.ID)
	}
	sort.Strings(nodes)

	seen := make(map[string]bool)
	var cycles [][]string

	var path []string
	onPath := make(map[string]bool)

	// Only walk nodes >= start so each cycle is found from its smallest id.
	var visit func(start, node string)
	visit = func(start, node string) {
		path = append(path, node)
		onPath[node] = true
		for _, next := range edges[node] {
			if next < start {
				continue
			}
			if next == start {
				cycle := slices.Clone(path)
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !onPath[next] {
				visit(start, next)
			}
		}
		onPath[node] = false
		path = path[:len(path)-1]
	}

	for _, n := range nodes {
		visit(n, n)
	}

	sort.Slice(cycles, func(i, j int) bool {
		return strings.Join(cycles[i], ",") < strings.Join(cycles[j], ",")
	})
	return cycles
}

// victim picks the lowest priority holder of a cycle, then the oldest, then
// the smallest id.
func (g LockGraph) victim(cycle []string) Holder {
	var best Holder
	found := false
	for _, id := range cycle {
		h, ok := g.holder(id)
		if !ok {
			continue
		}
		if !found || less(h, best) {
			best, found = h, true
		}
	}
	return best
}

func less(a, b Holder) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.Since.Equal(b.Since) {
		return a.Since.Before(b.Since)
	}
	return a.ID < b.ID
}

// DeadlockResolution is what ResolveDeadlocks did for one cycle.
type DeadlockResolution struct {
	Cycle    []string `json:"cycle"`
	Victim   string   `json:"victim"`
	Released bool     `json:"released"`
	Error    string   `json:"error,omitempty"`
}

// ResolveDeadlocks detects cycles in g and force-releases one victim per
// cycle. A victim shared by several cycles is released once. Every action is
// recorded in the recovery log.
func (s *Service) ResolveDeadlocks(ctx context.Context, g LockGraph, releaser Releaser) ([]DeadlockResolution, error) {
	cycles := DetectCycles(g)
	if len(cycles) == 0 {
		return nil, nil
	}

	released := make(map[string]bool)
	resolutions := make([]DeadlockResolution, 0, len(cycles))
	for _, cycle := range cycles {
		if broken(cycle, released) {
			continue
		}
		victim := g.victim(cycle)
		res := DeadlockResolution{Cycle: cycle, Victim: victim.ID}

		if err := releaser.ForceRelease(ctx, victim); err != nil {
			res.Error = err.Error()
			s.logger.Error().Err(err).
				Str("victim", victim.ID).
				Strs("cycle", cycle).
				Msg("Failed to release deadlock victim")
		} else {
			res.Released = true
			released[victim.ID] = true
			s.logger.Warn().
				Str("victim", victim.ID).
				Strs("cycle", cycle).
				Msg("Deadlock resolved by releasing victim")
		}

		s.record(ctx, &reconciliation.RecoveryResult{
			ID:       uuid.New(),
			Kind:     reconciliation.KindLock,
			Strategy: reconciliation.StrategyForceRelease,
			Resolved: res.Released,
			Attempts: 1,
			Error:    res.Error,
			Detail: document.Document{
				"cycle":  cycle,
				"victim": victim.ID,
			},
			RecordedAt: time.Now().UTC(),
		})
		resolutions = append(resolutions, res)
	}

	for _, r := range resolutions {
		if !r.Released {
			return resolutions, fmt.Errorf("release deadlock victim %s: %s", r.Victim, r.Error)
		}
	}
	return resolutions, nil
}

func broken(cycle []string, released map[string]bool) bool {
	for _, id := range cycle {
		if released[id] {
			return true
		}
	}
	return false
}
