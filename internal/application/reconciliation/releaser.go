package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
)

// IdempotencyReleaser breaks deadlocks between idempotency locks. Each
// resource a holder lists is a key rendered by idempotency.Key.String.
type IdempotencyReleaser struct {
	repo idempotency.Repository
}

func NewIdempotencyReleaser(repo idempotency.Repository) *IdempotencyReleaser {
	return &IdempotencyReleaser{repo: repo}
}

// ForceRelease releases every lock the victim holds. Locks already released
// are skipped.
func (r *IdempotencyReleaser) ForceRelease(ctx context.Context, victim Holder) error {
	var errs []error
	for _, resource := range victim.Holds {
		key, err := idempotency.ParseKey(resource)
		if err != nil {
			errs = append(errs, fmt.Errorf("resource %q: %w", resource, err))
			continue
		}
		if err := r.repo.ForceRelease(ctx, key); err != nil && !errors.Is(err, domainErrors.ErrLockNotHeld) {
			errs = append(errs, fmt.Errorf("release %s: %w", resource, err))
		}
	}
	return errors.Join(errs...)
}

// LockGraphFromHeld builds the holds side of a lock graph from the locks
// currently acquired, one holder per owner. Waits are not persisted, so
// callers add them before detecting cycles.
func LockGraphFromHeld(locks []*idempotency.Lock) LockGraph {
	byOwner := make(map[string]*Holder)
	var order []string
	for _, l := range locks {
		h, ok := byOwner[l.Owner]
		if !ok {
			h = &Holder{ID: l.Owner, Since: l.CreatedAt}
			byOwner[l.Owner] = h
			order = append(order, l.Owner)
		}
		h.Holds = append(h.Holds, l.Key.String())
		if l.CreatedAt.Before(h.Since) {
			h.Since = l.CreatedAt
		}
	}
	g := LockGraph{Holders: make([]Holder, 0, len(order))}
	for _, id := range order {
		g.Holders = append(g.Holders, *byOwner[id])
	}
	return g
}

// Merge unions other into g by holder id. Holds and wants are deduplicated;
// priority and since come from g when the holder appears in both.
func (g LockGraph) Merge(other LockGraph) LockGraph {
	out := LockGraph{Holders: make([]Holder, 0, len(g.Holders)+len(other.Holders))}
	index := make(map[string]int)
	for _, src := range [][]Holder{g.Holders, other.Holders} {
		for _, h := range src {
			i, ok := index[h.ID]
			if !ok {
				index[h.ID] = len(out.Holders)
				h.Holds = slices.Clone(h.Holds)
				h.Wants = slices.Clone(h.Wants)
				out.Holders = append(out.Holders, h)
				continue
			}
			cur := &out.Holders[i]
			cur.Holds = appendMissing(cur.Holds, h.Holds)
			cur.Wants = appendMissing(cur.Wants, h.Wants)
		}
	}
	return out
}

func appendMissing(dst, src []string) []string {
	for _, s := range src {
		if !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}
