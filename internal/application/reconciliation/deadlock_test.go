package reconciliation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cassiomorais/eventcore/internal/application/reconciliation"
	domainRecon "github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/cassiomorais/eventcore/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name  string
		graph reconciliation.LockGraph
		want  [][]string
	}{
		{
			name: "no contention",
			graph: reconciliation.LockGraph{Holders: []reconciliation.Holder{
				{ID: "a", Holds: []string{"r1"}},
				{ID: "b", Holds: []string{"r2"}, Wants: []string{"r1"}},
			}},
			want: nil,
		},
		{
			name: "two holders",
			graph: reconciliation.LockGraph{Holders: []reconciliation.Holder{
				{ID: "b", Holds: []string{"r2"}, Wants: []string{"r1"}},
				{ID: "a", Holds: []string{"r1"}, Wants: []string{"r2"}},
			}},
			want: [][]string{{"a", "b"}},
		},
		{
			name: "three holders reported once",
			graph: reconciliation.LockGraph{Holders: []reconciliation.Holder{
				{ID: "c", Holds: []string{"r3"}, Wants: []string{"r1"}},
				{ID: "a", Holds: []string{"r1"}, Wants: []string{"r2"}},
				{ID: "b", Holds: []string{"r2"}, Wants: []string{"r3"}},
			}},
			want: [][]string{{"a", "b", "c"}},
		},
		{
			name: "waiting on own resource",
			graph: reconciliation.LockGraph{Holders: []reconciliation.Holder{
				{ID: "a", Holds: []string{"r1"}, Wants: []string{"r1"}},
			}},
			want: nil,
		},
		{
			name: "two cycles sharing a holder",
			graph: reconciliation.LockGraph{Holders: []reconciliation.Holder{
				{ID: "a", Holds: []string{"r1"}, Wants: []string{"r2", "r3"}},
				{ID: "b", Holds: []string{"r2"}, Wants: []string{"r1"}},
				{ID: "c", Holds: []string{"r3"}, Wants: []string{"r1"}},
			}},
			want: [][]string{{"a", "b"}, {"a", "c"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reconciliation.DetectCycles(tt.graph))
		})
	}
}

type releaseRecorder struct {
	released []string
	fail     map[string]bool
}

func (r *releaseRecorder) ForceRelease(ctx context.Context, victim reconciliation.Holder) error {
	if r.fail[victim.ID] {
		return errors.New("holder unreachable")
	}
	r.released = append(r.released, victim.ID)
	return nil
}

func TestResolveDeadlocks_PicksLowestPriorityThenOldest(t *testing.T) {
	store := memory.NewReconciliationStore()
	svc := reconciliation.NewService(store, reconciliation.DefaultConfig())
	now := time.Now()

	graph := reconciliation.LockGraph{Holders: []reconciliation.Holder{
		{ID: "a", Holds: []string{"r1"}, Wants: []string{"r2"}, Priority: 5, Since: now.Add(-time.Hour)},
		{ID: "b", Holds: []string{"r2"}, Wants: []string{"r3"}, Priority: 1, Since: now},
		{ID: "c", Holds: []string{"r3"}, Wants: []string{"r1"}, Priority: 1, Since: now.Add(-time.Minute)},
	}}
	rel := &releaseRecorder{}

	res, err := svc.ResolveDeadlocks(context.Background(), graph, rel)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "c", res[0].Victim)
	assert.True(t, res[0].Released)
	assert.Equal(t, []string{"c"}, rel.released)

	audit := store.Recoveries()
	require.Len(t, audit, 1)
	assert.Equal(t, domainRecon.KindLock, audit[0].Kind)
	assert.Equal(t, domainRecon.StrategyForceRelease, audit[0].Strategy)
	assert.Equal(t, "c", audit[0].Detail["victim"])
}

func TestResolveDeadlocks_SharedVictimReleasedOnce(t *testing.T) {
	svc := reconciliation.NewService(memory.NewReconciliationStore(), reconciliation.DefaultConfig())
	graph := reconciliation.LockGraph{Holders: []reconciliation.Holder{
		{ID: "a", Holds: []string{"r1"}, Wants: []string{"r2", "r3"}, Priority: 0},
		{ID: "b", Holds: []string{"r2"}, Wants: []string{"r1"}, Priority: 9},
		{ID: "c", Holds: []string{"r3"}, Wants: []string{"r1"}, Priority: 9},
	}}
	rel := &releaseRecorder{}

	res, err := svc.ResolveDeadlocks(context.Background(), graph, rel)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Equal(t, []string{"a"}, rel.released)
}

func TestResolveDeadlocks_ReleaseFailure(t *testing.T) {
	store := memory.NewReconciliationStore()
	svc := reconciliation.NewService(store, reconciliation.DefaultConfig())
	graph := reconciliation.LockGraph{Holders: []reconciliation.Holder{
		{ID: "a", Holds: []string{"r1"}, Wants: []string{"r2"}},
		{ID: "b", Holds: []string{"r2"}, Wants: []string{"r1"}},
	}}

	res, err := svc.ResolveDeadlocks(context.Background(), graph, &releaseRecorder{fail: map[string]bool{"a": true}})
	require.Error(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].Released)
	require.Len(t, store.Recoveries(), 1)
	assert.False(t, store.Recoveries()[0].Resolved)
}

func TestResolveDeadlocks_NoCycles(t *testing.T) {
	svc := reconciliation.NewService(memory.NewReconciliationStore(), reconciliation.DefaultConfig())
	res, err := svc.ResolveDeadlocks(context.Background(), reconciliation.LockGraph{}, &releaseRecorder{})
	require.NoError(t, err)
	assert.Empty(t, res)
}
