package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sagaApp "github.com/cassiomorais/eventcore/internal/application/saga"
	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
	domainSaga "github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/cassiomorais/eventcore/internal/repository/memory"
	"github.com/cassiomorais/eventcore/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal records step calls in order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func (j *journal) step(name string, fail error) sagaApp.Step {
	return sagaApp.Step{
		Name: name,
		Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
			j.add("exec:" + name)
			if fail != nil {
				return nil, fail
			}
			return document.Document{"step": name}, nil
		},
		Compensate: func(ctx context.Context, sc *sagaApp.StepContext, output document.Document) error {
			j.add("comp:" + name)
			return nil
		},
	}
}

func testConfig() sagaApp.Config {
	return sagaApp.Config{
		CompensationRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
		StuckAfter:    time.Minute,
		RecoveryBatch: 10,
	}
}

func newCoordinator(t *testing.T, opts ...memory.Option) (*sagaApp.Coordinator, *memory.SagaStore, *memory.ReconciliationStore) {
	t.Helper()
	store := memory.NewSagaStore(opts...)
	escalations := memory.NewReconciliationStore()
	return sagaApp.NewCoordinator(store, escalations, testConfig()), store, escalations
}

func TestCoordinator_CompletesAllSteps(t *testing.T) {
	c, _, _ := newCoordinator(t)
	j := &journal{}
	require.NoError(t, c.RegisterSaga("split-expense", j.step("reserve", nil), j.step("charge", nil), j.step("notify", nil)))

	inst, err := c.Start(context.Background(), "split-expense", document.Document{"expense_id": "e1"}, "key-1")
	require.NoError(t, err)

	assert.Equal(t, domainSaga.StatusCompleted, inst.Status)
	assert.Equal(t, []string{"exec:reserve", "exec:charge", "exec:notify"}, j.list())
	for _, step := range inst.Steps {
		assert.Equal(t, domainSaga.StepSucceeded, step.Status)
		assert.Equal(t, 1, step.Attempts)
	}
	assert.NotNil(t, inst.CompletedAt)
}

func TestCoordinator_CompensatesInReverseOrder(t *testing.T) {
	c, store, _ := newCoordinator(t)
	j := &journal{}
	boom := errors.New("card declined")
	require.NoError(t, c.RegisterSaga("checkout",
		j.step("s1", nil),
		j.step("s2", nil),
		j.step("s3", boom),
		j.step("s4", nil),
	))

	inst, err := c.Start(context.Background(), "checkout", nil, "order-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrSagaCompensated)
	assert.Contains(t, err.Error(), "card declined")

	assert.Equal(t, []string{"exec:s1", "exec:s2", "exec:s3", "comp:s2", "comp:s1"}, j.list())
	assert.Equal(t, domainSaga.StatusCompensated, inst.Status)
	assert.Equal(t, domainSaga.StepCompensated, inst.Steps[0].Status)
	assert.Equal(t, domainSaga.StepCompensated, inst.Steps[1].Status)
	assert.Equal(t, domainSaga.StepFailed, inst.Steps[2].Status)
	assert.Equal(t, "card declined", inst.Steps[2].Error)
	assert.Equal(t, domainSaga.StepPending, inst.Steps[3].Status)

	stored, err := store.GetByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domainSaga.StatusCompensated, stored.Status)
}

func TestCoordinator_FirstStepFailsNothingToCompensate(t *testing.T) {
	c, _, _ := newCoordinator(t)
	j := &journal{}
	require.NoError(t, c.RegisterSaga("t", j.step("s1", errors.New("nope")), j.step("s2", nil)))

	inst, err := c.Start(context.Background(), "t", nil, "k")
	assert.ErrorIs(t, err, domainErrors.ErrSagaCompensated)
	assert.Equal(t, domainSaga.StatusCompensated, inst.Status)
	assert.Equal(t, []string{"exec:s1"}, j.list())
}

func TestCoordinator_IdempotentStart(t *testing.T) {
	c, _, _ := newCoordinator(t)
	j := &journal{}
	require.NoError(t, c.RegisterSaga("t", j.step("s1", nil), j.step("s2", nil)))
	ctx := context.Background()

	first, err := c.Start(ctx, "t", nil, "same-key")
	require.NoError(t, err)
	second, err := c.Start(ctx, "t", nil, "same-key")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, j.list(), 2, "steps must not run again")

	other, err := c.Start(ctx, "t", nil, "other-key")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCoordinator_CompensatedKeyCanStartAgain(t *testing.T) {
	c, _, _ := newCoordinator(t)
	fail := true
	require.NoError(t, c.RegisterSaga("t", sagaApp.Step{
		Name: "only",
		Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
			if fail {
				return nil, errors.New("first attempt fails")
			}
			return nil, nil
		},
	}))
	ctx := context.Background()

	first, err := c.Start(ctx, "t", nil, "k")
	require.ErrorIs(t, err, domainErrors.ErrSagaCompensated)

	fail = false
	second, err := c.Start(ctx, "t", nil, "k")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, domainSaga.StatusCompleted, second.Status)
}

func TestCoordinator_RestartedSagaReappliesGuardedEffect(t *testing.T) {
	c, _, _ := newCoordinator(t)
	guard := sagaApp.NewGuard(memory.NewIdempotencyStore(), zerolog.Nop())
	balance := int64(0)
	creditFails := true

	debit := sagaApp.Step{
		Name: "debit",
		Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
			_, _, err := guard.Do(ctx, sc.Key("debit"), time.Minute, func(ctx context.Context) (idempotency.Result, error) {
				balance -= 100
				return idempotency.Result{ResourceID: "debit"}, nil
			})
			return nil, err
		},
		Compensate: func(ctx context.Context, sc *sagaApp.StepContext, output document.Document) error {
			balance += 100
			return nil
		},
	}
	credit := sagaApp.Step{
		Name: "credit",
		Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
			if creditFails {
				return nil, errors.New("payee account frozen")
			}
			return nil, nil
		},
	}
	require.NoError(t, c.RegisterSaga("transfer", debit, credit))
	ctx := context.Background()

	_, err := c.Start(ctx, "transfer", nil, "k1")
	require.ErrorIs(t, err, domainErrors.ErrSagaCompensated)
	assert.Equal(t, int64(0), balance)

	creditFails = false
	second, err := c.Start(ctx, "transfer", nil, "k1")
	require.NoError(t, err)
	assert.Equal(t, domainSaga.StatusCompleted, second.Status)
	assert.Equal(t, int64(-100), balance)
}

func TestStepContext_KeyIsScopedToInstance(t *testing.T) {
	tenant := "t1"
	first := &sagaApp.StepContext{SagaID: uuid.New(), SagaType: "transfer", IdempotencyKey: "k1", TenantID: &tenant, StepName: "debit"}
	second := *first
	second.SagaID = uuid.New()

	assert.Equal(t, first.Key("debit"), first.Key("debit"))
	assert.NotEqual(t, first.Key("debit"), second.Key("debit"))
	assert.Equal(t, "t1", first.Key("debit").TenantID)
	assert.Equal(t, "debit", first.Key("debit").Operation)
}

func TestCoordinator_StepsSeeEarlierOutputs(t *testing.T) {
	c, _, _ := newCoordinator(t)
	var seen map[string]document.Document
	var payload document.Document
	require.NoError(t, c.RegisterSaga("t",
		sagaApp.Step{
			Name: "reserve",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				return document.Document{"reservation_id": "r-1"}, nil
			},
		},
		sagaApp.Step{
			Name: "charge",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				seen = sc.Outputs
				payload = sc.Payload
				return document.Document{"charge_id": "c-1"}, nil
			},
		},
	))

	inst, err := c.Start(context.Background(), "t", document.Document{"amount": 120}, "k")
	require.NoError(t, err)

	assert.Equal(t, "r-1", seen["reserve"]["reservation_id"])
	assert.Equal(t, 120, payload["amount"])
	assert.Equal(t, document.Document{"charge_id": "c-1"}, inst.Steps[1].Output)
}

func TestCoordinator_CompensationReceivesStepOutput(t *testing.T) {
	c, _, _ := newCoordinator(t)
	var released string
	require.NoError(t, c.RegisterSaga("t",
		sagaApp.Step{
			Name: "reserve",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				return document.Document{"reservation_id": "r-9"}, nil
			},
			Compensate: func(ctx context.Context, sc *sagaApp.StepContext, output document.Document) error {
				released, _ = output.String("reservation_id")
				return nil
			},
		},
		sagaApp.Step{
			Name: "charge",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				return nil, errors.New("declined")
			},
		},
	))

	_, err := c.Start(context.Background(), "t", nil, "k")
	require.ErrorIs(t, err, domainErrors.ErrSagaCompensated)
	assert.Equal(t, "r-9", released)
}

func TestCoordinator_EscalatesWhenCompensationKeepsFailing(t *testing.T) {
	c, _, escalations := newCoordinator(t)
	attempts := 0
	require.NoError(t, c.RegisterSaga("t",
		sagaApp.Step{
			Name: "debit",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				return nil, nil
			},
			Compensate: func(ctx context.Context, sc *sagaApp.StepContext, output document.Document) error {
				attempts++
				return errors.New("ledger unavailable")
			},
		},
		sagaApp.Step{
			Name: "credit",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				return nil, errors.New("account closed")
			},
		},
	))

	inst, err := c.Start(context.Background(), "t", nil, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrCompensationFailed)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, domainSaga.StatusFailed, inst.Status)
	assert.Equal(t, domainSaga.StepSucceeded, inst.Steps[0].Status)
	assert.Equal(t, "ledger unavailable", inst.Steps[0].CompensationError)
	require.NotNil(t, inst.Error)

	open, err := escalations.ListEscalations(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, inst.ID, open[0].ReferenceID)
	assert.Equal(t, "debit", open[0].Detail["step"])
}

func TestCoordinator_ResumesAfterInterruption(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := memory.NewSagaStore(memory.WithClock(func() time.Time { return past }))
	j := &journal{}

	ctx, cancel := context.WithCancel(context.Background())
	crashing := sagaApp.NewCoordinator(store, nil, testConfig())
	require.NoError(t, crashing.RegisterSaga("t",
		j.step("s1", nil),
		sagaApp.Step{
			Name: "s2",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				cancel()
				return nil, ctx.Err()
			},
		},
		j.step("s3", nil),
	))

	inst, err := crashing.Start(ctx, "t", nil, "k")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domainSaga.StatusExecuting, inst.Status)
	assert.Equal(t, domainSaga.StepExecuting, inst.Steps[1].Status)

	// A fresh coordinator with a working s2 picks the saga up.
	recovering := sagaApp.NewCoordinator(store, nil, testConfig())
	require.NoError(t, recovering.RegisterSaga("t", j.step("s1", nil), j.step("s2", nil), j.step("s3", nil)))

	n, err := recovering.RecoverStuck(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := recovering.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domainSaga.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Steps[1].Attempts)
	assert.Equal(t, []string{"exec:s1", "exec:s2", "exec:s3"}, j.list(), "s1 must not run twice")
}

func TestCoordinator_InterruptedIrrevocableStepIsCompensated(t *testing.T) {
	store := memory.NewSagaStore()
	j := &journal{}

	ctx, cancel := context.WithCancel(context.Background())
	first := sagaApp.NewCoordinator(store, nil, testConfig())
	require.NoError(t, first.RegisterSaga("t",
		j.step("s1", nil),
		sagaApp.Step{
			Name:        "wire",
			Irrevocable: true,
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				cancel()
				return nil, ctx.Err()
			},
		},
	))
	inst, err := first.Start(ctx, "t", nil, "k")
	require.ErrorIs(t, err, context.Canceled)

	second := sagaApp.NewCoordinator(store, nil, testConfig())
	wire := j.step("wire", nil)
	wire.Irrevocable = true
	require.NoError(t, second.RegisterSaga("t", j.step("s1", nil), wire))

	got, err := second.Resume(context.Background(), inst.ID)
	require.ErrorIs(t, err, domainErrors.ErrSagaCompensated)
	assert.Equal(t, domainSaga.StatusCompensated, got.Status)
	assert.Equal(t, domainSaga.StepFailed, got.Steps[1].Status)
	assert.Equal(t, []string{"exec:s1", "comp:s1"}, j.list())
}

func TestCoordinator_ResumeTerminalSaga(t *testing.T) {
	c, _, _ := newCoordinator(t)
	j := &journal{}
	require.NoError(t, c.RegisterSaga("t", j.step("s1", nil)))

	inst, err := c.Start(context.Background(), "t", nil, "k")
	require.NoError(t, err)

	_, err = c.Resume(context.Background(), inst.ID)
	assert.ErrorIs(t, err, domainErrors.ErrSagaTerminal)
	_, err = c.Compensate(context.Background(), inst.ID, "operator request")
	assert.ErrorIs(t, err, domainErrors.ErrSagaTerminal)
}

func TestCoordinator_ForcedCompensation(t *testing.T) {
	store := memory.NewSagaStore()
	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())
	c := sagaApp.NewCoordinator(store, nil, testConfig())
	require.NoError(t, c.RegisterSaga("t",
		j.step("s1", nil),
		sagaApp.Step{
			Name: "s2",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				cancel()
				return nil, ctx.Err()
			},
		},
	))
	inst, err := c.Start(ctx, "t", nil, "k")
	require.ErrorIs(t, err, context.Canceled)

	got, err := c.Compensate(context.Background(), inst.ID, "operator request")
	require.ErrorIs(t, err, domainErrors.ErrSagaCompensated)
	assert.Equal(t, domainSaga.StatusCompensated, got.Status)
	assert.Equal(t, "operator request", got.Steps[1].Error)
	assert.Equal(t, []string{"exec:s1", "comp:s1"}, j.list())
}

func TestCoordinator_StepPanicCompensates(t *testing.T) {
	c, _, _ := newCoordinator(t)
	j := &journal{}
	require.NoError(t, c.RegisterSaga("t",
		j.step("s1", nil),
		sagaApp.Step{
			Name: "s2",
			Execute: func(ctx context.Context, sc *sagaApp.StepContext) (document.Document, error) {
				panic("nil map")
			},
		},
	))

	inst, err := c.Start(context.Background(), "t", nil, "k")
	require.ErrorIs(t, err, domainErrors.ErrSagaCompensated)
	assert.Contains(t, inst.Steps[1].Error, "panicked")
	assert.Equal(t, []string{"exec:s1", "comp:s1"}, j.list())
}

func TestCoordinator_Registration(t *testing.T) {
	c, _, _ := newCoordinator(t)
	j := &journal{}

	assert.ErrorIs(t, c.RegisterSaga(""), domainErrors.ErrValidationFailed)
	assert.ErrorIs(t, c.RegisterSaga("t"), domainErrors.ErrValidationFailed)
	assert.ErrorIs(t, c.RegisterSaga("t", j.step("a", nil), j.step("a", nil)), domainErrors.ErrValidationFailed)
	assert.ErrorIs(t, c.RegisterSaga("t", sagaApp.Step{Name: "a"}), domainErrors.ErrValidationFailed)

	def := sagaApp.NewDefinition("t").AddStep(j.step("a", nil)).AddStep(j.step("b", nil))
	require.NoError(t, c.Register(def))
	assert.ErrorIs(t, c.Register(def), domainErrors.ErrSagaAlreadyExists)

	_, err := c.Start(context.Background(), "unknown", nil, "k")
	assert.ErrorIs(t, err, domainErrors.ErrSagaNotRegistered)
}

func TestCoordinator_ConcurrentStartsRunOnce(t *testing.T) {
	c, _, _ := newCoordinator(t)
	j := &journal{}
	require.NoError(t, c.RegisterSaga("t", j.step("s1", nil)))

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := c.Start(context.Background(), "t", nil, "shared")
			if err == nil {
				ids <- inst.ID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	unique := map[string]bool{}
	for id := range ids {
		unique[id] = true
	}
	assert.Len(t, unique, 1)
	assert.Equal(t, []string{"exec:s1"}, j.list())
}
