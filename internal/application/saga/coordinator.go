// Package saga runs registered multi-step business transactions. Progress is
// persisted after every step, so any coordinator can pick up a saga another
// one left behind, either moving forward or unwinding succeeded steps in
// reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/cassiomorais/eventcore/internal/infrastructure/observability"
	"github.com/cassiomorais/eventcore/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds coordinator configuration
type Config struct {
	// CompensationRetry bounds how hard a failing compensation is retried
	// before the saga is escalated.
	CompensationRetry retry.Config
	StepTimeout       time.Duration
	StuckAfter        time.Duration
	RecoveryBatch     int
}

// DefaultConfig returns default coordinator configuration
func DefaultConfig() Config {
	return Config{
		CompensationRetry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		StuckAfter:    5 * time.Minute,
		RecoveryBatch: 50,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// StartOption customises a new instance.
type StartOption func(*saga.Instance)

// WithTenant scopes the instance to a tenant.
func WithTenant(tenantID string) StartOption {
	return func(i *saga.Instance) { i.TenantID = &tenantID }
}

// WithCorrelationID overrides the correlation id, which defaults to the saga id.
func WithCorrelationID(id string) StartOption {
	return func(i *saga.Instance) { i.CorrelationID = id }
}

// Coordinator executes sagas and recovers interrupted ones.
type Coordinator struct {
	repo      saga.Repository
	escalator Escalator
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer

	mu          sync.RWMutex
	definitions map[string]*Definition
}

// NewCoordinator creates a coordinator. escalator may be nil, in which case
// escalations are only logged.
func NewCoordinator(repo saga.Repository, escalator Escalator, cfg Config, opts ...Option) *Coordinator {
	if cfg.CompensationRetry.MaxAttempts == 0 {
		cfg.CompensationRetry = DefaultConfig().CompensationRetry
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultConfig().StuckAfter
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = DefaultConfig().RecoveryBatch
	}
	c := &Coordinator{
		repo:        repo,
		escalator:   escalator,
		cfg:         cfg,
		logger:      zerolog.Nop(),
		tracer:      noop.NewTracerProvider().Tracer(observability.TracerName),
		definitions: make(map[string]*Definition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterSaga registers steps under sagaType.
func (c *Coordinator) RegisterSaga(sagaType string, steps ...Step) error {
	return c.Register(&Definition{Type: sagaType, Steps: steps})
}

// Register registers a saga definition.
func (c *Coordinator) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[def.Type]; exists {
		return fmt.Errorf("%w: %s", domainErrors.ErrSagaAlreadyExists, def.Type)
	}
	c.definitions[def.Type] = def
	return nil
}

func (c *Coordinator) definition(sagaType string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrSagaNotRegistered, sagaType)
	}
	return def, nil
}

// Start creates and runs a saga. If a live instance already exists for
// (sagaType, idempotencyKey) it is returned as is and no step runs. Only a
// compensated instance frees its key for a new start.
//
// The returned error wraps ErrSagaCompensated when a step failed and the saga
// was unwound, and ErrCompensationFailed when unwinding itself was escalated.
func (c *Coordinator) Start(ctx context.Context, sagaType string, payload document.Document, idempotencyKey string, opts ...StartOption) (*saga.Instance, error) {
	def, err := c.definition(sagaType)
	if err != nil {
		return nil, err
	}

	existing, err := c.repo.GetByIdempotencyKey(ctx, sagaType, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("lookup saga by idempotency key: %w", err)
	}
	if existing != nil {
		c.logger.Info().
			Str("saga_id", existing.ID.String()).
			Str("saga_type", sagaType).
			Str("status", existing.Status.String()).
			Msg("Saga already started for idempotency key")
		return existing, nil
	}

	inst, err := saga.NewInstance(sagaType, idempotencyKey, payload, def.stepNames())
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(inst)
	}

	if err := c.repo.Create(ctx, inst); err != nil {
		if errors.Is(err, domainErrors.ErrDuplicateIdempotencyKey) {
			// Lost a race with a concurrent Start for the same key.
			existing, lookupErr := c.repo.GetByIdempotencyKey(ctx, sagaType, idempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create saga: %w", err)
	}

	c.logger.Info().
		Str("saga_id", inst.ID.String()).
		Str("saga_type", sagaType).
		Str("correlation_id", inst.CorrelationID).
		Msg("Saga started")

	return c.run(ctx, def, inst)
}

// Get returns a saga instance.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	return c.repo.GetByID(ctx, id)
}

// Resume continues a non-terminal saga from where it stopped.
func (c *Coordinator) Resume(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, fmt.Errorf("%w: %s is %s", domainErrors.ErrSagaTerminal, inst.ID, inst.Status)
	}
	def, err := c.definition(inst.SagaType)
	if err != nil {
		return inst, err
	}

	c.logger.Info().
		Str("saga_id", inst.ID.String()).
		Str("saga_type", inst.SagaType).
		Str("status", inst.Status.String()).
		Msg("Resuming saga")
	return c.run(ctx, def, inst)
}

// Compensate forces a non-terminal saga to unwind its succeeded steps.
func (c *Coordinator) Compensate(ctx context.Context, id uuid.UUID, reason string) (*saga.Instance, error) {
	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, fmt.Errorf("%w: %s is %s", domainErrors.ErrSagaTerminal, inst.ID, inst.Status)
	}
	def, err := c.definition(inst.SagaType)
	if err != nil {
		return inst, err
	}

	now := time.Now().UTC()
	for idx := range inst.Steps {
		if inst.Steps[idx].Status == saga.StepExecuting {
			inst.Steps[idx].Error = reason
			if err := inst.SetStepStatus(idx, saga.StepFailed, now); err != nil {
				return inst, err
			}
		}
	}
	inst.Error = &reason
	return c.compensate(ctx, def, inst, errors.New(reason))
}

// RecoverStuck resumes non-terminal sagas that have not progressed for
// olderThan. It returns how many were picked up.
func (c *Coordinator) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := c.repo.ListStuck(ctx, time.Now().UTC().Add(-olderThan), c.cfg.RecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("list stuck sagas: %w", err)
	}

	recovered := 0
	for _, inst := range stuck {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		_, err := c.Resume(ctx, inst.ID)
		switch {
		case err == nil,
			errors.Is(err, domainErrors.ErrSagaCompensated):
			recovered++
		case errors.Is(err, domainErrors.ErrOptimisticLockFailed),
			errors.Is(err, domainErrors.ErrSagaTerminal):
			// Another coordinator got there first.
		default:
			c.logger.Error().Err(err).
				Str("saga_id", inst.ID.String()).
				Str("saga_type", inst.SagaType).
				Msg("Failed to recover saga")
		}
	}
	return recovered, nil
}

// RunRecovery calls RecoverStuck every interval until ctx is done.
func (c *Coordinator) RunRecovery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.RecoverStuck(ctx, c.cfg.StuckAfter)
			if err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("Saga recovery sweep failed")
			}
			if n > 0 {
				c.logger.Info().Int("count", n).Msg("Recovered stuck sagas")
			}
		}
	}
}

func (c *Coordinator) run(ctx context.Context, def *Definition, inst *saga.Instance) (*saga.Instance, error) {
	if len(inst.Steps) != len(def.Steps) {
		return inst, fmt.Errorf("saga %s has %d recorded steps but type %s defines %d",
			inst.ID, len(inst.Steps), def.Type, len(def.Steps))
	}

	if inst.NeedsCompensation() {
		cause := errors.New("resumed during compensation")
		if idx := inst.FailedStep(); idx >= 0 && inst.Steps[idx].Error != "" {
			cause = errors.New(inst.Steps[idx].Error)
		}
		return c.compensate(ctx, def, inst, cause)
	}

	for {
		idx := inst.NextStep()
		if idx < 0 {
			return c.finish(ctx, inst)
		}
		step := def.Steps[idx]
		now := time.Now().UTC()

		if inst.Steps[idx].Status == saga.StepExecuting && step.Irrevocable {
			cause := fmt.Errorf("interrupted inside irrevocable step %q", step.Name)
			inst.Steps[idx].Error = cause.Error()
			if err := inst.SetStepStatus(idx, saga.StepFailed, now); err != nil {
				return inst, err
			}
			return c.compensate(ctx, def, inst, cause)
		}

		if err := inst.SetStatus(saga.StatusExecuting, now); err != nil {
			return inst, err
		}
		if err := inst.SetStepStatus(idx, saga.StepExecuting, now); err != nil {
			return inst, err
		}
		if err := c.persist(ctx, inst); err != nil {
			return inst, err
		}

		output, stepErr := c.executeStep(ctx, def, step, inst, idx)
		now = time.Now().UTC()

		if stepErr != nil {
			if ctx.Err() != nil {
				// Shutdown, not a business failure: leave the step executing
				// so recovery picks it up.
				return inst, fmt.Errorf("saga %s interrupted in step %q: %w", inst.ID, step.Name, ctx.Err())
			}
			c.logger.Warn().Err(stepErr).
				Str("saga_id", inst.ID.String()).
				Str("step", step.Name).
				Msg("Saga step failed, compensating")
			inst.Steps[idx].Error = stepErr.Error()
			msg := fmt.Sprintf("step %q failed: %v", step.Name, stepErr)
			inst.Error = &msg
			if err := inst.SetStepStatus(idx, saga.StepFailed, now); err != nil {
				return inst, err
			}
			return c.compensate(ctx, def, inst, stepErr)
		}

		inst.Steps[idx].Output = output
		if err := inst.SetStepStatus(idx, saga.StepSucceeded, now); err != nil {
			return inst, err
		}
		if err := c.persist(ctx, inst); err != nil {
			return inst, err
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, inst *saga.Instance) (*saga.Instance, error) {
	if err := inst.SetStatus(saga.StatusCompleted, time.Now().UTC()); err != nil {
		return inst, err
	}
	if err := c.persist(ctx, inst); err != nil {
		return inst, err
	}
	c.countTerminal(inst)
	c.logger.Info().
		Str("saga_id", inst.ID.String()).
		Str("saga_type", inst.SagaType).
		Msg("Saga completed")
	return inst, nil
}

// compensate walks succeeded steps in strict reverse order. A compensation
// that keeps failing after bounded retries stops the walk, fails the saga and
// escalates it.
func (c *Coordinator) compensate(ctx context.Context, def *Definition, inst *saga.Instance, cause error) (*saga.Instance, error) {
	ctx = context.WithoutCancel(ctx)

	if inst.Status != saga.StatusCompensating {
		if err := inst.SetStatus(saga.StatusCompensating, time.Now().UTC()); err != nil {
			return inst, err
		}
	}
	if err := c.persist(ctx, inst); err != nil {
		return inst, err
	}

	for idx := len(inst.Steps) - 1; idx >= 0; idx-- {
		if inst.Steps[idx].Status != saga.StepSucceeded {
			continue
		}
		step := def.Steps[idx]

		if step.Compensate != nil {
			err := c.compensateStep(ctx, def, step, inst, idx)
			if err != nil {
				return c.escalate(ctx, inst, idx, err)
			}
		}

		if err := inst.SetStepStatus(idx, saga.StepCompensated, time.Now().UTC()); err != nil {
			return inst, err
		}
		if err := c.persist(ctx, inst); err != nil {
			return inst, err
		}
	}

	if err := inst.SetStatus(saga.StatusCompensated, time.Now().UTC()); err != nil {
		return inst, err
	}
	if err := c.persist(ctx, inst); err != nil {
		return inst, err
	}
	c.countTerminal(inst)
	c.logger.Info().
		Str("saga_id", inst.ID.String()).
		Str("saga_type", inst.SagaType).
		Msg("Saga compensated")
	return inst, fmt.Errorf("%w: saga %s: %v", domainErrors.ErrSagaCompensated, inst.ID, cause)
}

func (c *Coordinator) escalate(ctx context.Context, inst *saga.Instance, idx int, compErr error) (*saga.Instance, error) {
	step := inst.Steps[idx]
	inst.Steps[idx].CompensationError = compErr.Error()
	msg := fmt.Sprintf("compensation of step %q failed: %v", step.Name, compErr)
	inst.Error = &msg

	var errs []error
	if err := inst.SetStatus(saga.StatusFailed, time.Now().UTC()); err != nil {
		return inst, err
	}
	if err := c.persist(ctx, inst); err != nil {
		errs = append(errs, err)
	}
	c.countTerminal(inst)

	escalation := reconciliation.NewEscalation(reconciliation.KindSaga, inst.ID, inst.TenantID, msg, document.Document{
		"saga_type":      inst.SagaType,
		"step":           step.Name,
		"step_index":     idx,
		"error":          compErr.Error(),
		"correlation_id": inst.CorrelationID,
	})
	logEvent := c.logger.Error().Err(compErr).
		Str("saga_id", inst.ID.String()).
		Str("saga_type", inst.SagaType).
		Str("step", step.Name).
		Str("escalation_id", escalation.ID.String())

	if c.escalator == nil {
		logEvent.Msg("Saga compensation failed, no escalator configured")
	} else if err := c.escalator.CreateEscalation(ctx, escalation); err != nil {
		errs = append(errs, fmt.Errorf("record escalation: %w", err))
		logEvent.AnErr("escalation_error", err).Msg("Saga compensation failed and escalation could not be stored")
	} else {
		logEvent.Msg("Saga compensation failed, escalated")
	}
	if c.metrics != nil {
		c.metrics.EscalationsTotal.WithLabelValues(string(reconciliation.KindSaga)).Inc()
	}

	errs = append([]error{fmt.Errorf("%w: saga %s step %q: %v", domainErrors.ErrCompensationFailed, inst.ID, step.Name, compErr)}, errs...)
	return inst, errors.Join(errs...)
}

func (c *Coordinator) stepContext(inst *saga.Instance, idx int) *StepContext {
	return &StepContext{
		SagaID:         inst.ID,
		SagaType:       inst.SagaType,
		CorrelationID:  inst.CorrelationID,
		IdempotencyKey: inst.IdempotencyKey,
		TenantID:       inst.TenantID,
		StepName:       inst.Steps[idx].Name,
		Attempt:        inst.Steps[idx].Attempts,
		Payload:        inst.Payload.Clone(),
		Outputs:        inst.Outputs(),
	}
}

func (c *Coordinator) executeStep(ctx context.Context, def *Definition, step Step, inst *saga.Instance, idx int) (output document.Document, err error) {
	ctx, span := c.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.id", inst.ID.String()),
		attribute.String("saga.type", def.Type),
		attribute.String("saga.step", step.Name),
	))
	defer span.End()

	if c.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", step.Name, r)
		}
		result := "succeeded"
		if err != nil {
			result = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if c.metrics != nil {
			c.metrics.SagaStepDuration.WithLabelValues(def.Type, step.Name, result).Observe(time.Since(start).Seconds())
		}
	}()

	return step.Execute(ctx, c.stepContext(inst, idx))
}

func (c *Coordinator) compensateStep(ctx context.Context, def *Definition, step Step, inst *saga.Instance, idx int) error {
	ctx, span := c.tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.id", inst.ID.String()),
		attribute.String("saga.type", def.Type),
		attribute.String("saga.step", step.Name),
	))
	defer span.End()

	sc := c.stepContext(inst, idx)
	output := inst.Steps[idx].Output

	cfg := c.cfg.CompensationRetry
	cfg.OnRetry = func(attempt uint, err error) {
		c.logger.Warn().Err(err).
			Str("saga_id", inst.ID.String()).
			Str("step", step.Name).
			Uint("attempt", attempt).
			Msg("Compensation failed, retrying")
	}

	err := retry.Do(ctx, cfg, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("compensation of %q panicked: %v", step.Name, r)
			}
		}()
		return step.Compensate(ctx, sc, output)
	})

	result := "compensated"
	if err != nil {
		result = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.metrics != nil {
		c.metrics.SagaCompensations.WithLabelValues(def.Type, step.Name, result).Inc()
	}
	return err
}

func (c *Coordinator) persist(ctx context.Context, inst *saga.Instance) error {
	if err := c.repo.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist saga %s: %w", inst.ID, err)
	}
	return nil
}

func (c *Coordinator) countTerminal(inst *saga.Instance) {
	if c.metrics != nil {
		c.metrics.SagasTotal.WithLabelValues(inst.SagaType, inst.Status.String()).Inc()
	}
}
