package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/cassiomorais/eventcore/pkg/retry"
	"github.com/google/uuid"
)

// Recorded phases of a failed operation.
const (
	PhasePrepare     = "prepare"
	PhaseValidate    = "validate"
	PhaseReserve     = "reserve"
	PhaseResume      = "resume"
	PhaseExecute     = "execute"
	PhaseCommit      = "commit"
	PhaseExternal    = "external"
	PhaseIrrevocable = "irrevocable"
	PhaseNotify      = "notify"
	PhaseAudit       = "audit"
	PhaseVerify      = "verify"
)

// SelectStrategy maps the phase an operation failed in to a strategy.
// Nothing irreversible has happened before execute, so earlier phases are
// retried. Later phases are compensated. Known-safe phases are ignored unless
// the operation is critical. Anything unrecognised goes to a human.
func SelectStrategy(op reconciliation.FailedOperation) reconciliation.Strategy {
	switch strings.ToLower(strings.TrimSpace(op.Phase)) {
	case PhasePrepare, PhaseValidate, PhaseReserve, PhaseResume:
		return reconciliation.StrategyRetry
	case PhaseExecute, PhaseCommit, PhaseExternal, PhaseIrrevocable:
		return reconciliation.StrategyCompensate
	case PhaseNotify, PhaseAudit, PhaseVerify:
		if op.Critical {
			return reconciliation.StrategyEscalate
		}
		return reconciliation.StrategyIgnore
	default:
		return reconciliation.StrategyEscalate
	}
}

// Recover applies strategy to op and records the outcome in the recovery log.
// An exhausted retry or an impossible compensation turns into an escalation;
// the returned error is reserved for failures to act at all, such as an
// escalation that could not be stored.
func (s *Service) Recover(ctx context.Context, op reconciliation.FailedOperation, strategy reconciliation.Strategy) (*reconciliation.RecoveryResult, error) {
	res := &reconciliation.RecoveryResult{
		ID:          uuid.New(),
		OperationID: op.ID,
		Kind:        op.Kind,
		Strategy:    strategy,
	}

	var err error
	switch strategy {
	case reconciliation.StrategyRetry:
		err = s.recoverByRetry(ctx, op, res)
	case reconciliation.StrategyCompensate:
		err = s.recoverByCompensation(ctx, op, res)
	case reconciliation.StrategyIgnore:
		res.Resolved = true
	case reconciliation.StrategyEscalate:
		err = s.escalate(ctx, op, res, op.Error)
	default:
		return nil, fmt.Errorf("%w: %q", domainErrors.ErrUnknownStrategy, strategy)
	}

	res.RecordedAt = time.Now().UTC()
	s.record(ctx, res)

	s.logger.Info().
		Str("operation_id", op.ID.String()).
		Str("kind", string(op.Kind)).
		Str("phase", op.Phase).
		Str("strategy", string(strategy)).
		Bool("resolved", res.Resolved).
		Int("attempts", res.Attempts).
		Msg("Recovery applied")
	return res, err
}

func (s *Service) recoverByRetry(ctx context.Context, op reconciliation.FailedOperation, res *reconciliation.RecoveryResult) error {
	retrier, ok := s.retriers[op.Kind]
	if !ok {
		return s.escalate(ctx, op, res, fmt.Sprintf("no retrier for %s operations", op.Kind))
	}

	err := retry.Do(ctx, s.cfg.RecoveryRetry, func() error {
		res.Attempts++
		return retrier.Retry(ctx, op)
	})
	if err == nil {
		res.Resolved = true
		return nil
	}

	res.Error = err.Error()
	return s.escalate(ctx, op, res, fmt.Sprintf("%v after %d attempts: %v", domainErrors.ErrRetriesExhausted, res.Attempts, err))
}

func (s *Service) recoverByCompensation(ctx context.Context, op reconciliation.FailedOperation, res *reconciliation.RecoveryResult) error {
	if op.Kind != reconciliation.KindSaga || s.compensator == nil {
		return s.escalate(ctx, op, res, fmt.Sprintf("%s operations cannot be compensated", op.Kind))
	}

	reason := op.Error
	if reason == "" {
		reason = "compensation requested by reconciliation"
	}
	res.Attempts = 1
	inst, err := s.compensator.Compensate(ctx, op.ID, reason)
	if inst != nil {
		res.Detail = document.Document{"saga_status": inst.Status.String()}
	}

	switch {
	case err == nil,
		errors.Is(err, domainErrors.ErrSagaCompensated):
		res.Resolved = true
		return nil
	case errors.Is(err, domainErrors.ErrSagaTerminal):
		res.Resolved = inst != nil && inst.Status != saga.StatusFailed
		res.Error = err.Error()
		return nil
	case errors.Is(err, domainErrors.ErrCompensationFailed):
		// The coordinator already escalated this saga.
		res.Error = err.Error()
		return nil
	default:
		res.Error = err.Error()
		return s.escalate(ctx, op, res, fmt.Sprintf("compensation could not run: %v", err))
	}
}

func (s *Service) escalate(ctx context.Context, op reconciliation.FailedOperation, res *reconciliation.RecoveryResult, reason string) error {
	if reason == "" {
		reason = fmt.Sprintf("%s operation failed in phase %q", op.Kind, op.Phase)
	}
	e := reconciliation.NewEscalation(op.Kind, op.ID, op.TenantID, reason, document.Document{
		"phase":    op.Phase,
		"strategy": string(res.Strategy),
		"critical": op.Critical,
		"error":    op.Error,
	})
	res.Escalation = e

	if err := s.repo.CreateEscalation(context.WithoutCancel(ctx), e); err != nil {
		return fmt.Errorf("create escalation for %s: %w", op.ID, err)
	}
	if s.metrics != nil {
		s.metrics.EscalationsTotal.WithLabelValues(string(op.Kind)).Inc()
	}
	s.logger.Warn().
		Str("operation_id", op.ID.String()).
		Str("escalation_id", e.ID.String()).
		Str("reason", reason).
		Msg("Operation escalated for manual review")
	return nil
}

// Resumer is satisfied by the saga coordinator.
type Resumer interface {
	Resume(ctx context.Context, id uuid.UUID) (*saga.Instance, error)
}

// SagaRetrier retries a saga by resuming it. A saga that resumes into
// compensation counts as recovered because it reached a consistent end. A
// saga already failed has an open escalation and is not recovered.
func SagaRetrier(r Resumer) Retrier {
	return RetrierFunc(func(ctx context.Context, op reconciliation.FailedOperation) error {
		inst, err := r.Resume(ctx, op.ID)
		switch {
		case errors.Is(err, domainErrors.ErrSagaTerminal) && inst != nil && inst.Status == saga.StatusFailed:
			return retry.Permanent(err)
		case err == nil,
			errors.Is(err, domainErrors.ErrSagaCompensated),
			errors.Is(err, domainErrors.ErrSagaTerminal):
			return nil
		case errors.Is(err, domainErrors.ErrSagaNotFound),
			errors.Is(err, domainErrors.ErrSagaNotRegistered),
			errors.Is(err, domainErrors.ErrCompensationFailed):
			return retry.Permanent(err)
		default:
			return err
		}
	})
}

// Requeuer is satisfied by the dispatcher.
type Requeuer interface {
	RequeueDeadLetter(ctx context.Context, id uuid.UUID) error
}

// EventRetrier retries a dead-lettered event by requeueing it with a fresh
// retry budget.
func EventRetrier(r Requeuer) Retrier {
	return RetrierFunc(func(ctx context.Context, op reconciliation.FailedOperation) error {
		err := r.RequeueDeadLetter(ctx, op.ID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domainErrors.ErrEventNotFound),
			errors.Is(err, domainErrors.ErrInvalidStateTransition):
			return retry.Permanent(err)
		default:
			return err
		}
	})
}
