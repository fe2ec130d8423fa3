// Package reconciliation finds and repairs state that partial failures left
// inconsistent: totals that disagree, sagas and events that stopped moving,
// and lock cycles between cooperating holders.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/cassiomorais/eventcore/internal/infrastructure/observability"
	"github.com/cassiomorais/eventcore/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sweepLockName = "eventcore:reconcile"

// Config holds reconciliation configuration
type Config struct {
	// RecoveryRetry bounds the retry strategy before it escalates.
	RecoveryRetry retry.Config
	StuckAfter    time.Duration
	StaleTimeout  time.Duration
	SweepLimit    int
	LockTTL       time.Duration
}

// DefaultConfig returns default reconciliation configuration
func DefaultConfig() Config {
	return Config{
		RecoveryRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		StuckAfter:   10 * time.Minute,
		StaleTimeout: 5 * time.Minute,
		SweepLimit:   100,
		LockTTL:      5 * time.Minute,
	}
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOutbox lets the service sweep stale claims and registers the
// outbox_backlog check.
func WithOutbox(store outbox.Store) Option {
	return func(s *Service) { s.outbox = store }
}

// WithSagas lets the service find stuck sagas and registers the
// saga_integrity check.
func WithSagas(repo saga.Repository) Option {
	return func(s *Service) { s.sagas = repo }
}

// WithRetrier sets how the retry strategy re-attempts operations of kind.
func WithRetrier(kind reconciliation.OperationKind, r Retrier) Option {
	return func(s *Service) { s.retriers[kind] = r }
}

func WithCompensator(c Compensator) Option {
	return func(s *Service) { s.compensator = c }
}

// WithLocker guards Run so that only one instance sweeps at a time.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// Service runs consistency checks and recovers failed operations.
type Service struct {
	repo        reconciliation.Repository
	cfg         Config
	logger      zerolog.Logger
	metrics     *observability.Metrics
	outbox      outbox.Store
	sagas       saga.Repository
	retriers    map[reconciliation.OperationKind]Retrier
	compensator Compensator
	locker      Locker

	mu     sync.RWMutex
	checks map[string]Check
}

// NewService creates a reconciliation service.
func NewService(repo reconciliation.Repository, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.RecoveryRetry.MaxAttempts == 0 {
		cfg.RecoveryRetry = def.RecoveryRetry
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}

	s := &Service{
		repo:     repo,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		retriers: make(map[reconciliation.OperationKind]Retrier),
		checks:   make(map[string]Check),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.outbox != nil {
		s.checks[CheckOutboxBacklog] = outboxBacklogCheck(s.outbox, cfg.StaleTimeout, cfg.SweepLimit)
	}
	if s.sagas != nil {
		s.checks[CheckSagaIntegrity] = sagaIntegrityCheck(s.sagas, cfg.SweepLimit)
	}
	return s
}

// RegisterCheck adds a named check. Registering a name twice replaces the
// earlier check.
func (s *Service) RegisterCheck(checkType string, check Check) error {
	if checkType == "" {
		return domainErrors.NewValidationError("check_type", "is required")
	}
	if check == nil {
		return domainErrors.NewValidationError("check", "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[checkType] = check
	return nil
}

// CheckTypes returns the registered check names, sorted.
func (s *Service) CheckTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckConsistency runs one check and records any mismatch it finds.
func (s *Service) CheckConsistency(ctx context.Context, checkType string, scope reconciliation.Scope) (*reconciliation.CheckResult, error) {
	s.mu.RLock()
	check, ok := s.checks[checkType]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrCheckNotRegistered, checkType)
	}

	expected, actual, err := check.Totals(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", checkType, err)
	}

	now := time.Now().UTC()
	result := &reconciliation.CheckResult{
		CheckType:  checkType,
		Mismatches: []reconciliation.Mismatch{},
		CheckedAt:  now,
	}

	for _, key := range unionKeys(expected, actual, scope.Keys) {
		result.Checked++
		exp, act := expected[key], actual[key]
		if exp == act {
			continue
		}
		result.Mismatches = append(result.Mismatches, reconciliation.Mismatch{
			ID:        uuid.New(),
			CheckType: checkType,
			TenantID:  scope.TenantID,
			Key:       key,
			Expected:  exp,
			Actual:    act,
			Detail:    fmt.Sprintf("expected %d, actual %d", exp, act),
			FoundAt:   now,
		})
	}
	result.IsConsistent = len(result.Mismatches) == 0

	if !result.IsConsistent {
		if err := s.repo.RecordMismatches(ctx, result.Mismatches); err != nil {
			return result, fmt.Errorf("record mismatches: %w", err)
		}
		if s.metrics != nil {
			s.metrics.ReconciliationMismatches.WithLabelValues(checkType).Add(float64(len(result.Mismatches)))
		}
		s.logger.Warn().
			Str("check_type", checkType).
			Int("mismatches", len(result.Mismatches)).
			Int("checked", result.Checked).
			Msg("Consistency check found mismatches")
	}
	return result, nil
}

// unionKeys returns every key of both sides, restricted to only when it is
// not empty, sorted.
func unionKeys(expected, actual map[string]int64, only []string) []string {
	keys := make(map[string]struct{}, len(expected)+len(actual))
	for k := range expected {
		keys[k] = struct{}{}
	}
	for k := range actual {
		keys[k] = struct{}{}
	}
	if len(only) > 0 {
		filtered := make(map[string]struct{}, len(only))
		for _, k := range only {
			if _, ok := keys[k]; ok {
				filtered[k] = struct{}{}
			}
		}
		keys = filtered
	}

	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Report is the outcome of one Reconcile sweep.
type Report struct {
	StartedAt            time.Time                        `json:"started_at"`
	FinishedAt           time.Time                        `json:"finished_at"`
	Checks               []*reconciliation.CheckResult    `json:"checks"`
	StuckSagas           int                              `json:"stuck_sagas"`
	Recoveries           []*reconciliation.RecoveryResult `json:"recoveries"`
	StaleClaimsReclaimed int64                            `json:"stale_claims_reclaimed"`
	DeadLetters          int64                            `json:"dead_letters"`
	Errors               []string                         `json:"errors,omitempty"`
}

// Consistent reports whether every check passed and nothing needed recovery.
func (r *Report) Consistent() bool {
	for _, c := range r.Checks {
		if !c.IsConsistent {
			return false
		}
	}
	return len(r.Errors) == 0 && r.StuckSagas == 0 && r.StaleClaimsReclaimed == 0
}

// Reconcile runs every registered check, recovers stuck sagas and reclaims
// stale outbox claims. Failures of individual parts are collected in the
// report rather than aborting the sweep.
func (s *Service) Reconcile(ctx context.Context, scope reconciliation.Scope) (*Report, error) {
	report := &Report{
		StartedAt:  time.Now().UTC(),
		Checks:     []*reconciliation.CheckResult{},
		Recoveries: []*reconciliation.RecoveryResult{},
	}

	for _, name := range s.CheckTypes() {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		result, err := s.CheckConsistency(ctx, name, scope)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Checks = append(report.Checks, result)
	}

	if s.sagas != nil {
		stuck, err := s.sagas.ListStuck(ctx, time.Now().UTC().Add(-s.cfg.StuckAfter), s.cfg.SweepLimit)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("list stuck sagas: %v", err))
		}
		for _, inst := range stuck {
			if scope.TenantID != nil && (inst.TenantID == nil || *inst.TenantID != *scope.TenantID) {
				continue
			}
			report.StuckSagas++
			op := reconciliation.FailedOperation{
				ID:       inst.ID,
				Kind:     reconciliation.KindSaga,
				TenantID: inst.TenantID,
				Phase:    PhaseResume,
				FailedAt: inst.UpdatedAt,
			}
			if inst.Error != nil {
				op.Error = *inst.Error
			}
			res, err := s.Recover(ctx, op, SelectStrategy(op))
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
			}
			if res != nil {
				report.Recoveries = append(report.Recoveries, res)
			}
		}
	}

	if s.outbox != nil {
		n, err := s.outbox.ReclaimStale(ctx, s.cfg.StaleTimeout)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("reclaim stale claims: %v", err))
		}
		report.StaleClaimsReclaimed = n

		counts, err := s.outbox.CountByStatus(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("count outbox events: %v", err))
		}
		report.DeadLetters = counts[outbox.StatusDeadLetter]
	}

	report.FinishedAt = time.Now().UTC()
	s.logger.Info().
		Int("checks", len(report.Checks)).
		Int("stuck_sagas", report.StuckSagas).
		Int64("stale_claims", report.StaleClaimsReclaimed).
		Int64("dead_letters", report.DeadLetters).
		Int("errors", len(report.Errors)).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Reconciliation sweep finished")
	return report, nil
}

// Run calls Reconcile every interval until ctx is done. With a Locker
// configured a sweep is skipped when another instance holds the lease.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		}
	}
}

func (s *Service) sweep(ctx context.Context) error {
	if s.locker != nil {
		unlock, acquired, err := s.locker.TryLock(ctx, sweepLockName, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !acquired {
			s.logger.Debug().Msg("Reconciliation sweep held by another instance")
			return nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to release sweep lock")
			}
		}()
	}
	_, err := s.Reconcile(ctx, reconciliation.Scope{})
	return err
}

// Escalations lists escalations, unresolved only when unresolvedOnly is set.
func (s *Service) Escalations(ctx context.Context, unresolvedOnly bool, limit int) ([]*reconciliation.Escalation, error) {
	return s.repo.ListEscalations(ctx, unresolvedOnly, limit)
}

// ResolveEscalation marks an escalation as handled.
func (s *Service) ResolveEscalation(ctx context.Context, id uuid.UUID) error {
	return s.repo.ResolveEscalation(ctx, id)
}

func (s *Service) record(ctx context.Context, r *reconciliation.RecoveryResult) {
	if err := s.repo.RecordRecovery(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Error().Err(err).
			Str("operation_id", r.OperationID.String()).
			Str("strategy", string(r.Strategy)).
			Msg("Failed to record recovery")
	}
	if s.metrics != nil {
		s.metrics.RecoveriesTotal.WithLabelValues(string(r.Strategy), fmt.Sprint(r.Resolved)).Inc()
	}
}
