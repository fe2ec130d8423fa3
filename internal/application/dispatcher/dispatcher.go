// Package dispatcher drains the transactional outbox. Each poll reclaims
// abandoned claims, claims a batch with skip-locked semantics and feeds the
// events, oldest first, through the concurrency limiter to the handler
// registered for their type.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/internal/infrastructure/observability"
	"github.com/cassiomorais/eventcore/pkg/limiter"
	"github.com/cassiomorais/eventcore/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// State is the position of the dispatcher in its poll cycle.
type State int32

const (
	StateIdle State = iota
	StateClaiming
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaiming:
		return "claiming"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Config holds dispatcher configuration
type Config struct {
	WorkerID          string
	BatchSize         int
	PollInterval      time.Duration
	StaleTimeout      time.Duration
	HeartbeatInterval time.Duration
	HandlerTimeout    time.Duration
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		WorkerID:          NewWorkerID(),
		BatchSize:         50,
		PollInterval:      time.Second,
		StaleTimeout:      5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		RetryBackoff:      time.Second,
		MaxRetryBackoff:   5 * time.Minute,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.WorkerID == "" {
		c.WorkerID = d.WorkerID
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = d.StaleTimeout
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.StaleTimeout {
		c.HeartbeatInterval = c.StaleTimeout / 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
}

// NewWorkerID builds a hostname-pid-epoch identity. It is recorded on claims
// for diagnosis only.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().Unix())
}

// Result summarises one poll cycle.
type Result struct {
	Reclaimed    int `json:"reclaimed"`
	Claimed      int `json:"claimed"`
	Published    int `json:"published"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Released     int `json:"released"`
	Lost         int `json:"lost"`
	Unrecorded   int `json:"unrecorded"`
}

type outcome int

const (
	outcomeUnknown outcome = iota
	outcomePublished
	outcomeFailed
	outcomeDeadLettered
	outcomeReleased
	outcomeLost
	// The handler ran but its result could not be written back. The claim
	// goes stale and the event is reclaimed.
	outcomeUnrecorded
)

func (o outcome) String() string {
	switch o {
	case outcomePublished:
		return "published"
	case outcomeFailed:
		return "failed"
	case outcomeDeadLettered:
		return "dead_letter"
	case outcomeReleased:
		return "released"
	case outcomeLost:
		return "lost"
	case outcomeUnrecorded:
		return "unrecorded"
	default:
		return "unknown"
	}
}

func (r *Result) add(o outcome) {
	switch o {
	case outcomePublished:
		r.Published++
	case outcomeFailed:
		r.Failed++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeReleased:
		r.Released++
	case outcomeLost:
		r.Lost++
	case outcomeUnrecorded:
		r.Unrecorded++
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// Dispatcher polls the outbox and invokes registered handlers.
type Dispatcher struct {
	store    outbox.Store
	executor Executor
	cfg      Config
	logger   zerolog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	sink     DeadLetterSink

	mu       sync.RWMutex
	handlers map[string]Handler

	pollMu sync.Mutex
	state  atomic.Int32
}

// New creates a dispatcher.
func New(store outbox.Store, executor Executor, cfg Config, opts ...Option) *Dispatcher {
	cfg.normalize()
	d := &Dispatcher{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		tracer:   noop.NewTracerProvider().Tracer(observability.TracerName),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("worker_id", cfg.WorkerID).Logger()
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// State returns the current poll-cycle state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

func (d *Dispatcher) setState(s State) { d.state.Store(int32(s)) }

// RegisterHandler binds handler to eventType. Each type has at most one handler.
func (d *Dispatcher) RegisterHandler(eventType string, handler Handler) error {
	if eventType == "" {
		return domainErrors.NewValidationError("event_type", "is required")
	}
	if handler == nil {
		return domainErrors.NewValidationError("handler", "is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", domainErrors.ErrHandlerAlreadyExists, eventType)
	}
	d.handlers[eventType] = handler
	return nil
}

// EventTypes lists the event types with a registered handler.
func (d *Dispatcher) EventTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	return types
}

func (d *Dispatcher) handler(eventType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// Run polls every PollInterval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Int("batch_size", d.cfg.BatchSize).
		Dur("poll_interval", d.cfg.PollInterval).
		Dur("stale_timeout", d.cfg.StaleTimeout).
		Msg("Dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Dispatcher stopped")
			return nil
		case <-ticker.C:
		}

		res, err := d.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.logger.Error().Err(err).Msg("Dispatcher poll failed")
			continue
		}
		if res.Claimed > 0 || res.Reclaimed > 0 {
			d.logger.Debug().
				Int("claimed", res.Claimed).
				Int("published", res.Published).
				Int("failed", res.Failed).
				Int("dead_lettered", res.DeadLettered).
				Int("released", res.Released).
				Int("reclaimed", res.Reclaimed).
				Msg("Poll cycle finished")
		}
	}
}

type dispatched struct {
	event   *outbox.Event
	future  *limiter.Future
	outcome outcome
}

// PollOnce runs one idle → claiming → processing → idle cycle and returns
// after every claimed event has been handled or released.
func (d *Dispatcher) PollOnce(ctx context.Context) (Result, error) {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	ctx, span := d.tracer.Start(ctx, "dispatcher.poll",
		trace.WithAttributes(attribute.String("worker.id", d.cfg.WorkerID)))
	defer span.End()

	var res Result
	d.setState(StateClaiming)
	defer d.setState(StateIdle)

	reclaimed, err := d.store.ReclaimStale(ctx, d.cfg.StaleTimeout)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to reclaim stale events")
	} else if reclaimed > 0 {
		res.Reclaimed = int(reclaimed)
		d.logger.Warn().Int64("count", reclaimed).Msg("Reclaimed stale outbox claims")
		if d.metrics != nil {
			d.metrics.EventsReclaimed.Add(float64(reclaimed))
		}
	}

	limit := d.cfg.BatchSize
	if d.executor.HighUsage() {
		limit = max(1, limit/2)
	}

	events, err := d.store.ClaimBatch(ctx, d.cfg.WorkerID, limit, d.cfg.StaleTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return res, fmt.Errorf("claim outbox batch: %w", err)
	}
	res.Claimed = len(events)
	span.SetAttributes(attribute.Int("batch.size", len(events)))
	if len(events) == 0 {
		return res, nil
	}

	d.setState(StateProcessing)
	batch := make([]*dispatched, len(events))
	for i, event := range events {
		if d.metrics != nil {
			d.metrics.EventsClaimed.WithLabelValues(event.EventType).Inc()
		}
		item := &dispatched{event: event}
		batch[i] = item

		future, err := d.executor.Submit(ctx, func(taskCtx context.Context) error {
			var handleErr error
			item.outcome, handleErr = d.process(taskCtx, event)
			if handleErr != nil {
				d.countBreaker("failure")
			} else {
				d.countBreaker("success")
			}
			return handleErr
		})
		if err != nil {
			d.countBreaker("rejected")
			item.outcome = d.release(ctx, event, err)
			continue
		}
		item.future = future
	}

	for _, item := range batch {
		if item.future != nil {
			<-item.future.Done()
			if item.outcome == outcomeUnknown {
				// Admitted but never started: the breaker refused it or ctx ended.
				item.outcome = d.release(ctx, item.event, errors.New("task not started"))
			}
		}
		res.add(item.outcome)
		if d.metrics != nil {
			d.metrics.EventsProcessed.WithLabelValues(item.event.EventType, item.outcome.String()).Inc()
		}
	}
	d.observeLimiter()
	return res, nil
}

// process runs the handler for event and records the outcome. The returned
// error is the handler's own error and feeds the limiter's breaker.
func (d *Dispatcher) process(ctx context.Context, event *outbox.Event) (outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.handle", trace.WithAttributes(
		attribute.String("event.id", event.ID.String()),
		attribute.String("event.type", event.EventType),
		attribute.Int("event.retry_count", event.RetryCount),
	))
	defer span.End()

	logger := d.logger.With().
		Str("event_id", event.ID.String()).
		Str("event_type", event.EventType).
		Logger()

	start := time.Now()
	lost, handleErr := d.invoke(ctx, event, logger)
	if d.metrics != nil {
		d.metrics.DispatchDuration.WithLabelValues(event.EventType).Observe(time.Since(start).Seconds())
	}

	// Bookkeeping must land even if ctx was cancelled mid-handler.
	bctx := context.WithoutCancel(ctx)

	if lost {
		logger.Warn().Msg("Claim lost while handling event, leaving it to the new claimant")
		return outcomeLost, handleErr
	}

	if handleErr == nil {
		if err := d.store.MarkPublished(bctx, event.ID, d.cfg.WorkerID); err != nil {
			span.RecordError(err)
			return d.bookkeepingFailed(err, "Failed to mark event published", logger), nil
		}
		logger.Debug().Msg("Event published")
		return outcomePublished, nil
	}

	span.RecordError(handleErr)
	span.SetStatus(codes.Error, handleErr.Error())

	if retry.IsPermanent(handleErr) {
		if err := d.store.MoveToDeadLetter(bctx, event.ID, d.cfg.WorkerID, handleErr.Error()); err != nil {
			return d.bookkeepingFailed(err, "Failed to dead-letter event", logger), handleErr
		}
		logger.Error().Err(handleErr).Msg("Event dead-lettered on permanent error")
		d.deadLetter(bctx, event.ID, logger)
		return outcomeDeadLettered, handleErr
	}

	updated, err := d.store.MarkFailed(bctx, event.ID, d.cfg.WorkerID, handleErr.Error(), d.backoff(event.RetryCount))
	if err != nil {
		return d.bookkeepingFailed(err, "Failed to record event failure", logger), handleErr
	}
	if updated.Status == outbox.StatusDeadLetter {
		logger.Error().Err(handleErr).Int("retry_count", updated.RetryCount).Msg("Event moved to dead letter")
		d.notifySink(bctx, updated, logger)
		return outcomeDeadLettered, handleErr
	}
	logger.Warn().Err(handleErr).
		Int("retry_count", updated.RetryCount).
		Int("max_retries", updated.MaxRetries).
		Msg("Event handler failed, will retry")
	return outcomeFailed, handleErr
}

// bookkeepingFailed classifies a store error raised while recording a
// handler's result. A lost claim belongs to the new claimant.
func (d *Dispatcher) bookkeepingFailed(err error, msg string, logger zerolog.Logger) outcome {
	if errors.Is(err, domainErrors.ErrClaimLost) {
		logger.Warn().Msg("Claim lost before the result was recorded, leaving it to the new claimant")
		return outcomeLost
	}
	logger.Error().Err(err).Msg(msg)
	return outcomeUnrecorded
}

// invoke calls the handler with automatic heartbeats and panic recovery.
// lost reports that another worker took the claim over meanwhile.
func (d *Dispatcher) invoke(ctx context.Context, event *outbox.Event, logger zerolog.Logger) (lost bool, err error) {
	handler, ok := d.handler(event.EventType)
	if !ok {
		return false, fmt.Errorf("%w: %s", domainErrors.ErrHandlerNotRegistered, event.EventType)
	}

	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	var claimLost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.heartbeat(hbCtx, event.ID, &claimLost, logger)
	}()
	defer func() {
		stopHeartbeat()
		wg.Wait()
		lost = claimLost.Load()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", event.EventType, r)
		}
	}()
	return false, handler.Handle(ctx, event)
}

func (d *Dispatcher) heartbeat(ctx context.Context, id uuid.UUID, lost *atomic.Bool, logger zerolog.Logger) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := d.store.Heartbeat(ctx, id, d.cfg.WorkerID)
		switch {
		case err == nil:
		case errors.Is(err, domainErrors.ErrClaimLost):
			lost.Store(true)
			return
		case ctx.Err() != nil:
			return
		default:
			logger.Warn().Err(err).Msg("Failed to heartbeat event claim")
		}
	}
}

func (d *Dispatcher) release(ctx context.Context, event *outbox.Event, cause error) outcome {
	err := d.store.Release(context.WithoutCancel(ctx), event.ID, d.cfg.WorkerID)
	if errors.Is(err, domainErrors.ErrClaimLost) {
		return outcomeLost
	}
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to release event claim")
		return outcomeUnrecorded
	}
	d.logger.Warn().Err(cause).
		Str("event_id", event.ID.String()).
		Str("event_type", event.EventType).
		Msg("Limiter rejected event, released claim")
	return outcomeReleased
}

func (d *Dispatcher) deadLetter(ctx context.Context, id uuid.UUID, logger zerolog.Logger) {
	if d.sink == nil {
		return
	}
	event, err := d.store.GetByID(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load dead-lettered event")
		return
	}
	d.notifySink(ctx, event, logger)
}

func (d *Dispatcher) notifySink(ctx context.Context, event *outbox.Event, logger zerolog.Logger) {
	if d.sink == nil {
		return
	}
	if err := d.sink.DeadLetter(ctx, event); err != nil {
		logger.Error().Err(err).Msg("Failed to forward event to dead-letter sink")
	}
}

// backoff doubles RetryBackoff per consumed retry, capped at MaxRetryBackoff.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	if d.cfg.RetryBackoff <= 0 {
		return 0
	}
	delay := d.cfg.RetryBackoff
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= d.cfg.MaxRetryBackoff {
			return d.cfg.MaxRetryBackoff
		}
	}
	return delay
}

func (d *Dispatcher) observeLimiter() {
	if d.metrics == nil {
		return
	}
	s := d.executor.Stats()
	d.metrics.ObserveLimiter(d.cfg.WorkerID, s.Active, s.Queued, s.HighUsage, s.MemoryBytes, breakerGauge(s.BreakerState))
}

func breakerGauge(state string) int {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func (d *Dispatcher) countBreaker(result string) {
	if d.metrics != nil {
		d.metrics.CircuitBreakerRequests.WithLabelValues(d.cfg.WorkerID, result).Inc()
	}
}

// Shutdown stops the executor from accepting work and waits for in-flight
// handlers.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.logger.Info().Msg("Draining dispatcher")
	if err := d.executor.Drain(ctx); err != nil {
		return fmt.Errorf("drain dispatcher: %w", err)
	}
	return nil
}
