// Package limiter runs submitted tasks with bounded parallelism.
//
// Every admitted task gets an id that is put in the active set when the task
// is admitted and taken out by that task's own deferred completion handler,
// whether it succeeded, failed or panicked. Nothing else ever removes an entry,
// so the active count is exact at all times.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned while the failure-rate breaker is open.
	ErrCircuitOpen = errors.New("limiter: circuit breaker is open")
	// ErrDraining is returned once Drain has been called.
	ErrDraining = errors.New("limiter: draining, not accepting work")
)

// Task is a unit of work. A non-nil error counts as a failure.
type Task func(ctx context.Context) error

// Config holds limiter configuration
type Config struct {
	Name        string
	Concurrency int

	// BreakerThreshold is the failure ratio that opens the breaker once at
	// least BreakerMinSamples tasks have completed.
	BreakerThreshold  float64
	BreakerMinSamples uint32
	// BreakerTimeout is how long the breaker stays open before letting
	// BreakerProbes tasks through in half-open state.
	BreakerTimeout time.Duration
	BreakerProbes  uint32

	MemoryThresholdBytes uint64
	QueueThreshold       int
	WatchdogInterval     time.Duration
}

// DefaultConfig returns default limiter configuration
func DefaultConfig() Config {
	return Config{
		Name:                 "dispatcher",
		Concurrency:          10,
		BreakerThreshold:     0.5,
		BreakerMinSamples:    20,
		BreakerTimeout:       30 * time.Second,
		BreakerProbes:        5,
		MemoryThresholdBytes: 512 << 20,
		QueueThreshold:       1000,
		WatchdogInterval:     10 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BreakerThreshold <= 0 || c.BreakerThreshold > 1 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerMinSamples == 0 {
		c.BreakerMinSamples = d.BreakerMinSamples
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.BreakerProbes == 0 {
		c.BreakerProbes = d.BreakerProbes
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Active       int    `json:"active"`
	Queued       int    `json:"queued"`
	Processed    uint64 `json:"processed"`
	Failed       uint64 `json:"failed"`
	Rejected     uint64 `json:"rejected"`
	BreakerState string `json:"breaker_state"`
	HighUsage    bool   `json:"high_usage"`
	MemoryBytes  uint64 `json:"memory_bytes"`
}

// Future resolves when its task has finished or was rejected after admission.
type Future struct {
	id   uint64
	done chan struct{}
	err  error
}

// ID is the identity the task was admitted under.
func (f *Future) ID() uint64 { return f.id }

// Done is closed once the task has completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task result. Only meaningful after Done is closed.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	id     uint64
	ctx    context.Context
	task   Task
	future *Future
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMemorySampler replaces the process RSS sampler used by the watchdog.
func WithMemorySampler(sampler func() (uint64, error)) Option {
	return func(l *Limiter) { l.sampler = sampler }
}

// WithHighUsageCallback is invoked when the watchdog crosses into high usage.
func WithHighUsageCallback(fn func(Stats)) Option {
	return func(l *Limiter) { l.onHighUsage = fn }
}

// WithStateChangeCallback is invoked on every breaker state change.
func WithStateChangeCallback(fn func(from, to gobreaker.State)) Option {
	return func(l *Limiter) { l.onStateChange = fn }
}

// Limiter is a bounded-concurrency executor with a failure-rate breaker.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	active    map[uint64]*entry
	queue     []*entry
	nextID    uint64
	processed uint64
	failed    uint64
	rejected  uint64
	draining  bool
	drained   chan struct{}
	breaker   *gobreaker.CircuitBreaker[struct{}]

	sampler       func() (uint64, error)
	onHighUsage   func(Stats)
	onStateChange func(from, to gobreaker.State)
	highUsage     atomic.Bool
	memoryBytes   atomic.Uint64
}

// New creates a limiter.
func New(cfg Config, opts ...Option) *Limiter {
	cfg.normalize()
	l := &Limiter{
		cfg:    cfg,
		logger: zerolog.Nop(),
		active: make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sampler == nil {
		l.sampler = processRSSSampler()
	}
	l.breaker = l.newBreaker()
	return l
}

func (l *Limiter) newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	cfg := l.cfg
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.BreakerProbes,
		Interval:    0,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinSamples {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn().
				Str("limiter", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if l.onStateChange != nil {
				l.onStateChange(from, to)
			}
		},
	})
}

// Submit admits task. It runs at once when a slot is free and is queued FIFO
// otherwise. Submit fails fast with ErrCircuitOpen while the breaker is open
// and with ErrDraining after Drain.
func (l *Limiter) Submit(ctx context.Context, task Task) (*Future, error) {
	if task == nil {
		return nil, errors.New("limiter: nil task")
	}

	l.mu.Lock()
	if l.draining {
		l.rejected++
		l.mu.Unlock()
		return nil, ErrDraining
	}
	if l.breaker.State() == gobreaker.StateOpen {
		l.rejected++
		l.mu.Unlock()
		return nil, ErrCircuitOpen
	}

	l.nextID++
	e := &entry{
		id:     l.nextID,
		ctx:    ctx,
		task:   task,
		future: &Future{id: l.nextID, done: make(chan struct{})},
	}

	startNow := len(l.active) < l.cfg.Concurrency
	if startNow {
		l.active[e.id] = e
	} else {
		l.queue = append(l.queue, e)
	}
	l.mu.Unlock()

	if startNow {
		go l.run(e)
	}
	return e.future, nil
}

func (l *Limiter) run(e *entry) {
	var (
		err error
		ran bool
	)
	defer func() { l.complete(e, err, ran) }()

	if ctxErr := e.ctx.Err(); ctxErr != nil {
		err = ctxErr
		return
	}

	l.mu.Lock()
	breaker := l.breaker
	l.mu.Unlock()

	_, err = breaker.Execute(func() (struct{}, error) {
		ran = true
		return struct{}{}, invoke(e)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrCircuitOpen
	}
}

func invoke(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("limiter: task %d panicked: %v", e.id, r)
		}
	}()
	return e.task(e.ctx)
}

// complete is the only place an id leaves the active set.
func (l *Limiter) complete(e *entry, err error, ran bool) {
	l.mu.Lock()
	delete(l.active, e.id)
	switch {
	case !ran:
		l.rejected++
	case err != nil:
		l.failed++
	default:
		l.processed++
	}

	var next *entry
	if len(l.queue) > 0 && len(l.active) < l.cfg.Concurrency {
		next = l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.active[next.id] = next
	}

	if l.draining && len(l.active) == 0 && len(l.queue) == 0 && l.drained != nil {
		close(l.drained)
		l.drained = nil
	}
	l.mu.Unlock()

	if err != nil && ran {
		l.logger.Debug().Err(err).Uint64("task_id", e.id).Msg("Task failed")
	}

	e.future.err = err
	close(e.future.done)

	if next != nil {
		go l.run(next)
	}
}

// Drain stops admission and waits until every active and queued task has
// finished.
func (l *Limiter) Drain(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	if len(l.active) == 0 && len(l.queue) == 0 {
		l.mu.Unlock()
		return nil
	}
	if l.drained == nil {
		l.drained = make(chan struct{})
	}
	ch := l.drained
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("limiter drain: %w", ctx.Err())
	}
}

// ResetBreaker closes the breaker and clears its counts.
func (l *Limiter) ResetBreaker() {
	l.mu.Lock()
	l.breaker = l.newBreaker()
	l.mu.Unlock()
	l.logger.Info().Str("limiter", l.cfg.Name).Msg("Circuit breaker reset")
}

// BreakerState returns the breaker state.
func (l *Limiter) BreakerState() gobreaker.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breaker.State()
}

// HighUsage reports the last watchdog verdict.
func (l *Limiter) HighUsage() bool {
	return l.highUsage.Load()
}

// Concurrency returns the configured parallelism bound.
func (l *Limiter) Concurrency() int { return l.cfg.Concurrency }

// Stats returns current accounting.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Active:       len(l.active),
		Queued:       len(l.queue),
		Processed:    l.processed,
		Failed:       l.failed,
		Rejected:     l.rejected,
		BreakerState: l.breaker.State().String(),
		HighUsage:    l.highUsage.Load(),
		MemoryBytes:  l.memoryBytes.Load(),
	}
}
