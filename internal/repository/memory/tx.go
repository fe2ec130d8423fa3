// Package memory provides in-process implementations of the core stores. They
// back the unit tests and single-process deployments that run without
// PostgreSQL.
package memory

import (
	"context"
	"sync"
	"time"
)

type ctxKey int

const txKey ctxKey = iota

type txBuffer struct {
	mu  sync.Mutex
	ops []func()
}

func (b *txBuffer) add(op func()) {
	b.mu.Lock()
	b.ops = append(b.ops, op)
	b.mu.Unlock()
}

// TxManager buffers writes made through ctx and applies them only when fn
// returns nil. Reads inside the transaction do not see buffered writes.
type TxManager struct {
	mu sync.Mutex
}

// NewTxManager creates a new transaction manager.
func NewTxManager() *TxManager {
	return &TxManager{}
}

// WithTransaction executes fn with a transaction carried by ctx. A nested call
// joins the outer transaction.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*txBuffer); ok {
		return fn(ctx)
	}

	buf := &txBuffer{}
	if err := fn(context.WithValue(ctx, txKey, buf)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	buf.mu.Lock()
	defer buf.mu.Unlock()
	for _, op := range buf.ops {
		op()
	}
	return nil
}

// enlist defers op to commit when ctx carries a transaction and runs it now
// otherwise.
func enlist(ctx context.Context, op func()) {
	if buf, ok := ctx.Value(txKey).(*txBuffer); ok {
		buf.add(op)
		return
	}
	op()
}

// Option configures a memory store.
type Option func(*clock)

// WithClock overrides time.Now, for tests that need to age rows.
func WithClock(now func() time.Time) Option {
	return func(c *clock) { c.now = now }
}

type clock struct {
	now func() time.Time
}

func newClock(opts []Option) clock {
	c := clock{now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c clock) Now() time.Time {
	return c.now().UTC()
}
