package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/pkg/limiter"
	"github.com/google/uuid"
)

// DeadLetters lists dead-lettered events, oldest first.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]*outbox.Event, error) {
	events, err := d.store.ListByStatus(ctx, outbox.StatusDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return events, nil
}

// RequeueDeadLetter gives a dead-lettered event a fresh retry budget.
func (d *Dispatcher) RequeueDeadLetter(ctx context.Context, id uuid.UUID) error {
	if err := d.store.Requeue(ctx, id); err != nil {
		return fmt.Errorf("requeue event %s: %w", id, err)
	}
	d.logger.Info().Str("event_id", id.String()).Msg("Dead-lettered event requeued")
	return nil
}

// Backlog counts events per status and refreshes the backlog gauge.
func (d *Dispatcher) Backlog(ctx context.Context) (map[outbox.Status]int64, error) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count outbox events: %w", err)
	}
	if d.metrics != nil {
		for _, s := range []outbox.Status{
			outbox.StatusPending, outbox.StatusProcessing, outbox.StatusPublished,
			outbox.StatusFailed, outbox.StatusDeadLetter,
		} {
			d.metrics.OutboxBacklog.WithLabelValues(s.String()).Set(float64(counts[s]))
		}
	}
	return counts, nil
}

// PurgePublished deletes published events older than retention.
func (d *Dispatcher) PurgePublished(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := d.store.PurgePublished(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge published events: %w", err)
	}
	if n > 0 {
		d.logger.Info().Int64("count", n).Dur("retention", retention).Msg("Purged published events")
		if d.metrics != nil {
			d.metrics.EventsPurged.Add(float64(n))
		}
	}
	return n, nil
}

// RunRetention purges published events every interval until ctx is done.
func (d *Dispatcher) RunRetention(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.PurgePublished(ctx, retention); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("Retention sweep failed")
			}
			if _, err := d.Backlog(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn().Err(err).Msg("Failed to refresh outbox backlog")
			}
		}
	}
}

// LimiterStats exposes the executor accounting.
func (d *Dispatcher) LimiterStats() limiter.Stats {
	return d.executor.Stats()
}

// ResetBreaker closes the executor breaker.
func (d *Dispatcher) ResetBreaker() {
	d.executor.ResetBreaker()
	d.observeLimiter()
}
