package limiter

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// RunWatchdog samples memory and queue depth every WatchdogInterval until ctx
// is done. It never blocks task admission.
func (l *Limiter) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.WatchdogInterval)
	defer ticker.Stop()

	l.logger.Info().
		Dur("interval", l.cfg.WatchdogInterval).
		Uint64("memory_threshold_bytes", l.cfg.MemoryThresholdBytes).
		Int("queue_threshold", l.cfg.QueueThreshold).
		Msg("Limiter watchdog started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Limiter watchdog stopped")
			return nil
		case <-ticker.C:
			l.Sample()
		}
	}
}

// Sample takes one watchdog reading and updates the high-usage flag.
func (l *Limiter) Sample() Stats {
	mem, err := l.sampler()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to sample process memory")
		mem = l.memoryBytes.Load()
	} else {
		l.memoryBytes.Store(mem)
	}

	stats := l.Stats()
	high := (l.cfg.MemoryThresholdBytes > 0 && mem >= l.cfg.MemoryThresholdBytes) ||
		(l.cfg.QueueThreshold > 0 && stats.Queued >= l.cfg.QueueThreshold)

	prev := l.highUsage.Swap(high)
	stats.HighUsage = high
	stats.MemoryBytes = mem

	switch {
	case high && !prev:
		l.logger.Warn().
			Uint64("memory_bytes", mem).
			Int("queued", stats.Queued).
			Int("active", stats.Active).
			Msg("Limiter entered high usage")
		if l.onHighUsage != nil {
			l.onHighUsage(stats)
		}
	case !high && prev:
		l.logger.Info().
			Uint64("memory_bytes", mem).
			Int("queued", stats.Queued).
			Msg("Limiter usage back to normal")
	}
	return stats
}

func processRSSSampler() func() (uint64, error) {
	var (
		once sync.Once
		proc *process.Process
		err  error
	)
	return func() (uint64, error) {
		once.Do(func() {
			proc, err = process.NewProcess(int32(os.Getpid()))
		})
		if err != nil {
			return 0, err
		}
		info, err := proc.MemoryInfo()
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
}
