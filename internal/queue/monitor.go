package queue

import (
	"context"
	"log/slog"
	"time"
)

// Monitor periodically samples queue depth and logs it. A growing failed
// count is logged at warn level.
type Monitor struct {
	interval   time.Duration
	queue      Queue
	logger     *slog.Logger
	lastFailed int
}

// NewMonitor creates a Monitor sampling q every interval.
func NewMonitor(q Queue, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{interval: interval, queue: q, logger: logger}
}

// Start launches a background goroutine that ticks at the configured
// interval. It stops when ctx is cancelled. A non-positive interval
// disables the monitor.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// tick samples the queue once.
func (m *Monitor) tick(ctx context.Context) {
	s, err := m.queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("queue stats unavailable", slog.String("error", err.Error()))
		}
		return
	}

	attrs := []any{
		slog.Int("waiting", s.Waiting),
		slog.Int("active", s.Active),
		slog.Int("failed", s.Failed),
	}
	if s.Failed > m.lastFailed {
		m.logger.Warn("jobs dead-lettered", append(attrs, slog.Int("new_failed", s.Failed-m.lastFailed))...)
	} else {
		m.logger.Debug("queue stats", attrs...)
	}
	m.lastFailed = s.Failed
}
