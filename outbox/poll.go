package outbox

import (
	"context"
	"log/slog"
	"time"
)

// PollBackend drives dispatch from a fixed-interval ticker. Each tick runs
// one sequential batch to completion before the next tick is observed, so
// ticks never overlap.
type PollBackend struct {
	d        *Dispatcher
	interval time.Duration
	batch    int
}

// NewPollBackend builds the polling backend. interval <= 0 defaults to two
// seconds, batch <= 0 to ten.
func NewPollBackend(d *Dispatcher, interval time.Duration, batch int) *PollBackend {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 10
	}
	return &PollBackend{d: d, interval: interval, batch: batch}
}

// Run processes batches until ctx is cancelled.
func (b *PollBackend) Run(ctx context.Context) error {
	slog.Info("outbox poll backend starting", slog.Duration("interval", b.interval), slog.Int("batch", b.batch), slog.String("component", "outbox"))
	// Kick an immediate run so we don't wait a full interval after boot.
	if err := b.d.processOnce(ctx, b.batch); err != nil && ctx.Err() == nil {
		slog.Warn("process once", slog.Any("err", err), slog.String("component", "outbox"))
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox poll backend stopped", slog.String("component", "outbox"))
			return nil
		case <-ticker.C:
			if err := b.d.processOnce(ctx, b.batch); err != nil && ctx.Err() == nil {
				slog.Warn("process once", slog.Any("err", err), slog.String("component", "outbox"))
			}
		}
	}
}
