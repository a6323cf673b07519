package outbox

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onnwee/relaybot/telemetry"
)

// QueueBackend drives dispatch from Postgres LISTEN/NOTIFY: enqueues wake a
// fixed worker pool immediately instead of waiting for a poll tick. A slow
// safety sweep re-feeds pending and stale-processing rows whose
// notifications were missed (listener down, retry backoff, crash recovery).
type QueueBackend struct {
	d          *Dispatcher
	dsn        string
	workers    int
	sweepEvery time.Duration
	retryDelay time.Duration
}

// NewQueueBackend builds the durable-queue backend. workers <= 0 defaults
// to 2, sweepEvery <= 0 to 30s, retryDelay <= 0 to 5s.
func NewQueueBackend(d *Dispatcher, dsn string, workers int, sweepEvery, retryDelay time.Duration) *QueueBackend {
	if workers <= 0 {
		workers = 2
	}
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &QueueBackend{d: d, dsn: dsn, workers: workers, sweepEvery: sweepEvery, retryDelay: retryDelay}
}

// Run listens for enqueue notifications and dispatches them across the
// worker pool until ctx is cancelled, then drains the workers.
func (b *QueueBackend) Run(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	slog.Info("outbox queue backend starting", slog.Int("workers", b.workers), slog.Duration("sweep", b.sweepEvery), slog.String("component", "outbox"))

	jobs := make(chan int64, 64)
	var workers sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			b.worker(ctx, jobs)
		}()
	}

	// Producers: the sweep ticker plus any retry re-wake timers. All of them
	// stop on ctx cancel, after which jobs can be closed safely.
	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		ticker := time.NewTicker(b.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweep(ctx, jobs)
			}
		}
	}()

	var listenErr error
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				listenErr = err
				slog.Error("outbox notification listener failed", slog.Any("err", err), slog.String("component", "outbox"))
			}
			break
		}
		id, err := strconv.ParseInt(n.Payload, 10, 64)
		if err != nil {
			slog.Warn("bad outbox notification payload", slog.String("payload", n.Payload), slog.String("component", "outbox"))
			continue
		}
		select {
		case jobs <- id:
		case <-ctx.Done():
		}
	}

	producers.Wait()
	close(jobs)
	workers.Wait()
	slog.Info("outbox queue backend stopped", slog.String("component", "outbox"))
	return listenErr
}

func (b *QueueBackend) worker(ctx context.Context, jobs <-chan int64) {
	for id := range jobs {
		if ctx.Err() != nil {
			// Draining; leave the row for the next start.
			continue
		}
		m, err := b.d.store.Get(ctx, id)
		if err != nil {
			slog.Warn("load outbox message", slog.Int64("msg_id", id), slog.Any("err", err), slog.String("component", "outbox"))
			continue
		}
		switch b.d.process(ctx, m) {
		case OutcomeRetry, OutcomeDeferred:
			// Delayed re-wake so retries don't depend on the slow sweep.
			// The re-announce goes through Postgres rather than the local
			// channel, which may already be closed during shutdown; if the
			// timer loses to shutdown the sweep is the backstop.
			go func(id int64) {
				t := time.NewTimer(b.retryDelay)
				defer t.Stop()
				select {
				case <-ctx.Done():
				case <-t.C:
					if err := b.d.store.Notify(ctx, id); err != nil && ctx.Err() == nil {
						slog.Warn("retry re-wake", slog.Int64("msg_id", id), slog.Any("err", err), slog.String("component", "outbox"))
					}
				}
			}(id)
		}
	}
}

// sweep feeds currently eligible rows into the worker pool.
func (b *QueueBackend) sweep(ctx context.Context, jobs chan<- int64) {
	msgs, err := b.d.store.ListEligible(ctx, 100, b.d.staleAfter)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("outbox sweep", slog.Any("err", err), slog.String("component", "outbox"))
		}
		return
	}
	if n, err := b.d.store.CountPending(ctx); err == nil {
		telemetry.SetOutboxPending(n)
	}
	for _, m := range msgs {
		select {
		case jobs <- m.ID:
		case <-ctx.Done():
			return
		}
	}
}
