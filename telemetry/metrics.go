// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived prometheus.Counter
	CommandsMatched  prometheus.Counter
	SendsSucceeded   prometheus.Counter
	SendsFailed      prometheus.Counter
	SendsDeferred    prometheus.Counter
	DedupHits        prometheus.Counter
	DispatchCycles   prometheus.Counter
	SocketReconnects prometheus.Counter
	TokenRefreshes   prometheus.Counter

	// Histograms (seconds)
	DispatchDuration prometheus.Observer
	SyncDuration     prometheus.Observer

	// Gauges
	ConnectedChannelsGauge prometheus.Gauge
	OutboxPendingGauge     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_received_total", Help: "Inbound chat messages received over push sockets"})
		CommandsMatched = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_commands_matched_total", Help: "Inbound messages that matched a command"})
		SendsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sends_succeeded_total", Help: "Outbound chat messages delivered"})
		SendsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sends_failed_total", Help: "Outbound send attempts that failed"})
		SendsDeferred = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sends_deferred_total", Help: "Sends deferred by a rate limit"})
		DedupHits = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dedup_hits_total", Help: "Sends suppressed by the dedup window"})
		DispatchCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dispatch_cycles_total", Help: "Dispatcher processing cycles (processOnce invocations)"})
		SocketReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_socket_reconnects_total", Help: "Push socket reconnect attempts"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_token_refreshes_total", Help: "OAuth token refreshes performed"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_dispatch_duration_seconds", Help: "Per-message dispatch duration seconds", Buckets: prometheus.DefBuckets})
		SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_sync_duration_seconds", Help: "Subscription synchronizer tick duration seconds", Buckets: prometheus.DefBuckets})
		ConnectedChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_connected_channels", Help: "Channels with a live push socket"})
		OutboxPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_outbox_pending", Help: "Outbox messages awaiting dispatch"})
	})
}

// SetConnectedChannels records the current number of live channel sockets.
func SetConnectedChannels(n int) {
	if ConnectedChannelsGauge != nil {
		ConnectedChannelsGauge.Set(float64(n))
	}
}

// SetOutboxPending records the current pending outbox depth.
func SetOutboxPending(n int) {
	if OutboxPendingGauge != nil {
		OutboxPendingGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
