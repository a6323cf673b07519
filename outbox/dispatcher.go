package outbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/relaybot/telemetry"
)

// Sender delivers a chat message to a channel. Implemented by the relay
// layer on top of the credential resolver and the platform client.
type Sender interface {
	Send(ctx context.Context, channelID, message string) error
}

// Backend schedules dispatch work. Run blocks until ctx is cancelled and
// returns after in-flight work has drained.
type Backend interface {
	Run(ctx context.Context) error
}

// Outcome classifies a single dispatch attempt.
type Outcome int

const (
	// OutcomeSkipped means the claim affected zero rows; another worker
	// already progressed the message.
	OutcomeSkipped Outcome = iota
	// OutcomeDeferred means a rate limit pushed the message back to pending
	// without counting an attempt.
	OutcomeDeferred
	// OutcomeDeduped means the payload was already sent within the dedup
	// window; the message is marked sent without an external send.
	OutcomeDeduped
	OutcomeSent
	// OutcomeRetry means the send failed and the message returned to pending.
	OutcomeRetry
	// OutcomeFailed means the send failed and attempts are exhausted.
	OutcomeFailed
)

// Dispatcher holds the claim-and-send body shared by both backends.
type Dispatcher struct {
	store       Store
	sender      Sender
	limiter     *Limiter
	dedup       *Dedup
	maxAttempts int
	staleAfter  time.Duration
}

// NewDispatcher wires the shared dispatch body. maxAttempts <= 0 defaults
// to 3, staleAfter <= 0 to two minutes.
func NewDispatcher(store Store, sender Sender, limiter *Limiter, dedup *Dedup, maxAttempts int, staleAfter time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Dispatcher{store: store, sender: sender, limiter: limiter, dedup: dedup, maxAttempts: maxAttempts, staleAfter: staleAfter}
}

// normalizePayload collapses whitespace runs and trims the payload; the
// normalized form is what gets sent and what the dedup window hashes
// (case-insensitively).
func normalizePayload(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// processOnce claims and attempts up to limit eligible messages, oldest
// first. The batch is sequential; ticks never overlap because the polling
// backend awaits completion before rescheduling.
func (d *Dispatcher) processOnce(ctx context.Context, limit int) error {
	telemetry.DispatchCycles.Inc()
	msgs, err := d.store.ListEligible(ctx, limit, d.staleAfter)
	if err != nil {
		return err
	}
	if n, err := d.store.CountPending(ctx); err == nil {
		telemetry.SetOutboxPending(n)
	}
	for _, m := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.process(ctx, m)
	}
	return nil
}

// process runs one dispatch attempt for a message: conditional claim, rate
// limits, dedup, send, record. Every path out of a successful claim settles
// the row so it cannot stay processing past the staleness TTL.
func (d *Dispatcher) process(ctx context.Context, m Message) Outcome {
	logger := slog.Default().With(slog.Int64("msg_id", m.ID), slog.String("channel_id", m.ChannelID), slog.String("component", "outbox"))
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "outbox", "dispatch",
		attribute.Int64("msg_id", m.ID),
		attribute.String("channel_id", m.ChannelID),
	)
	defer span.End()

	claimed, err := d.store.Claim(ctx, m.ID, d.staleAfter)
	if err != nil {
		logger.Warn("claim failed", slog.Any("err", err))
		return OutcomeSkipped
	}
	if !claimed {
		return OutcomeSkipped
	}

	payload := normalizePayload(m.Message)
	if payload == "" {
		// Nothing to deliver; settle as sent.
		if err := d.store.MarkSent(ctx, m.ID); err != nil {
			logger.Warn("mark sent failed", slog.Any("err", err))
		}
		return OutcomeSent
	}
	dedupKey := strings.ToLower(payload)

	if d.dedup != nil && d.dedup.Seen(m.ChannelID, dedupKey) {
		telemetry.DedupHits.Inc()
		logger.Debug("duplicate payload suppressed")
		if err := d.store.MarkSent(ctx, m.ID); err != nil {
			logger.Warn("mark sent failed", slog.Any("err", err))
		}
		return OutcomeDeduped
	}

	if d.limiter != nil && !d.limiter.Allow(m.ChannelID) {
		telemetry.SendsDeferred.Inc()
		logger.Debug("send deferred by rate limit")
		if err := d.store.Release(ctx, m.ID); err != nil {
			logger.Warn("release failed", slog.Any("err", err))
		}
		return OutcomeDeferred
	}

	sendErr := d.sender.Send(ctx, m.ChannelID, payload)
	telemetry.DispatchDuration.Observe(time.Since(start).Seconds())
	if sendErr != nil {
		telemetry.RecordError(span, sendErr)
		telemetry.SendsFailed.Inc()
		status, err := d.store.RecordFailure(ctx, m.ID, sendErr, d.maxAttempts)
		if err != nil {
			logger.Warn("record failure failed", slog.Any("err", err))
			return OutcomeRetry
		}
		if status == StatusFailed {
			logger.Error("send failed terminally", slog.Any("err", sendErr), slog.Int("max_attempts", d.maxAttempts))
			return OutcomeFailed
		}
		logger.Warn("send failed, will retry", slog.Any("err", sendErr))
		return OutcomeRetry
	}

	telemetry.SetSpanSuccess(span)
	telemetry.SendsSucceeded.Inc()
	if d.dedup != nil {
		d.dedup.Remember(m.ChannelID, dedupKey)
	}
	if err := d.store.MarkSent(ctx, m.ID); err != nil {
		logger.Warn("mark sent failed", slog.Any("err", err))
	}
	logger.Info("message sent", slog.Duration("took", time.Since(start)))
	return OutcomeSent
}
