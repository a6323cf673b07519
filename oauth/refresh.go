// Package oauth provides token refresh scheduling for identities persisted
// in the oauth_tokens table. It performs jittered checks and refreshes every
// row whose expiry falls within a configured window: linked channel owners,
// the shared bot, and any per-channel bot identities alike.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/relaybot/db"
	"github.com/onnwee/relaybot/telemetry"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically scans the provider's
// token rows and refreshes the ones nearing expiry.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			refreshDue(ctx, dbx, provider, window, fn)
		}
	}()
}

// refreshDue refreshes every row of the provider whose expiry is inside the
// window. Row failures are logged and skipped; the rest still refresh.
func refreshDue(ctx context.Context, dbx *sql.DB, provider string, window time.Duration, fn RefreshFunc) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT user_id FROM oauth_tokens
		 WHERE provider=$1 AND refresh_token <> '' AND expires_at <= NOW() + make_interval(secs => $2)`,
		provider, int(window.Seconds()))
	if err != nil {
		slog.Warn("token refresh scan failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err == nil {
			users = append(users, u)
		}
	}
	rows.Close()

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		refreshOne(ctx, dbx, provider, userID, fn)
	}
}

func refreshOne(ctx context.Context, dbx *sql.DB, provider, userID string, fn RefreshFunc) {
	// Go through the db helpers so encrypted rows decrypt and re-encrypt.
	_, rt, _, scope, err := db.GetOAuthToken(ctx, dbx, provider, userID)
	if err != nil {
		slog.Warn("token load failed", slog.String("provider", provider), slog.String("user_id", userID), slog.Any("err", err))
		return
	}
	if rt == "" {
		return
	}

	// Small pre-refresh jitter to avoid stampedes when many rows share an expiry.
	//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
	pre := time.Duration(rand.Int63n(int64(2 * time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(pre):
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(ctx2, rt)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.String("user_id", userID), slog.Any("err", err))
		return
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, dbx, provider, userID, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		slog.Warn("token persist failed", slog.String("provider", provider), slog.String("user_id", userID), slog.Any("err", err))
		return
	}
	if telemetry.TokenRefreshes != nil {
		telemetry.TokenRefreshes.Inc()
	}
	slog.Info("token refreshed", slog.String("provider", provider), slog.String("user_id", userID))
}
