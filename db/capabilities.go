package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes for schema gaps we tolerate.
const (
	pgUndefinedTable  = "42P01"
	pgUndefinedColumn = "42703"
)

// Capabilities reports which optional schema pieces exist. The probe runs once
// at startup; components consult the flags instead of sniffing error codes on
// every call. An absent capability degrades its feature, it never fails it.
type Capabilities struct {
	// IntegrationsTable gates per-provider subscription filtering.
	IntegrationsTable bool
	// EntitlementsTable gates the per-channel override bot identity.
	EntitlementsTable bool
	// SubscriptionChannelURL reports whether subscriptions carry the
	// channel_url column used for persisted URL auto-resolution.
	SubscriptionChannelURL bool
}

// DetectCapabilities probes the optional tables and columns. Only
// undefined-table/undefined-column errors are treated as "feature absent";
// anything else (connection loss, permissions) is a real error.
func DetectCapabilities(ctx context.Context, dbx *sql.DB) (Capabilities, error) {
	caps := Capabilities{}

	probes := []struct {
		query string
		set   func(bool)
	}{
		{`SELECT user_id, provider, enabled FROM integrations LIMIT 0`, func(ok bool) { caps.IntegrationsTable = ok }},
		{`SELECT channel_id, feature FROM entitlements LIMIT 0`, func(ok bool) { caps.EntitlementsTable = ok }},
		{`SELECT channel_url FROM subscriptions LIMIT 0`, func(ok bool) { caps.SubscriptionChannelURL = ok }},
	}
	for _, p := range probes {
		ok, err := probeSchema(ctx, dbx, p.query)
		if err != nil {
			return Capabilities{}, err
		}
		p.set(ok)
	}

	slog.Info("storage capabilities detected",
		slog.Bool("integrations", caps.IntegrationsTable),
		slog.Bool("entitlements", caps.EntitlementsTable),
		slog.Bool("subscription_channel_url", caps.SubscriptionChannelURL),
		slog.String("component", "db_capabilities"))
	return caps, nil
}

func probeSchema(ctx context.Context, dbx *sql.DB, query string) (bool, error) {
	rows, err := dbx.QueryContext(ctx, query)
	if err != nil {
		if isSchemaMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("capability probe: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close probe rows", slog.Any("err", err))
		}
	}()
	return true, rows.Err()
}

// isSchemaMissing reports whether err is Postgres undefined_table or undefined_column.
func isSchemaMissing(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUndefinedTable || pgErr.Code == pgUndefinedColumn
}
