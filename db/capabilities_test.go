package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsSchemaMissing(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "42P01"}, true},
		{&pgconn.PgError{Code: "42703"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "42P01"}), true},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isSchemaMissing(c.err); got != c.want {
			t.Errorf("isSchemaMissing(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestDetectCapabilitiesCoreSchema(t *testing.T) {
	dbx := openTestDB(t)
	caps, err := DetectCapabilities(context.Background(), dbx)
	if err != nil {
		t.Fatal(err)
	}
	// Embedded Migrate creates subscriptions with channel_url but not the
	// optional feature tables; those require the versioned migrations.
	if !caps.SubscriptionChannelURL {
		t.Error("expected channel_url capability after core migrate")
	}
}
