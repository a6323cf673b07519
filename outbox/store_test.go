package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/relaybot/testutil"
)

// Integration tests against a real Postgres, gated on TEST_PG_DSN.

func TestStoreClaimExclusivity(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := NewStore(database)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "claim-chan", "hello")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := store.Claim(ctx, id, 2*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	// A second worker racing for the same row must lose.
	claimed, err = store.Claim(ctx, id, 2*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim should affect zero rows")
	}
}

func TestStoreStaleProcessingReclaim(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := NewStore(database)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "stale-chan", "stuck")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if claimed, _ := store.Claim(ctx, id, 2*time.Minute); !claimed {
		t.Fatal("initial claim failed")
	}

	// Backdate the claim past the staleness TTL.
	if _, err := database.ExecContext(ctx,
		`UPDATE outbox_messages SET processing_at = NOW() - INTERVAL '10 minutes' WHERE id=$1`, id); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	eligible, err := store.ListEligible(ctx, 100, 2*time.Minute)
	if err != nil {
		t.Fatalf("list eligible: %v", err)
	}
	found := false
	for _, m := range eligible {
		if m.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("stale processing row should be eligible again")
	}

	if claimed, _ := store.Claim(ctx, id, 2*time.Minute); !claimed {
		t.Fatal("stale processing row should be claimable again")
	}
}

func TestStoreFailureTransitions(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := NewStore(database)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "fail-chan", "retry me")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	sendErr := errors.New("rate limited upstream")

	if _, err := store.Claim(ctx, id, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	status, err := store.RecordFailure(ctx, id, sendErr, 3)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if status != StatusPending {
		t.Fatalf("status = %q, want pending after first failure", status)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Claim(ctx, id, time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if status, err = store.RecordFailure(ctx, id, sendErr, 3); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if status != StatusFailed {
		t.Fatalf("status = %q, want failed after attempts exhausted", status)
	}

	m, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", m.Attempts)
	}
}

func TestStoreMarkSent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := NewStore(database)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "sent-chan", "ok")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, id, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSent(ctx, id); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	m, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Status != StatusSent {
		t.Fatalf("status = %q, want sent", m.Status)
	}
	if m.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 for a first-try success", m.Attempts)
	}
}
