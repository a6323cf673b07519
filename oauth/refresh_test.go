package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/relaybot/testutil"
)

func TestStartRefresherOutsideWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)

	futureExpiry := time.Now().Add(1 * time.Hour)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, user_id, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (provider, user_id) DO UPDATE SET refresh_token=EXCLUDED.refresh_token, expires_at=EXCLUDED.expires_at`,
		"test-provider", "user-far", "access123", "refresh456", futureExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshCalled := false
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, db, "test-provider", 50*time.Millisecond, 30*time.Minute, refreshFunc)
	<-ctx.Done()

	if refreshCalled {
		t.Error("refresh should not have been called for token that expires in 1 hour with 30 min window")
	}
}

func TestStartRefresherRefreshesDueRows(t *testing.T) {
	db := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	for _, userID := range []string{"user-a", "user-b"} {
		_, err := db.Exec(`INSERT INTO oauth_tokens (provider, user_id, access_token, refresh_token, expires_at, scope, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (provider, user_id) DO UPDATE SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, expires_at=EXCLUDED.expires_at, encryption_version=0`,
			"test-provider-due", userID, "old-access", "old-refresh-"+userID, soonExpiry, "scope1")
		if err != nil {
			t.Fatalf("failed to insert test token: %v", err)
		}
	}

	var mu sync.Mutex
	refreshed := map[string]bool{}
	newExpiry := time.Now().Add(2 * time.Hour)
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		mu.Lock()
		refreshed[refreshToken] = true
		mu.Unlock()
		return "new-access", "new-refresh", newExpiry, "scope2", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRefresher(ctx, db, "test-provider-due", 50*time.Millisecond, 15*time.Minute, refreshFunc)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(refreshed)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if !refreshed["old-refresh-user-a"] || !refreshed["old-refresh-user-b"] {
		t.Errorf("both due rows should refresh, got %v", refreshed)
	}
}

func TestStartRefresherRefreshError(t *testing.T) {
	db := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, user_id, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (provider, user_id) DO UPDATE SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, expires_at=EXCLUDED.expires_at, encryption_version=0`,
		"test-provider-err", "user-1", "old-access", "old-refresh", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("refresh failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, db, "test-provider-err", 50*time.Millisecond, 15*time.Minute, refreshFunc)
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)

	var access string
	if err := db.QueryRow(`SELECT access_token FROM oauth_tokens WHERE provider='test-provider-err' AND user_id='user-1'`).Scan(&access); err != nil {
		t.Fatalf("failed to query token: %v", err)
	}
	if access != "old-access" {
		t.Errorf("token should not have been updated on error, got %s", access)
	}
}

func TestStartRefresherSkipsRowsWithoutRefreshToken(t *testing.T) {
	db := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, user_id, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (provider, user_id) DO UPDATE SET refresh_token='', expires_at=EXCLUDED.expires_at`,
		"test-provider-nort", "user-1", "access123", "", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshCalled := false
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, db, "test-provider-nort", 50*time.Millisecond, 15*time.Minute, refreshFunc)
	<-ctx.Done()

	if refreshCalled {
		t.Error("refresh should not be called when refresh_token is empty")
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	db := testutil.SetupTestDB(t)

	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "access", "refresh", time.Now().Add(1 * time.Hour), "scope", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, db, "test-provider-cancel", 1*time.Second, 15*time.Minute, refreshFunc)
	cancel()
	time.Sleep(50 * time.Millisecond)
	// If we get here without hanging, cancellation works.
}
