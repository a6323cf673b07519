package trovoapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestTokenSourceCachesToken(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer srv.Close()

	ts := &TokenSource{ClientID: "cid", ClientSecret: "sec", TokenURL: srv.URL}
	for i := 0; i < 3; i++ {
		tok, err := ts.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "tok-1" {
			t.Fatalf("unexpected token %q", tok)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected a single token fetch, got %d", got)
	}
}

func TestTokenSourceMissingCreds(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error without client credentials")
	}
}

func TestTokenSourceNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad client", http.StatusForbidden)
	}))
	defer srv.Close()
	ts := &TokenSource{ClientID: "cid", ClientSecret: "sec", TokenURL: srv.URL}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestTokenSourceEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "", "expires_in": 60})
	}))
	defer srv.Close()
	ts := &TokenSource{ClientID: "cid", ClientSecret: "sec", TokenURL: srv.URL}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error on empty access_token")
	}
}
