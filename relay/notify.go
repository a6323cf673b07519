package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ChatterNotifier posts a fire-and-forget "chatter seen" signal to a
// downstream collaborator (credit/loyalty bookkeeping). Failures are logged
// and never retried; a nil notifier disables the signal entirely.
type ChatterNotifier struct {
	url    string
	client *http.Client
}

// NewChatterNotifier returns nil when url is empty.
func NewChatterNotifier(url string) *ChatterNotifier {
	if url == "" {
		return nil
	}
	return &ChatterNotifier{url: url, client: &http.Client{Timeout: 3 * time.Second}}
}

// ChatterSeen posts the signal. Intended to run in its own goroutine; it
// never blocks the relay path beyond its own short timeout.
func (n *ChatterNotifier) ChatterSeen(channelID, userID, login string) {
	if n == nil {
		return
	}
	body, err := json.Marshal(map[string]string{
		"channel_id": channelID,
		"user_id":    userID,
		"login":      login,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("chatter-seen request build failed", slog.Any("err", err), slog.String("component", "relay"))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.NewString())
	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("chatter-seen notify failed", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "relay"))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("chatter-seen notify rejected", slog.String("channel_id", channelID), slog.Int("status", resp.StatusCode), slog.String("component", "relay"))
	}
}
