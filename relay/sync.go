package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/relaybot/db"
	"github.com/onnwee/relaybot/pubsub"
	"github.com/onnwee/relaybot/telemetry"
	"github.com/onnwee/relaybot/trovoapi"
)

// DefaultSocketURL is the platform's push-socket endpoint.
const DefaultSocketURL = "wss://open-chat.trovo.live/chat"

// PlatformAPI is the slice of the platform client the synchronizer needs.
type PlatformAPI interface {
	GetChannelInfo(ctx context.Context, channelID string) (*trovoapi.ChannelInfo, error)
	ListOwnedChannels(ctx context.Context, userToken string) ([]trovoapi.OwnedChannel, error)
	SocketToken(ctx context.Context, userToken string) (string, error)
	ChannelChatToken(ctx context.Context, channelID string) (string, error)
}

// SocketFactory builds and starts a push socket. Tests substitute fakes.
type SocketFactory func(ctx context.Context, cfg pubsub.Config) (Socket, error)

func defaultSocketFactory(ctx context.Context, cfg pubsub.Config) (Socket, error) {
	c, err := pubsub.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Subscription is one enabled row from storage.
type Subscription struct {
	ChannelID   string
	ChannelURL  string
	OwnerUserID string
}

// Synchronizer reconciles the desired channel set from storage against live
// push sockets on a fixed interval. Per-channel failures are logged and skip
// only that channel for the tick.
type Synchronizer struct {
	db        *sql.DB
	caps      db.Capabilities
	api       PlatformAPI
	registry  *Registry
	tracker   StreamTracker
	inbound   *InboundHandler
	socketURL string
	sockets   SocketFactory
	loadSubs  func(ctx context.Context) ([]Subscription, error)

	// OnRemove is called after a channel is unsubscribed, so callers can
	// drop per-channel caches (commands, dedup). Optional.
	OnRemove func(channelID string)

	mintGap time.Duration
	mu      sync.Mutex
	minters map[string]*rate.Limiter
}

// NewSynchronizer wires a synchronizer. mintGap <= 0 disables the token-mint
// throttle.
func NewSynchronizer(dbx *sql.DB, caps db.Capabilities, api PlatformAPI, registry *Registry, tracker StreamTracker, inbound *InboundHandler, mintGap time.Duration) *Synchronizer {
	s := &Synchronizer{
		db:        dbx,
		caps:      caps,
		api:       api,
		registry:  registry,
		tracker:   tracker,
		inbound:   inbound,
		socketURL: DefaultSocketURL,
		sockets:   defaultSocketFactory,
		mintGap:   mintGap,
		minters:   make(map[string]*rate.Limiter),
	}
	s.loadSubs = s.loadSubscriptions
	return s
}

// StartSyncLoop reconciles at the interval until ctx is cancelled, then
// stops every socket through the registry.
func (s *Synchronizer) StartSyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("subscription synchronizer starting", slog.Duration("interval", interval), slog.String("component", "sync"))
	if err := s.syncOnce(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("sync once", slog.Any("err", err), slog.String("component", "sync"))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.registry.StopAll()
			slog.Info("subscription synchronizer stopped", slog.String("component", "sync"))
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("sync once", slog.Any("err", err), slog.String("component", "sync"))
			}
		}
	}
}

// syncOnce runs one reconciliation tick.
func (s *Synchronizer) syncOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if telemetry.SyncDuration != nil {
			telemetry.SyncDuration.Observe(time.Since(start).Seconds())
		}
	}()

	subs, err := s.loadSubs(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]bool, len(subs))
	for _, sub := range subs {
		desired[sub.ChannelID] = true
	}
	for _, id := range s.registry.IDs() {
		if !desired[id] {
			slog.Info("channel unsubscribed, stopping socket", slog.String("channel_id", id), slog.String("component", "sync"))
			s.registry.Remove(id)
			if s.OnRemove != nil {
				s.OnRemove(id)
			}
		}
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.syncChannel(ctx, sub); err != nil {
			slog.Warn("channel sync failed", slog.String("channel_id", sub.ChannelID), slog.Any("err", err), slog.String("component", "sync"))
		}
	}
	return nil
}

// loadSubscriptions returns the enabled subscriptions, filtered by the
// per-provider integration toggle when that table exists.
func (s *Synchronizer) loadSubscriptions(ctx context.Context) ([]Subscription, error) {
	urlCol := "''"
	if s.caps.SubscriptionChannelURL {
		urlCol = "COALESCE(s.channel_url, '')"
	}
	q := `SELECT s.channel_id, ` + urlCol + `, s.owner_user_id FROM subscriptions s WHERE s.enabled`
	if s.caps.IntegrationsTable {
		q += ` AND EXISTS (SELECT 1 FROM integrations i WHERE i.user_id = s.owner_user_id AND i.provider = 'trovo' AND i.enabled)`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ChannelID, &sub.ChannelURL, &sub.OwnerUserID); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Synchronizer) syncChannel(ctx context.Context, sub Subscription) error {
	ownerToken := s.ownerToken(ctx, sub.OwnerUserID)
	if ownerToken == "" {
		return fmt.Errorf("no usable access token for owner %s", sub.OwnerUserID)
	}

	if sub.ChannelURL == "" {
		sub.ChannelURL = s.resolveChannelURL(ctx, sub, ownerToken)
	}

	info, err := s.api.GetChannelInfo(ctx, sub.ChannelID)
	if err != nil {
		return fmt.Errorf("channel info: %w", err)
	}
	streamID := ""
	var liveSince time.Time
	if info.IsLive && info.StreamID != "" {
		streamID = info.StreamID
		if info.StartedAt > 0 {
			liveSince = time.Unix(info.StartedAt, 0)
		} else {
			liveSince = time.Now()
		}
	}
	s.trackLiveEdge(ctx, sub.ChannelID, streamID, liveSince)

	// Tokens may have rotated, so the socket is always rebuilt; the mint
	// throttle is the only thing that keeps an existing one for a tick.
	if !s.allowMint(sub.ChannelID) {
		if _, connected := s.registry.Lookup(sub.ChannelID); connected {
			s.registry.SetLive(sub.ChannelID, streamID, liveSince)
			slog.Debug("token mint throttled, keeping socket", slog.String("channel_id", sub.ChannelID), slog.String("component", "sync"))
			return nil
		}
	}

	authToken, err := s.api.SocketToken(ctx, ownerToken)
	if err != nil {
		return fmt.Errorf("socket token: %w", err)
	}
	chatToken, err := s.api.ChannelChatToken(ctx, sub.ChannelID)
	if err != nil {
		return fmt.Errorf("chat topic token: %w", err)
	}

	channelID := sub.ChannelID
	cfg := pubsub.Config{
		URL:       s.socketURL,
		AuthToken: authToken,
		Topics:    []pubsub.TopicSub{{Topic: TopicChat, Token: chatToken}},
		Handler:   s.inbound.Handler(ctx, channelID),
		OnDown: func(err error) {
			telemetry.SocketReconnects.Inc()
			slog.Warn("push socket down, rebuild on next tick", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "sync"))
		},
	}
	sock, err := s.sockets(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start socket: %w", err)
	}

	s.registry.Replace(&ChannelRuntime{
		ChannelID:  sub.ChannelID,
		ChannelURL: sub.ChannelURL,
		OwnerID:    sub.OwnerUserID,
		StreamID:   streamID,
		LiveSince:  liveSince,
	}, sock)
	return nil
}

// ownerToken returns the owner's access token, or "" when missing/expired.
func (s *Synchronizer) ownerToken(ctx context.Context, ownerID string) string {
	access, _, expiry, _, err := lookupToken(ctx, s.db, tokenProvider, ownerID)
	if err != nil {
		slog.Warn("owner token lookup failed", slog.String("user_id", ownerID), slog.Any("err", err), slog.String("component", "sync"))
		return ""
	}
	if access == "" || (!expiry.IsZero() && time.Now().After(expiry)) {
		return ""
	}
	return access
}

// resolveChannelURL recovers a missing channel URL from the owner's channel
// listing and persists it best-effort.
func (s *Synchronizer) resolveChannelURL(ctx context.Context, sub Subscription, ownerToken string) string {
	owned, err := s.api.ListOwnedChannels(ctx, ownerToken)
	if err != nil {
		slog.Warn("channel url auto-resolve failed", slog.String("channel_id", sub.ChannelID), slog.Any("err", err), slog.String("component", "sync"))
		return ""
	}
	for _, ch := range owned {
		if ch.ChannelID == sub.ChannelID && ch.ChannelURL != "" {
			if s.caps.SubscriptionChannelURL {
				if _, err := s.db.ExecContext(ctx,
					`UPDATE subscriptions SET channel_url=$1 WHERE channel_id=$2`, ch.ChannelURL, sub.ChannelID); err != nil {
					slog.Warn("persist channel url failed", slog.String("channel_id", sub.ChannelID), slog.Any("err", err), slog.String("component", "sync"))
				}
			}
			slog.Info("channel url auto-resolved", slog.String("channel_id", sub.ChannelID), slog.String("channel_url", ch.ChannelURL), slog.String("component", "sync"))
			return ch.ChannelURL
		}
	}
	return ""
}

// trackLiveEdge diffs the previous vs current stream id and forwards
// online/offline transitions to the stream tracker.
func (s *Synchronizer) trackLiveEdge(ctx context.Context, channelID, streamID string, liveSince time.Time) {
	prev, _ := s.registry.Lookup(channelID)
	if prev.StreamID == streamID {
		return
	}
	if prev.StreamID != "" {
		if err := s.tracker.StreamOffline(ctx, channelID, prev.StreamID); err != nil {
			slog.Warn("stream offline tracking failed", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "sync"))
		}
	}
	if streamID != "" {
		if err := s.tracker.StreamOnline(ctx, channelID, streamID, liveSince); err != nil {
			slog.Warn("stream online tracking failed", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "sync"))
		}
	}
}

// allowMint enforces the per-channel floor between socket-token mints so a
// flapping connection cannot trigger a reconnect storm.
func (s *Synchronizer) allowMint(channelID string) bool {
	if s.mintGap <= 0 {
		return true
	}
	s.mu.Lock()
	l, ok := s.minters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.mintGap), 1)
		s.minters[channelID] = l
	}
	s.mu.Unlock()
	if l.Allow() {
		telemetry.TokenRefreshes.Inc()
		return true
	}
	return false
}
