package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/relaybot/db"
)

const (
	tokenProvider = "trovo"
	// channelBotPrefix namespaces per-channel bot identities in oauth_tokens.
	channelBotPrefix = "channel-bot:"
	// channelBotFeature is the entitlement gating the per-channel identity.
	channelBotFeature = "channel_bot"
)

// ErrMissingSenderToken means no identity in the chain had a usable token.
// It fails the current send attempt only; the message retries normally.
var ErrMissingSenderToken = errors.New("missing sender access token")

// configurable for tests
var lookupToken = db.GetOAuthToken

// CredentialResolver picks the identity to send as on a channel: a
// per-channel bot (entitlement-gated), the shared bot, then the channel
// owner's own linked account. First usable token wins.
type CredentialResolver struct {
	db              *sql.DB
	caps            db.Capabilities
	sharedBotUserID string
}

func NewCredentialResolver(dbx *sql.DB, caps db.Capabilities, sharedBotUserID string) *CredentialResolver {
	return &CredentialResolver{db: dbx, caps: caps, sharedBotUserID: sharedBotUserID}
}

// ResolveSendToken returns the access token to act as the bot on channelID.
func (r *CredentialResolver) ResolveSendToken(ctx context.Context, channelID, ownerID string) (string, error) {
	if r.channelBotEntitled(ctx, channelID) {
		if tok := r.usable(ctx, channelBotPrefix+channelID); tok != "" {
			return tok, nil
		}
	}
	if r.sharedBotUserID != "" {
		if tok := r.usable(ctx, r.sharedBotUserID); tok != "" {
			return tok, nil
		}
	}
	if ownerID != "" {
		if tok := r.usable(ctx, ownerID); tok != "" {
			return tok, nil
		}
	}
	return "", ErrMissingSenderToken
}

func (r *CredentialResolver) channelBotEntitled(ctx context.Context, channelID string) bool {
	if !r.caps.EntitlementsTable {
		return false
	}
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM entitlements WHERE channel_id=$1 AND feature=$2`,
		channelID, channelBotFeature).Scan(&n)
	if err != nil {
		slog.Warn("entitlement check failed", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "relay"))
		return false
	}
	return n > 0
}

// usable returns the identity's access token if present and not expired.
func (r *CredentialResolver) usable(ctx context.Context, userID string) string {
	access, _, expiry, _, err := lookupToken(ctx, r.db, tokenProvider, userID)
	if err != nil {
		slog.Warn("token lookup failed", slog.String("user_id", userID), slog.Any("err", err), slog.String("component", "relay"))
		return ""
	}
	if access == "" {
		return ""
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		return ""
	}
	return access
}

// PlatformSender is the slice of the platform client the sender needs.
type PlatformSender interface {
	SendChatMessage(ctx context.Context, accessToken, channelID, content string) error
}

// ChatSender delivers outbox messages: resolve the send identity, then post
// through the platform client. It satisfies the outbox Sender contract.
type ChatSender struct {
	api      PlatformSender
	creds    *CredentialResolver
	registry *Registry
	db       *sql.DB
}

func NewChatSender(api PlatformSender, creds *CredentialResolver, registry *Registry, dbx *sql.DB) *ChatSender {
	return &ChatSender{api: api, creds: creds, registry: registry, db: dbx}
}

func (s *ChatSender) Send(ctx context.Context, channelID, message string) error {
	ownerID := ""
	if rt, ok := s.registry.Lookup(channelID); ok {
		ownerID = rt.OwnerID
	} else if s.db != nil {
		// Channel not currently registered (e.g. enqueued just before an
		// unsubscribe); fall back to storage for the owner.
		err := s.db.QueryRowContext(ctx,
			`SELECT owner_user_id FROM subscriptions WHERE channel_id=$1`, channelID).Scan(&ownerID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("lookup channel owner: %w", err)
		}
	}
	token, err := s.creds.ResolveSendToken(ctx, channelID, ownerID)
	if err != nil {
		return err
	}
	return s.api.SendChatMessage(ctx, token, channelID, message)
}
