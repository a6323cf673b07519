package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RolesAPI is the slice of the platform client the role resolver needs.
type RolesAPI interface {
	GetUserRoles(ctx context.Context, channelID, userID string) ([]string, error)
}

type roleEntry struct {
	roles  []string
	expiry time.Time
}

// RoleResolver resolves a sender's roles on a channel: static development
// overrides first, then a short-TTL cache, then the platform API. An API
// failure resolves to no roles so role-gated commands fail closed.
type RoleResolver struct {
	api       RolesAPI
	overrides map[string]string // "login:<name>" / "user:<id>" -> "role|role"
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]roleEntry // channelID + "|" + senderID
}

// NewRoleResolver builds a RoleResolver. ttl <= 0 defaults to five minutes.
func NewRoleResolver(api RolesAPI, overrides map[string]string, ttl time.Duration) *RoleResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RoleResolver{api: api, overrides: overrides, ttl: ttl, cache: make(map[string]roleEntry)}
}

func (r *RoleResolver) Resolve(ctx context.Context, channelID, senderID, senderLogin string) ([]string, error) {
	if roles, ok := r.override(senderID, senderLogin); ok {
		return roles, nil
	}

	key := channelID + "|" + senderID
	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expiry) {
		r.mu.Unlock()
		return e.roles, nil
	}
	r.mu.Unlock()

	roles, err := r.api.GetUserRoles(ctx, channelID, senderID)
	if err != nil {
		slog.Warn("role lookup failed", slog.String("channel_id", channelID), slog.String("sender_id", senderID), slog.Any("err", err), slog.String("component", "relay"))
		return nil, nil
	}

	r.mu.Lock()
	r.cache[key] = roleEntry{roles: roles, expiry: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return roles, nil
}

func (r *RoleResolver) override(senderID, senderLogin string) ([]string, bool) {
	if len(r.overrides) == 0 {
		return nil, false
	}
	if v, ok := r.overrides["user:"+senderID]; ok {
		return splitRoles(v), true
	}
	if v, ok := r.overrides["login:"+strings.ToLower(senderLogin)]; ok {
		return splitRoles(v), true
	}
	return nil, false
}

func splitRoles(s string) []string {
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
