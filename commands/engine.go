package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RoleResolver resolves a sender's role identifiers on a channel. Resolution
// is deliberately deferred until a role-gated command actually matches.
type RoleResolver interface {
	Resolve(ctx context.Context, channelID, senderID, senderLogin string) ([]string, error)
}

// LiveStatus reports whether a channel is currently live and since when.
type LiveStatus interface {
	Live(channelID string) (live bool, since time.Time)
}

type snapshot struct {
	cmds      []Command
	smart     *SmartCommand
	fetchedAt time.Time
}

// Engine caches per-channel command snapshots and matches inbound messages.
type Engine struct {
	store Store
	roles RoleResolver
	live  LiveStatus
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]*snapshot
}

// NewEngine builds an Engine. ttl <= 0 defaults to one minute.
func NewEngine(store Store, roles RoleResolver, live LiveStatus, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Engine{store: store, roles: roles, live: live, ttl: ttl, cache: make(map[string]*snapshot)}
}

// Forget drops a channel's snapshot; called when the channel is unsubscribed.
func (e *Engine) Forget(channelID string) {
	e.mu.Lock()
	delete(e.cache, channelID)
	e.mu.Unlock()
}

// StartRefreshLoop refreshes cached snapshots on a fixed interval so long-idle
// channels don't serve arbitrarily stale commands between messages.
func (e *Engine) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			channels := make([]string, 0, len(e.cache))
			for ch := range e.cache {
				channels = append(channels, ch)
			}
			e.mu.Unlock()
			for _, ch := range channels {
				if ctx.Err() != nil {
					return
				}
				if _, err := e.refresh(ctx, ch); err != nil {
					slog.Warn("command snapshot refresh failed", slog.String("channel_id", ch), slog.Any("err", err), slog.String("component", "commands"))
				}
			}
		}
	}
}

// Match looks up the inbound text against the channel's commands and returns
// the reply to send, if any. First match wins in storage order; the smart
// command takes precedence over static commands when enabled.
func (e *Engine) Match(ctx context.Context, channelID string, sender Sender, text string) (string, bool, error) {
	snap, err := e.snapshot(ctx, channelID)
	if err != nil {
		return "", false, err
	}
	norm := Normalize(text)
	if norm == "" {
		return "", false, nil
	}

	isLive, liveSince := false, time.Time{}
	if e.live != nil {
		isLive, liveSince = e.live.Live(channelID)
	}

	if sc := snap.smart; sc != nil && sc.Enabled && Normalize(sc.Trigger) == norm {
		if sc.OnlyWhenLive && !isLive {
			return "", false, nil
		}
		return renderSmart(sc, isLive, liveSince, time.Now()), true, nil
	}

	for i := range snap.cmds {
		cmd := &snap.cmds[i]
		if Normalize(cmd.Trigger) != norm {
			continue
		}
		if cmd.OnlyWhenLive && !isLive {
			return "", false, nil
		}
		if cmd.gated() {
			roles, err := e.roles.Resolve(ctx, channelID, sender.UserID, sender.Login)
			if err != nil {
				// Fail closed: role-gated commands stay unreachable when
				// resolution is unavailable.
				roles = nil
			}
			if !cmd.allowed(sender, roles) {
				return "", false, nil
			}
		}
		return cmd.Response, true, nil
	}
	return "", false, nil
}

// snapshot returns the cached snapshot, refreshing lazily on miss or expiry.
// A refresh failure falls back to the stale snapshot when one exists.
func (e *Engine) snapshot(ctx context.Context, channelID string) (*snapshot, error) {
	e.mu.Lock()
	snap, ok := e.cache[channelID]
	e.mu.Unlock()
	if ok && time.Since(snap.fetchedAt) < e.ttl {
		return snap, nil
	}
	fresh, err := e.refresh(ctx, channelID)
	if err != nil {
		if ok {
			return snap, nil
		}
		return nil, err
	}
	return fresh, nil
}

func (e *Engine) refresh(ctx context.Context, channelID string) (*snapshot, error) {
	cmds, err := e.store.ListCommands(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("refresh commands: %w", err)
	}
	smart, err := e.store.GetSmartCommand(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("refresh smart command: %w", err)
	}
	snap := &snapshot{cmds: cmds, smart: smart, fetchedAt: time.Now()}
	e.mu.Lock()
	e.cache[channelID] = snap
	e.mu.Unlock()
	return snap, nil
}

// renderSmart fills the smart command template. {duration} expands to the
// formatted uptime; an offline channel with a non-live-only smart command
// gets the offline wording.
func renderSmart(sc *SmartCommand, isLive bool, liveSince time.Time, now time.Time) string {
	if !isLive {
		return "Stream is offline."
	}
	dur := formatDuration(now.Sub(liveSince))
	if strings.Contains(sc.Template, "{duration}") {
		return strings.ReplaceAll(sc.Template, "{duration}", dur)
	}
	return dur
}

// formatDuration renders a duration as "2h 05m" / "12m" style chat text.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
