// Package commands implements the per-channel command engine: a TTL'd cache
// of channel commands plus the built-in stream-duration smart command, text
// matching against normalized triggers, and allow-list permission evaluation.
package commands

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Command is a channel-authored chat command. Read-only for the engine;
// administration happens elsewhere.
type Command struct {
	ID           int64
	ChannelID    string
	Trigger      string
	Response     string
	OnlyWhenLive bool
	AllowedUsers []string // normalized logins; empty together with AllowedRoles means open
	AllowedRoles []string // platform role identifiers
}

// SmartCommand is the built-in stream-duration command configured per channel.
type SmartCommand struct {
	Trigger      string
	Template     string // {duration} is replaced with the formatted uptime
	Enabled      bool
	OnlyWhenLive bool
}

// Sender identifies the chat message author for permission checks.
type Sender struct {
	UserID string
	Login  string
}

// Normalize canonicalizes trigger/message text: line breaks become spaces,
// whitespace runs collapse, and the result is trimmed and lowercased.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// allowed evaluates the command's allow-lists. A command with no lists is open
// to anyone. Otherwise the sender passes with a login match or any role
// intersection; roles are resolved lazily by the caller.
func (c *Command) allowed(sender Sender, roles []string) bool {
	if len(c.AllowedUsers) == 0 && len(c.AllowedRoles) == 0 {
		return true
	}
	login := Normalize(sender.Login)
	for _, u := range c.AllowedUsers {
		if Normalize(u) == login && login != "" {
			return true
		}
	}
	for _, want := range c.AllowedRoles {
		for _, have := range roles {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// gated reports whether evaluating this command requires role resolution.
func (c *Command) gated() bool {
	return len(c.AllowedUsers) > 0 || len(c.AllowedRoles) > 0
}

// Store loads command configuration for a channel.
type Store interface {
	ListCommands(ctx context.Context, channelID string) ([]Command, error)
	GetSmartCommand(ctx context.Context, channelID string) (*SmartCommand, error)
}

// NewDBStore returns the Postgres-backed Store.
func NewDBStore(db *sql.DB) Store { return &dbStore{db: db} }

type dbStore struct{ db *sql.DB }

// ListCommands returns the channel's commands in storage order.
func (s *dbStore) ListCommands(ctx context.Context, channelID string) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, trigger, response, COALESCE(only_when_live,false), COALESCE(allowed_users,''), COALESCE(allowed_roles,'')
		 FROM commands WHERE channel_id=$1 ORDER BY position ASC, id ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()
	var out []Command
	for rows.Next() {
		var c Command
		var users, roles string
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.Trigger, &c.Response, &c.OnlyWhenLive, &users, &roles); err != nil {
			return nil, err
		}
		c.AllowedUsers = splitList(users)
		c.AllowedRoles = splitList(roles)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetSmartCommand returns the channel's smart command config, or nil when unset.
func (s *dbStore) GetSmartCommand(ctx context.Context, channelID string) (*SmartCommand, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT trigger, template, COALESCE(enabled,true), COALESCE(only_when_live,true)
		 FROM smart_commands WHERE channel_id=$1`, channelID)
	var sc SmartCommand
	if err := row.Scan(&sc.Trigger, &sc.Template, &sc.Enabled, &sc.OnlyWhenLive); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get smart command: %w", err)
	}
	return &sc, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
