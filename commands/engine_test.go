package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	cmds    map[string][]Command
	smart   map[string]*SmartCommand
	fail    bool
	listing int
}

func (f *fakeStore) ListCommands(ctx context.Context, channelID string) ([]Command, error) {
	if f.fail {
		return nil, errors.New("store down")
	}
	f.listing++
	return f.cmds[channelID], nil
}

func (f *fakeStore) GetSmartCommand(ctx context.Context, channelID string) (*SmartCommand, error) {
	if f.fail {
		return nil, errors.New("store down")
	}
	return f.smart[channelID], nil
}

type fakeRoles struct {
	roles []string
	err   error
	calls int
}

func (f *fakeRoles) Resolve(ctx context.Context, channelID, senderID, senderLogin string) ([]string, error) {
	f.calls++
	return f.roles, f.err
}

type fakeLive struct {
	live  bool
	since time.Time
}

func (f *fakeLive) Live(channelID string) (bool, time.Time) { return f.live, f.since }

func TestNormalize(t *testing.T) {
	assert.Equal(t, "!uptime", Normalize("  !UpTime \r\n"))
	assert.Equal(t, "!so cool", Normalize("!So\r\nCool"))
	assert.Equal(t, "", Normalize(" \r\n "))
}

func TestMatchNormalizationInsensitive(t *testing.T) {
	store := &fakeStore{cmds: map[string][]Command{
		"c1": {{Trigger: "!Hello", Response: "hi there"}},
	}}
	e := NewEngine(store, &fakeRoles{}, &fakeLive{}, time.Minute)

	reply, ok, err := e.Match(context.Background(), "c1", Sender{Login: "viewer"}, "  !HELLO \r\n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi there", reply)
}

func TestMatchFirstWinsInStorageOrder(t *testing.T) {
	store := &fakeStore{cmds: map[string][]Command{
		"c1": {
			{Trigger: "!x", Response: "first"},
			{Trigger: "!x", Response: "second"},
		},
	}}
	e := NewEngine(store, &fakeRoles{}, &fakeLive{}, time.Minute)
	reply, ok, _ := e.Match(context.Background(), "c1", Sender{}, "!x")
	require.True(t, ok)
	assert.Equal(t, "first", reply)
}

func TestOpenCommandReachableByAnyone(t *testing.T) {
	store := &fakeStore{cmds: map[string][]Command{
		"c1": {{Trigger: "!rules", Response: "be nice"}},
	}}
	roles := &fakeRoles{}
	e := NewEngine(store, roles, &fakeLive{}, time.Minute)
	_, ok, _ := e.Match(context.Background(), "c1", Sender{UserID: "u1", Login: "anyone"}, "!rules")
	assert.True(t, ok)
	assert.Zero(t, roles.calls, "open command must not trigger role resolution")
}

func TestRoleGatedCommand(t *testing.T) {
	store := &fakeStore{cmds: map[string][]Command{
		"c1": {{Trigger: "!modonly", Response: "secret", AllowedRoles: []string{"mod"}}},
	}}

	t.Run("unreachable without intersecting roles", func(t *testing.T) {
		roles := &fakeRoles{roles: []string{"follower"}}
		e := NewEngine(store, roles, &fakeLive{}, time.Minute)
		_, ok, _ := e.Match(context.Background(), "c1", Sender{UserID: "u1", Login: "pleb"}, "!modonly")
		assert.False(t, ok)
		assert.Equal(t, 1, roles.calls)
	})

	t.Run("reachable with role", func(t *testing.T) {
		roles := &fakeRoles{roles: []string{"Mod"}}
		e := NewEngine(store, roles, &fakeLive{}, time.Minute)
		reply, ok, _ := e.Match(context.Background(), "c1", Sender{UserID: "u2", Login: "m"}, "!modonly")
		require.True(t, ok)
		assert.Equal(t, "secret", reply)
	})

	t.Run("fails closed on resolver error", func(t *testing.T) {
		roles := &fakeRoles{err: errors.New("api down")}
		e := NewEngine(store, roles, &fakeLive{}, time.Minute)
		_, ok, _ := e.Match(context.Background(), "c1", Sender{UserID: "u3", Login: "m"}, "!modonly")
		assert.False(t, ok)
	})
}

func TestUserAllowListMatchesLogin(t *testing.T) {
	store := &fakeStore{cmds: map[string][]Command{
		"c1": {{Trigger: "!vip", Response: "hi vip", AllowedUsers: []string{"Alice"}}},
	}}
	e := NewEngine(store, &fakeRoles{}, &fakeLive{}, time.Minute)
	_, ok, _ := e.Match(context.Background(), "c1", Sender{Login: "ALICE"}, "!vip")
	assert.True(t, ok)
	_, ok, _ = e.Match(context.Background(), "c1", Sender{Login: "bob"}, "!vip")
	assert.False(t, ok)
}

func TestOnlyWhenLiveSuppressedOffline(t *testing.T) {
	store := &fakeStore{cmds: map[string][]Command{
		"c1": {{Trigger: "!drops", Response: "live only", OnlyWhenLive: true}},
	}}
	e := NewEngine(store, &fakeRoles{}, &fakeLive{live: false}, time.Minute)
	_, ok, _ := e.Match(context.Background(), "c1", Sender{}, "!drops")
	assert.False(t, ok)

	e2 := NewEngine(store, &fakeRoles{}, &fakeLive{live: true, since: time.Now()}, time.Minute)
	_, ok, _ = e2.Match(context.Background(), "c1", Sender{}, "!drops")
	assert.True(t, ok)
}

func TestSmartCommandPrecedenceAndUptime(t *testing.T) {
	since := time.Now().Add(-(2*time.Hour + 5*time.Minute))
	store := &fakeStore{
		cmds: map[string][]Command{
			"c1": {{Trigger: "!uptime", Response: "static shadowed"}},
		},
		smart: map[string]*SmartCommand{
			"c1": {Trigger: "!uptime", Template: "Live for {duration}", Enabled: true, OnlyWhenLive: true},
		},
	}
	e := NewEngine(store, &fakeRoles{}, &fakeLive{live: true, since: since}, time.Minute)
	reply, ok, err := e.Match(context.Background(), "c1", Sender{}, "!UPTIME")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Live for 2h 05m", reply)
}

func TestSmartCommandLiveOnlySuppressedOffline(t *testing.T) {
	store := &fakeStore{
		smart: map[string]*SmartCommand{
			"c1": {Trigger: "!uptime", Template: "{duration}", Enabled: true, OnlyWhenLive: true},
		},
	}
	e := NewEngine(store, &fakeRoles{}, &fakeLive{live: false}, time.Minute)
	_, ok, _ := e.Match(context.Background(), "c1", Sender{}, "!uptime")
	assert.False(t, ok)
}

func TestSmartCommandDisabledFallsThroughToStatic(t *testing.T) {
	store := &fakeStore{
		cmds: map[string][]Command{
			"c1": {{Trigger: "!uptime", Response: "static wins"}},
		},
		smart: map[string]*SmartCommand{
			"c1": {Trigger: "!uptime", Template: "{duration}", Enabled: false},
		},
	}
	e := NewEngine(store, &fakeRoles{}, &fakeLive{live: true, since: time.Now()}, time.Minute)
	reply, ok, _ := e.Match(context.Background(), "c1", Sender{}, "!uptime")
	require.True(t, ok)
	assert.Equal(t, "static wins", reply)
}

func TestSnapshotTTLAndStaleFallback(t *testing.T) {
	store := &fakeStore{cmds: map[string][]Command{
		"c1": {{Trigger: "!a", Response: "v1"}},
	}}
	e := NewEngine(store, &fakeRoles{}, &fakeLive{}, 20*time.Millisecond)

	reply, ok, _ := e.Match(context.Background(), "c1", Sender{}, "!a")
	require.True(t, ok)
	assert.Equal(t, "v1", reply)
	assert.Equal(t, 1, store.listing)

	// Within TTL: served from cache.
	_, _, _ = e.Match(context.Background(), "c1", Sender{}, "!a")
	assert.Equal(t, 1, store.listing)

	// After expiry with a failing store: stale snapshot still serves.
	time.Sleep(30 * time.Millisecond)
	store.fail = true
	reply, ok, err := e.Match(context.Background(), "c1", Sender{}, "!a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", reply)

	// Recovered store refreshes the snapshot.
	store.fail = false
	store.cmds["c1"] = []Command{{Trigger: "!a", Response: "v2"}}
	time.Sleep(30 * time.Millisecond)
	reply, _, _ = e.Match(context.Background(), "c1", Sender{}, "!a")
	assert.Equal(t, "v2", reply)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "12m", formatDuration(12*time.Minute))
	assert.Equal(t, "1h 02m", formatDuration(62*time.Minute))
	assert.Equal(t, "0m", formatDuration(-time.Minute))
}
