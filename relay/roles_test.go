package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRolesAPI struct {
	mu    sync.Mutex
	roles map[string][]string // userID -> roles
	err   error
	calls int
}

func (f *fakeRolesAPI) GetUserRoles(ctx context.Context, channelID, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.roles[userID], nil
}

func TestRoleResolverStaticOverrides(t *testing.T) {
	api := &fakeRolesAPI{}
	r := NewRoleResolver(api, map[string]string{
		"login:alice": "moderator|editor",
		"user:42":     "owner",
	}, time.Minute)

	roles, err := r.Resolve(context.Background(), "c1", "99", "Alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"moderator", "editor"}, roles)

	roles, err = r.Resolve(context.Background(), "c1", "42", "someone")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, roles)

	assert.Zero(t, api.calls, "overrides never reach the API")
}

func TestRoleResolverCachesWithTTL(t *testing.T) {
	api := &fakeRolesAPI{roles: map[string][]string{"u1": {"mod"}}}
	r := NewRoleResolver(api, nil, time.Minute)

	roles, err := r.Resolve(context.Background(), "c1", "u1", "login")
	require.NoError(t, err)
	assert.Equal(t, []string{"mod"}, roles)
	_, _ = r.Resolve(context.Background(), "c1", "u1", "login")
	assert.Equal(t, 1, api.calls, "second lookup is served from cache")

	// Different channel is a different cache key.
	_, _ = r.Resolve(context.Background(), "c2", "u1", "login")
	assert.Equal(t, 2, api.calls)
}

func TestRoleResolverFailsClosed(t *testing.T) {
	api := &fakeRolesAPI{err: errors.New("api down")}
	r := NewRoleResolver(api, nil, time.Minute)

	roles, err := r.Resolve(context.Background(), "c1", "u1", "login")
	assert.NoError(t, err, "API failure resolves to no roles, not an error")
	assert.Empty(t, roles)

	// Failures are not cached; the next lookup retries.
	_, _ = r.Resolve(context.Background(), "c1", "u1", "login")
	assert.Equal(t, 2, api.calls)
}
