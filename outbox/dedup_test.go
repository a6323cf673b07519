package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupSeenWithinWindow(t *testing.T) {
	d := NewDedup(30 * time.Second)
	assert.False(t, d.Seen("c1", "hello"))
	d.Remember("c1", "hello")
	assert.True(t, d.Seen("c1", "hello"))
	assert.False(t, d.Seen("c1", "other"))
	assert.False(t, d.Seen("c2", "hello"), "dedup is per channel")
}

func TestDedupExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	d := NewDedup(30 * time.Second)
	d.now = func() time.Time { return now }

	d.Remember("c1", "hello")
	assert.True(t, d.Seen("c1", "hello"))

	now = now.Add(31 * time.Second)
	assert.False(t, d.Seen("c1", "hello"), "entry expired with the window")
}

func TestDedupForget(t *testing.T) {
	d := NewDedup(time.Minute)
	d.Remember("c1", "hello")
	d.Forget("c1")
	assert.False(t, d.Seen("c1", "hello"))
}
