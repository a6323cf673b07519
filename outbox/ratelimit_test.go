package outbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterGlobalCap(t *testing.T) {
	l := NewLimiter(time.Minute, 3, 0)
	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c2"))
	assert.True(t, l.Allow("c3"))
	assert.False(t, l.Allow("c4"), "global limit reached")
	assert.False(t, l.Allow("c1"))
}

func TestLimiterPerChannelCap(t *testing.T) {
	l := NewLimiter(time.Minute, 100, 2)
	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"), "channel limit reached")
	assert.True(t, l.Allow("c2"), "other channel has its own budget")
}

func TestLimiterWindowRollover(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(time.Minute, 1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))

	now = now.Add(time.Minute)
	assert.True(t, l.Allow("c1"), "counters reset on a new window bucket")
}

func TestLimiterNeverExceedsLimits(t *testing.T) {
	l := NewLimiter(time.Minute, 10, 4)
	global := 0
	perChannel := map[string]int{}
	for i := 0; i < 50; i++ {
		ch := fmt.Sprintf("c%d", i%5)
		if l.Allow(ch) {
			global++
			perChannel[ch]++
		}
	}
	assert.LessOrEqual(t, global, 10)
	for ch, n := range perChannel {
		assert.LessOrEqual(t, n, 4, "channel %s over limit", ch)
	}
}

func TestLimiterDisabledLimits(t *testing.T) {
	l := NewLimiter(time.Minute, 0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("c1"))
	}
}
