package outbox

import (
	"sync"
	"time"
)

// Limiter enforces the global and per-channel send limits over a rolling
// window, implemented as counters keyed by window bucket. State is in
// process memory and therefore only correct for a single running engine
// instance.
type Limiter struct {
	window      time.Duration
	globalLimit int
	perChannel  int

	mu       sync.Mutex
	bucket   int64
	global   int
	channels map[string]int

	now func() time.Time // test hook
}

// NewLimiter builds a Limiter. A limit <= 0 disables that limit.
func NewLimiter(window time.Duration, globalLimit, perChannelLimit int) *Limiter {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Limiter{
		window:      window,
		globalLimit: globalLimit,
		perChannel:  perChannelLimit,
		channels:    make(map[string]int),
		now:         time.Now,
	}
}

// Allow reserves one send for the channel in the current window. A false
// return means the send must be deferred to a later window; the reservation
// is not made.
func (l *Limiter) Allow(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.now().UnixNano() / int64(l.window)
	if b != l.bucket {
		l.bucket = b
		l.global = 0
		l.channels = make(map[string]int)
	}
	if l.globalLimit > 0 && l.global >= l.globalLimit {
		return false
	}
	if l.perChannel > 0 && l.channels[channelID] >= l.perChannel {
		return false
	}
	l.global++
	l.channels[channelID]++
	return true
}
