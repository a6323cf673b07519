package outbox

import (
	"crypto/sha256"
	"sync"
	"time"
)

// Dedup suppresses re-sending an identical normalized payload to the same
// channel within a short window. Like the rate limiter, its state is scoped
// to the running instance.
type Dedup struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]map[[sha256.Size]byte]time.Time

	now func() time.Time // test hook
}

// NewDedup builds a Dedup with the given suppression window.
func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Dedup{window: window, seen: make(map[string]map[[sha256.Size]byte]time.Time), now: time.Now}
}

// Seen reports whether the payload was already sent to the channel within
// the window. Expired entries are pruned as a side effect.
func (d *Dedup) Seen(channelID, normalized string) bool {
	h := sha256.Sum256([]byte(normalized))
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	ring := d.seen[channelID]
	for hash, at := range ring {
		if now.Sub(at) >= d.window {
			delete(ring, hash)
		}
	}
	if len(ring) == 0 {
		delete(d.seen, channelID)
		return false
	}
	_, ok := ring[h]
	return ok
}

// Remember records a successful send of the payload to the channel.
func (d *Dedup) Remember(channelID, normalized string) {
	h := sha256.Sum256([]byte(normalized))
	d.mu.Lock()
	defer d.mu.Unlock()
	ring := d.seen[channelID]
	if ring == nil {
		ring = make(map[[sha256.Size]byte]time.Time)
		d.seen[channelID] = ring
	}
	ring[h] = d.now()
}

// Forget drops all dedup state for a channel.
func (d *Dedup) Forget(channelID string) {
	d.mu.Lock()
	delete(d.seen, channelID)
	d.mu.Unlock()
}
