package ingest

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/blake2b"

	"github.com/example/attendance-tracker/internal/matching"
)

// WindowCache is a set of dedup keys with time-bounded membership. A key is
// a member for window after it was recorded. Expired keys are not removed on
// read; they are pruned in bulk once the cache grows beyond maxKeys.
type WindowCache struct {
	mu      sync.Mutex
	items   *cache.Cache
	window  time.Duration
	maxKeys int
	now     func() time.Time
}

// NewWindowCache builds a cache. Non-positive values fall back to a 5s window
// and 200 keys.
func NewWindowCache(window time.Duration, maxKeys int, now func() time.Time) *WindowCache {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if now == nil {
		now = time.Now
	}
	// Expiry is tracked against the injected clock, so go-cache never expires
	// items on its own and runs no janitor.
	return &WindowCache{
		items:   cache.New(cache.NoExpiration, 0),
		window:  window,
		maxKeys: maxKeys,
		now:     now,
	}
}

// Observe records key and reports whether it had already been recorded
// within the window. A duplicate does not refresh the original timestamp.
func (c *WindowCache) Observe(key string) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if value, ok := c.items.Get(key); ok {
		if seenAt, ok := value.(time.Time); ok && now.Sub(seenAt) < c.window {
			return true
		}
	}

	c.items.Set(key, now, cache.NoExpiration)
	if c.items.ItemCount() > c.maxKeys {
		c.pruneLocked(now)
	}
	return false
}

// Len returns the number of keys currently held, expired or not.
func (c *WindowCache) Len() int {
	return c.items.ItemCount()
}

func (c *WindowCache) pruneLocked(now time.Time) {
	for key, item := range c.items.Items() {
		seenAt, ok := item.Object.(time.Time)
		if !ok || now.Sub(seenAt) >= c.window {
			c.items.Delete(key)
		}
	}
}

// Key derives the dedup key for an event from its type, normalized
// participant name and the type-specific payload fields.
func Key(ev Event) string {
	parts := []string{string(ev.Type), matching.Normalize(ev.ParticipantName)}
	switch ev.Type {
	case EventReaction:
		parts = append(parts, ev.Data["emoji"])
	case EventChat:
		parts = append(parts, ev.Data["message"])
	case EventCameraToggle, EventMicToggle, EventScreenShare, EventHandRaise:
		parts = append(parts, ev.Data["state"])
	}

	hash, _ := blake2b.New256(nil)
	for _, part := range parts {
		hash.Write([]byte(part))
		hash.Write([]byte{0x1f})
	}
	return hex.EncodeToString(hash.Sum(nil))
}
