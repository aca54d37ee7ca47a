// Package dedup suppresses events that two real-time channels deliver more than once.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultWindow     = 30 * time.Second
	DefaultMaxEntries = 100
)

// Key identifies one logical event. Empty fields are allowed; a key with
// neither RawID nor Fingerprint is never suppressed.
type Key struct {
	Channel     string
	Contact     string
	RawID       string
	Fingerprint string
}

func (k Key) empty() bool {
	return k.RawID == "" && k.Fingerprint == ""
}

func (k Key) String() string {
	return strings.Join([]string{k.Channel, k.Contact, k.RawID, k.Fingerprint}, "|")
}

// Fingerprint hashes message content so retransmits with new ids still collide.
func Fingerprint(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// Cache is a bounded, time-windowed set of recently seen keys.
type Cache struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	now        func() time.Time
	seen       map[string]time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache; non-positive arguments fall back to the defaults.
func New(window time.Duration, maxEntries int, opts ...Option) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldSuppress reports whether key was remembered within the window.
func (c *Cache) ShouldSuppress(key Key) bool {
	if key.empty() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitLocked(key.String(), c.now())
}

// Remember records key as seen now.
func (c *Cache) Remember(key Key) {
	if key.empty() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rememberLocked(key.String(), c.now())
}

// Seen checks and remembers in one step: it returns true for a duplicate,
// otherwise records the key and returns false.
func (c *Cache) Seen(key Key) bool {
	if key.empty() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id := key.String()
	now := c.now()
	if c.hitLocked(id, now) {
		return true
	}
	c.rememberLocked(id, now)
	return false
}

// Len returns the number of tracked keys, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) hitLocked(id string, now time.Time) bool {
	at, ok := c.seen[id]
	if !ok {
		return false
	}
	if now.Sub(at) > c.window {
		delete(c.seen, id)
		return false
	}
	return true
}

func (c *Cache) rememberLocked(id string, now time.Time) {
	c.seen[id] = now
	if len(c.seen) <= c.maxEntries {
		return
	}

	for k, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, k)
		}
	}
	if len(c.seen) <= c.maxEntries {
		return
	}

	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(c.seen))
	for k, at := range c.seen {
		all = append(all, aged{id: k, at: at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, item := range all[:len(all)-c.maxEntries] {
		delete(c.seen, item.id)
	}
}
