package cache

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/logging"
)

// Entry is an immutable cached response.
type Entry struct {
	Key         string      `json:"key"`
	Status      int         `json:"status"`
	Headers     http.Header `json:"headers"`
	Body        []byte      `json:"body"` // base64 in the JSON wrapper, binary-safe
	ContentType string      `json:"content_type"`
	UserID      string      `json:"user_id,omitempty"`
	UserIP      string      `json:"user_ip,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	MaxAge      int64       `json:"max_age,omitempty"` // seconds; 0 = cache default
}

// expired reports whether the entry is past its TTL at now. A per-entry
// max age wins over the cache default.
func (e *Entry) expired(now time.Time, maxAge time.Duration) bool {
	if e.MaxAge > 0 {
		maxAge = time.Duration(e.MaxAge) * time.Second
	}
	return now.Sub(e.Timestamp) > maxAge
}

// Cache is the two-tier response cache: a bounded in-memory MRU tier in
// front of a content-addressed disk tier. Both tiers are authoritative.
type Cache struct {
	mru    *lru.Cache[string, *Entry]
	disk   *diskStore
	maxAge time.Duration

	mu sync.Mutex // orders MRU insert before disk write on Set

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache with the given MRU capacity, disk directory and TTL.
func New(mruSize int, dir string, maxAge time.Duration) (*Cache, error) {
	if mruSize <= 0 {
		mruSize = 100
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	mru, err := lru.New[string, *Entry](mruSize)
	if err != nil {
		return nil, err
	}
	disk, err := newDiskStore(dir)
	if err != nil {
		return nil, err
	}
	return &Cache{mru: mru, disk: disk, maxAge: maxAge}, nil
}

// Get looks up a cached response for (method, target, user, ip). The MRU
// tier is consulted first; a disk hit is promoted back into the MRU.
func (c *Cache) Get(method, target, userID, userIP string) (*Entry, bool) {
	key := Key(method, target, userID, userIP)
	now := time.Now()

	if entry, ok := c.mru.Get(key); ok {
		if !entry.expired(now, c.maxAge) {
			c.hits.Add(1)
			return entry, true
		}
		c.mru.Remove(key)
	}

	entry, err := c.disk.read(key)
	if err != nil {
		logging.Warn("dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		c.disk.remove(key)
		c.misses.Add(1)
		return nil, false
	}
	if entry == nil {
		c.misses.Add(1)
		return nil, false
	}
	if entry.expired(now, c.maxAge) {
		c.disk.remove(key)
		c.misses.Add(1)
		return nil, false
	}

	c.mru.Add(key, entry)
	c.hits.Add(1)
	return entry, true
}

// Set stores a response with the cache default TTL. The MRU insert happens
// before the disk write so a Get that starts after Set observes the value.
func (c *Cache) Set(method, target, userID, userIP string, status int, headers http.Header, body []byte, contentType string) *Entry {
	return c.SetWithTTL(method, target, userID, userIP, status, headers, body, contentType, 0)
}

// SetWithTTL stores a response with a per-entry TTL. A ttl of 0 keeps the
// cache default.
func (c *Cache) SetWithTTL(method, target, userID, userIP string, status int, headers http.Header, body []byte, contentType string, ttl time.Duration) *Entry {
	key := Key(method, target, userID, userIP)
	entry := &Entry{
		Key:         key,
		Status:      status,
		Headers:     cloneHeader(headers),
		Body:        body,
		ContentType: contentType,
		UserID:      userID,
		UserIP:      userIP,
		Timestamp:   time.Now(),
		MaxAge:      int64(ttl.Seconds()),
	}

	c.mu.Lock()
	c.mru.Add(key, entry)
	if err := c.disk.write(entry); err != nil {
		logging.Warn("cache disk write failed", zap.String("key", key), zap.Error(err))
	}
	c.mu.Unlock()
	return entry
}

// Cleanup sweeps both tiers, removing expired entries. Intended to run on
// an hourly timer.
func (c *Cache) Cleanup() {
	now := time.Now()
	for _, key := range c.mru.Keys() {
		if entry, ok := c.mru.Peek(key); ok && entry.expired(now, c.maxAge) {
			c.mru.Remove(key)
		}
	}
	c.disk.sweep(now, c.maxAge)
}

// Run starts the periodic cleanup loop; it returns when stop is closed.
func (c *Cache) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-stop:
			return
		}
	}
}

// Stats returns hit/miss counters and the MRU size.
func (c *Cache) Stats() (hits, misses int64, size int) {
	return c.hits.Load(), c.misses.Load(), c.mru.Len()
}

// MaxAge returns the configured entry TTL.
func (c *Cache) MaxAge() time.Duration {
	return c.maxAge
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}
