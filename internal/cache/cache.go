// Package cache implements the two-tier response cache for external
// source payloads: a small in-process L1 map in front of the durable
// store. The durable copy is the source of truth; L1 is a short-lived
// shortcut. Store failures degrade to cache misses, never to errors.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/store"
)

const (
	defaultL1MaxEntries = 1000
	defaultL1Ceiling    = 5 * time.Minute
	defaultTTL          = time.Hour
	// evictDivisor controls how much of L1 is dropped when full:
	// one entry per evictDivisor of capacity, oldest expiry first.
	evictDivisor = 10
)

type l1Entry struct {
	payload   []byte
	expiresAt time.Time
}

// ResponseCache is the two-tier cache. Safe for concurrent use.
type ResponseCache struct {
	store      store.Store
	now        func() time.Time
	maxEntries int
	ceiling    time.Duration
	defaultTTL time.Duration

	mu sync.Mutex
	l1 map[string]l1Entry
}

// New builds a ResponseCache over the durable store. Zero config
// values fall back to defaults (1000 entries, 5m L1 ceiling, 1h TTL).
func New(st store.Store, cfg config.CacheConfig) *ResponseCache {
	maxEntries := cfg.L1MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultL1MaxEntries
	}
	ceiling := time.Duration(cfg.L1CeilingSecs) * time.Second
	if ceiling <= 0 {
		ceiling = defaultL1Ceiling
	}
	ttl := time.Duration(cfg.DefaultTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ResponseCache{
		store:      st,
		now:        time.Now,
		maxEntries: maxEntries,
		ceiling:    ceiling,
		defaultTTL: ttl,
		l1:         make(map[string]l1Entry),
	}
}

// hashKey derives the fixed-length L2 key for a raw cache key.
func hashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func l1Key(source, rawKey string) string {
	return source + ":" + rawKey
}

// Get returns the cached payload for (source, key), checking L1 first
// and falling back to the durable tier. An L2 hit is promoted into L1
// and its hit counter bumped asynchronously. Any store error is logged
// and reported as a miss.
func (c *ResponseCache) Get(ctx context.Context, source, key string) ([]byte, bool) {
	lk := l1Key(source, key)

	c.mu.Lock()
	if entry, ok := c.l1[lk]; ok {
		if entry.expiresAt.After(c.now()) {
			c.mu.Unlock()
			return entry.payload, true
		}
		delete(c.l1, lk)
	}
	c.mu.Unlock()

	entry, err := c.store.GetCacheEntry(ctx, source, hashKey(key))
	if err != nil {
		zap.L().Warn("cache: durable read failed, treating as miss",
			zap.String("source", source),
			zap.Error(err),
		)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}

	// Count the hit off the request path.
	go func(source, keyHash string) {
		if err := c.store.BumpCacheHit(context.Background(), source, keyHash); err != nil {
			zap.L().Debug("cache: hit-count bump failed",
				zap.String("source", source),
				zap.Error(err),
			)
		}
	}(entry.Source, entry.KeyHash)

	c.promote(lk, entry.Payload, entry.ExpiresAt)
	return entry.Payload, true
}

// Set stores a payload in both tiers. The L1 copy's TTL is capped at
// the ceiling regardless of the requested TTL; the durable copy keeps
// the caller's TTL. Durable write failures are logged and swallowed:
// the worst case is a re-fetch.
func (c *ResponseCache) Set(ctx context.Context, source, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.putL1(l1Key(source, key), payload, min(ttl, c.ceiling))

	if err := c.store.SetCacheEntry(ctx, source, hashKey(key), payload, ttl); err != nil {
		zap.L().Warn("cache: durable write failed",
			zap.String("source", source),
			zap.Error(err),
		)
	}
}

// Delete removes an entry from both tiers.
func (c *ResponseCache) Delete(ctx context.Context, source, key string) error {
	c.mu.Lock()
	delete(c.l1, l1Key(source, key))
	c.mu.Unlock()
	return c.store.DeleteCacheEntry(ctx, source, hashKey(key))
}

// ClearSource drops every entry belonging to a source from both tiers
// and returns how many durable rows were removed.
func (c *ResponseCache) ClearSource(ctx context.Context, source string) (int, error) {
	prefix := source + ":"
	c.mu.Lock()
	for k := range c.l1 {
		if strings.HasPrefix(k, prefix) {
			delete(c.l1, k)
		}
	}
	c.mu.Unlock()
	return c.store.ClearCacheSource(ctx, source)
}

// promote installs an L2 hit into L1, keeping the shorter of the
// entry's remaining lifetime and the L1 ceiling.
func (c *ResponseCache) promote(lk string, payload []byte, expiresAt time.Time) {
	remaining := expiresAt.Sub(c.now())
	if remaining <= 0 {
		return
	}
	c.putL1(lk, payload, min(remaining, c.ceiling))
}

func (c *ResponseCache) putL1(lk string, payload []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.l1[lk]; !exists && len(c.l1) >= c.maxEntries {
		c.evictLocked()
	}
	c.l1[lk] = l1Entry{payload: payload, expiresAt: c.now().Add(ttl)}
}

// evictLocked drops the tenth of L1 closest to expiry (at least one
// entry). Callers must hold the mutex.
func (c *ResponseCache) evictLocked() {
	type keyed struct {
		key       string
		expiresAt time.Time
	}
	entries := make([]keyed, 0, len(c.l1))
	for k, e := range c.l1 {
		entries = append(entries, keyed{key: k, expiresAt: e.expiresAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].expiresAt.Before(entries[j].expiresAt)
	})

	n := max(c.maxEntries/evictDivisor, 1)
	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		delete(c.l1, e.key)
	}
	zap.L().Debug("cache: evicted oldest entries from process tier",
		zap.Int("evicted", n),
		zap.Int("remaining", len(c.l1)),
	)
}
