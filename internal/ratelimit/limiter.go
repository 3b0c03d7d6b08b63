// Package ratelimit implements fixed-window request quotas over the
// durable store, with an in-process shadow cache for cheap admission
// previews. Store outages fail open: a broken counter store degrades
// to "unlimited", never to "blocked".
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/store"
)

// shadowTTL bounds how long a cached window count is trusted before
// the durable counter is consulted again.
const shadowTTL = 10 * time.Second

// shadowMaxEntries triggers a prune of stale shadow entries.
const shadowMaxEntries = 1024

// Config describes one source's quota.
type Config struct {
	Max       int           `json:"max" yaml:"max"`
	Window    time.Duration `json:"window" yaml:"window"`
	PerTenant bool          `json:"per_tenant" yaml:"per_tenant"`
}

// Unlimited reports whether the config imposes no quota at all.
func (c *Config) Unlimited() bool {
	return c == nil || c.Max <= 0 || c.Window <= 0
}

// Decision is the outcome of an admission check. Remaining is -1 when
// the quota is unbounded or unknown (fail-open).
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type shadowEntry struct {
	count   int
	fetched time.Time
}

// Limiter gates source calls against fixed wall-clock-aligned windows.
// Safe for concurrent use.
type Limiter struct {
	store store.Store
	now   func() time.Time

	mu     sync.Mutex
	shadow map[store.WindowKey]shadowEntry
}

// NewLimiter creates a Limiter over the given store.
func NewLimiter(st store.Store) *Limiter {
	return &Limiter{
		store:  st,
		now:    time.Now,
		shadow: make(map[store.WindowKey]shadowEntry),
	}
}

// key derives the counter row for a source call. Tenant scoping only
// applies when the config asks for it.
func (l *Limiter) key(source string, cfg *Config, tenant string) store.WindowKey {
	if !cfg.PerTenant {
		tenant = ""
	}
	windowMs := cfg.Window.Milliseconds()
	nowMs := l.now().UnixMilli()
	return store.WindowKey{
		Source:      source,
		Tenant:      tenant,
		WindowStart: nowMs / windowMs * windowMs,
	}
}

func (l *Limiter) resetAt(key store.WindowKey, cfg *Config) time.Time {
	return time.UnixMilli(key.WindowStart + cfg.Window.Milliseconds())
}

// Check previews admission without consuming quota. It trusts a
// recently fetched shadow count to avoid a store round trip on every
// call; on shadow miss it reads the durable counter.
func (l *Limiter) Check(ctx context.Context, source string, cfg *Config, tenant string) Decision {
	if cfg.Unlimited() {
		return Decision{Allowed: true, Remaining: -1}
	}
	key := l.key(source, cfg, tenant)

	count, ok := l.shadowGet(key)
	if !ok {
		var err error
		count, err = l.store.GetWindowCount(ctx, key)
		if err != nil {
			zap.L().Warn("ratelimit: window read failed, failing open",
				zap.String("source", source),
				zap.Error(err),
			)
			return Decision{Allowed: true, Remaining: -1, ResetAt: l.resetAt(key, cfg)}
		}
		l.shadowSet(key, count)
	}

	return Decision{
		Allowed:   count < cfg.Max,
		Remaining: max(cfg.Max-count, 0),
		ResetAt:   l.resetAt(key, cfg),
	}
}

// Record counts one confirmed use against the window without checking
// the quota. Callers pairing Check with Record accept the check-then-act
// gap; use Reserve for an atomic gate.
func (l *Limiter) Record(ctx context.Context, source string, cfg *Config, tenant string) {
	if cfg.Unlimited() {
		return
	}
	key := l.key(source, cfg, tenant)

	count, err := l.store.RecordWindow(ctx, key)
	if err != nil {
		zap.L().Warn("ratelimit: window increment failed",
			zap.String("source", source),
			zap.Error(err),
		)
		return
	}
	l.shadowSet(key, count)
}

// Reserve atomically consumes one unit of quota if the window is below
// its limit. The single conditional upsert closes the check-then-act
// race between concurrent callers.
func (l *Limiter) Reserve(ctx context.Context, source string, cfg *Config, tenant string) Decision {
	if cfg.Unlimited() {
		return Decision{Allowed: true, Remaining: -1}
	}
	key := l.key(source, cfg, tenant)

	count, allowed, err := l.store.IncrementWindow(ctx, key, cfg.Max)
	if err != nil {
		zap.L().Warn("ratelimit: atomic reserve failed, failing open",
			zap.String("source", source),
			zap.Error(err),
		)
		return Decision{Allowed: true, Remaining: -1, ResetAt: l.resetAt(key, cfg)}
	}
	l.shadowSet(key, count)

	return Decision{
		Allowed:   allowed,
		Remaining: max(cfg.Max-count, 0),
		ResetAt:   l.resetAt(key, cfg),
	}
}

func (l *Limiter) shadowGet(key store.WindowKey) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.shadow[key]
	if !ok || l.now().Sub(entry.fetched) > shadowTTL {
		return 0, false
	}
	return entry.count, true
}

func (l *Limiter) shadowSet(key store.WindowKey, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.shadow) >= shadowMaxEntries {
		cutoff := l.now().Add(-shadowTTL)
		for k, e := range l.shadow {
			if e.fetched.Before(cutoff) {
				delete(l.shadow, k)
			}
		}
	}
	l.shadow[key] = shadowEntry{count: count, fetched: l.now()}
}
