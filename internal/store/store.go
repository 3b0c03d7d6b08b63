package store

import (
	"context"
	"time"

	"github.com/themis-data/enrich-cli/internal/model"
)

// WindowKey identifies one rate-limit counting window. Tenant is empty
// for globally scoped limits. WindowStart is the floor of the current
// time to the window length, in milliseconds since epoch, so the same
// instant always maps to the same row.
type WindowKey struct {
	Source      string
	Tenant      string
	WindowStart int64
}

// CacheEntry is one durable response-cache row.
type CacheEntry struct {
	Source    string
	KeyHash   string
	Payload   []byte
	HitCount  int
	ExpiresAt time.Time
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	Field string
	Limit int
}

// Store defines the persistence interface for the enrichment engine.
// Implementations must keep every write single-row; nothing in the
// engine relies on multi-statement transactions.
type Store interface {
	// Rate-limit windows
	IncrementWindow(ctx context.Context, key WindowKey, max int) (count int, allowed bool, err error)
	GetWindowCount(ctx context.Context, key WindowKey) (int, error)
	RecordWindow(ctx context.Context, key WindowKey) (int, error)
	DeleteWindowsBefore(ctx context.Context, windowStart int64) (int, error)

	// Response cache
	GetCacheEntry(ctx context.Context, source, keyHash string) (*CacheEntry, error)
	SetCacheEntry(ctx context.Context, source, keyHash string, payload []byte, ttl time.Duration) error
	DeleteCacheEntry(ctx context.Context, source, keyHash string) error
	ClearCacheSource(ctx context.Context, source string) (int, error)
	BumpCacheHit(ctx context.Context, source, keyHash string) error
	DeleteExpiredCacheEntries(ctx context.Context) (int, error)
	CountCacheEntries(ctx context.Context) (int, error)

	// Corrections (append-only)
	InsertCorrection(ctx context.Context, rec model.CorrectionRecord) error
	ListCorrections(ctx context.Context, tenant string, limit int) ([]model.CorrectionRecord, error)
	CountCorrections(ctx context.Context, tenant string) (int, error)

	// Transformation rules
	ReinforceRule(ctx context.Context, tenant, field, fromValue, toValue string) (*model.TransformationRule, error)
	ListRules(ctx context.Context, tenant string, filter RuleFilter) ([]model.TransformationRule, error)
	PruneRulesBefore(ctx context.Context, tenant string, lastReinforcedBefore time.Time) (int, error)

	// Batch reports
	InsertBatchReport(ctx context.Context, report model.BatchReport) error
	ListBatchReports(ctx context.Context, tenant string, since time.Time, limit int) ([]model.BatchReport, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
