package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/themis-data/enrich-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Batch metrics (within lookback window).
	BatchCount         int            `json:"batch_count"`
	ItemsIn            int            `json:"items_in"`
	ItemsOut           int            `json:"items_out"`
	DuplicatesMerged   int            `json:"duplicates_merged"`
	SuggestionsApplied int            `json:"suggestions_applied"`
	SuggestionsOpen    int            `json:"suggestions_open"`
	CacheHits          int            `json:"cache_hits"`
	CacheMisses        int            `json:"cache_misses"`
	CacheHitRate       float64        `json:"cache_hit_rate"`
	RateLimited        int            `json:"rate_limited"`
	DegradedEvents     int            `json:"degraded_events"`
	AvgBatchMS         int64          `json:"avg_batch_ms"`
	SourceCalls        map[string]int `json:"source_calls,omitempty"`
	Sectors            map[string]int `json:"sectors,omitempty"`

	// Learning state (tenant scoped, not windowed).
	Corrections int `json:"corrections"`
	Rules       int `json:"rules"`

	// Durable response-cache rows across all sources.
	CacheEntries int `json:"cache_entries"`

	// Metadata.
	Tenant        string    `json:"tenant,omitempty"`
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window. An empty
// tenant aggregates batch reports across all tenants; correction and
// rule counts are tenant scoped and stay zero in that case.
func (c *Collector) Collect(ctx context.Context, tenant string, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		Tenant:        tenant,
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
		SourceCalls:   make(map[string]int),
		Sectors:       make(map[string]int),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	reports, err := c.store.ListBatchReports(ctx, tenant, cutoff, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batch reports")
	}

	snap.BatchCount = len(reports)
	var totalDuration int64
	for _, r := range reports {
		snap.ItemsIn += r.ItemsIn
		snap.ItemsOut += r.ItemsOut
		snap.DuplicatesMerged += r.DuplicatesMerged
		snap.SuggestionsApplied += r.SuggestionsApplied
		snap.SuggestionsOpen += r.SuggestionsOpen
		snap.CacheHits += r.CacheHits
		snap.CacheMisses += r.CacheMisses
		snap.RateLimited += r.RateLimited
		snap.DegradedEvents += r.DegradedEvents
		totalDuration += r.DurationMS
		for name, n := range r.SourceCalls {
			snap.SourceCalls[name] += n
		}
		for sector, n := range r.Sectors {
			snap.Sectors[sector] += n
		}
	}

	if lookups := snap.CacheHits + snap.CacheMisses; lookups > 0 {
		snap.CacheHitRate = float64(snap.CacheHits) / float64(lookups)
	}
	if snap.BatchCount > 0 {
		snap.AvgBatchMS = totalDuration / int64(snap.BatchCount)
	}

	// Learning state.
	if tenant != "" {
		corrections, err := c.store.CountCorrections(ctx, tenant)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count corrections")
		}
		snap.Corrections = corrections

		rules, err := c.store.ListRules(ctx, tenant, store.RuleFilter{Limit: 10000})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list rules")
		}
		snap.Rules = len(rules)
	}

	// Cache size.
	entries, err := c.store.CountCacheEntries(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count cache entries")
	}
	snap.CacheEntries = entries

	return snap, nil
}
