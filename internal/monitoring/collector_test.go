package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/store"
)

// mockStore implements store.Store for testing.
type mockStore struct {
	reports      []model.BatchReport
	corrections  map[string]int
	rules        map[string][]model.TransformationRule
	cacheEntries int
	listErr      error
}

func (m *mockStore) ListBatchReports(_ context.Context, tenant string, since time.Time, _ int) ([]model.BatchReport, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var filtered []model.BatchReport
	for _, r := range m.reports {
		if r.StartedAt.Before(since) {
			continue
		}
		if tenant != "" && r.Tenant != tenant {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

func (m *mockStore) CountCorrections(_ context.Context, tenant string) (int, error) {
	return m.corrections[tenant], nil
}

func (m *mockStore) ListRules(_ context.Context, tenant string, _ store.RuleFilter) ([]model.TransformationRule, error) {
	return m.rules[tenant], nil
}

func (m *mockStore) CountCacheEntries(_ context.Context) (int, error) {
	return m.cacheEntries, nil
}

// Unused store methods, present to satisfy the interface.
func (m *mockStore) IncrementWindow(context.Context, store.WindowKey, int) (int, bool, error) {
	return 0, true, nil
}
func (m *mockStore) GetWindowCount(context.Context, store.WindowKey) (int, error) { return 0, nil }
func (m *mockStore) RecordWindow(context.Context, store.WindowKey) (int, error)  { return 0, nil }
func (m *mockStore) DeleteWindowsBefore(context.Context, int64) (int, error)     { return 0, nil }
func (m *mockStore) GetCacheEntry(context.Context, string, string) (*store.CacheEntry, error) {
	return nil, nil
}
func (m *mockStore) SetCacheEntry(context.Context, string, string, []byte, time.Duration) error {
	return nil
}
func (m *mockStore) DeleteCacheEntry(context.Context, string, string) error  { return nil }
func (m *mockStore) ClearCacheSource(context.Context, string) (int, error)   { return 0, nil }
func (m *mockStore) BumpCacheHit(context.Context, string, string) error      { return nil }
func (m *mockStore) DeleteExpiredCacheEntries(context.Context) (int, error)  { return 0, nil }
func (m *mockStore) InsertCorrection(context.Context, model.CorrectionRecord) error {
	return nil
}
func (m *mockStore) ListCorrections(context.Context, string, int) ([]model.CorrectionRecord, error) {
	return nil, nil
}
func (m *mockStore) ReinforceRule(context.Context, string, string, string, string) (*model.TransformationRule, error) {
	return nil, nil
}
func (m *mockStore) PruneRulesBefore(context.Context, string, time.Time) (int, error) {
	return 0, nil
}
func (m *mockStore) InsertBatchReport(context.Context, model.BatchReport) error { return nil }
func (m *mockStore) Migrate(context.Context) error                              { return nil }
func (m *mockStore) Close() error                                               { return nil }

func seedReports(now time.Time) []model.BatchReport {
	return []model.BatchReport{
		{
			ID: "b1", Tenant: "acme", StartedAt: now.Add(-1 * time.Hour),
			ItemsIn: 10, ItemsOut: 8, DuplicatesMerged: 2,
			SuggestionsApplied: 1, SuggestionsOpen: 3,
			CacheHits: 4, CacheMisses: 6, RateLimited: 1,
			DurationMS:  200,
			SourceCalls: map[string]int{"catalogdb": 5, "wikidata": 3},
			Sectors:     map[string]int{"it_software": 7, "unknown": 1},
		},
		{
			ID: "b2", Tenant: "acme", StartedAt: now.Add(-2 * time.Hour),
			ItemsIn: 6, ItemsOut: 6, SuggestionsOpen: 1,
			CacheHits: 6, DegradedEvents: 2, DurationMS: 100,
			SourceCalls: map[string]int{"wikidata": 2},
			Sectors:     map[string]int{"it_software": 6},
		},
		{
			ID: "b3", Tenant: "globex", StartedAt: now.Add(-3 * time.Hour),
			ItemsIn: 4, ItemsOut: 3, DuplicatesMerged: 1, SuggestionsApplied: 1,
			CacheMisses: 4, RateLimited: 2, DegradedEvents: 1, DurationMS: 300,
			SourceCalls: map[string]int{"openfoodfacts": 4},
			Sectors:     map[string]int{"food_beverage": 4},
		},
		// Outside the lookback window.
		{
			ID: "b4", Tenant: "acme", StartedAt: now.Add(-48 * time.Hour),
			ItemsIn: 100, ItemsOut: 100, CacheHits: 100,
		},
	}
}

func TestCollector_EmptyStore(t *testing.T) {
	st := &mockStore{}
	c := NewCollector(st)

	snap, err := c.Collect(context.Background(), "acme", 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.BatchCount)
	assert.Equal(t, 0, snap.ItemsIn)
	assert.Equal(t, 0.0, snap.CacheHitRate)
	assert.Equal(t, int64(0), snap.AvgBatchMS)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, "acme", snap.Tenant)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_AggregatesWindow(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		reports:      seedReports(now),
		cacheEntries: 42,
	}

	c := NewCollector(st)
	snap, err := c.Collect(context.Background(), "", 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.BatchCount)
	assert.Equal(t, 20, snap.ItemsIn)
	assert.Equal(t, 17, snap.ItemsOut)
	assert.Equal(t, 3, snap.DuplicatesMerged)
	assert.Equal(t, 2, snap.SuggestionsApplied)
	assert.Equal(t, 4, snap.SuggestionsOpen)
	assert.Equal(t, 10, snap.CacheHits)
	assert.Equal(t, 10, snap.CacheMisses)
	assert.InDelta(t, 0.5, snap.CacheHitRate, 0.001)
	assert.Equal(t, 3, snap.RateLimited)
	assert.Equal(t, 3, snap.DegradedEvents)
	assert.Equal(t, int64(200), snap.AvgBatchMS)
	assert.Equal(t, 5, snap.SourceCalls["catalogdb"])
	assert.Equal(t, 5, snap.SourceCalls["wikidata"])
	assert.Equal(t, 4, snap.SourceCalls["openfoodfacts"])
	assert.Equal(t, 13, snap.Sectors["it_software"])
	assert.Equal(t, 4, snap.Sectors["food_beverage"])
	assert.Equal(t, 42, snap.CacheEntries)
}

func TestCollector_TenantScoped(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		reports:     seedReports(now),
		corrections: map[string]int{"acme": 7, "globex": 2},
		rules: map[string][]model.TransformationRule{
			"acme": {{Field: "vendor"}, {Field: "category"}},
		},
	}

	c := NewCollector(st)
	snap, err := c.Collect(context.Background(), "acme", 24)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.BatchCount)
	assert.Equal(t, 16, snap.ItemsIn)
	assert.Equal(t, 10, snap.CacheHits)
	assert.Equal(t, 6, snap.CacheMisses)
	assert.InDelta(t, 0.625, snap.CacheHitRate, 0.001)
	assert.Equal(t, 7, snap.Corrections)
	assert.Equal(t, 2, snap.Rules)
}

func TestCollector_GlobalViewSkipsLearningCounts(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		reports:     seedReports(now),
		corrections: map[string]int{"acme": 7},
		rules: map[string][]model.TransformationRule{
			"acme": {{Field: "vendor"}},
		},
	}

	c := NewCollector(st)
	snap, err := c.Collect(context.Background(), "", 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.Corrections)
	assert.Equal(t, 0, snap.Rules)
}

func TestCollector_ListError(t *testing.T) {
	st := &mockStore{listErr: eris.New("connection refused")}
	c := NewCollector(st)

	_, err := c.Collect(context.Background(), "acme", 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list batch reports")
}
