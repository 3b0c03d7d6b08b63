package pipeline

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themis-data/enrich-cli/internal/cache"
	"github.com/themis-data/enrich-cli/internal/classifier"
	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/dedup"
	"github.com/themis-data/enrich-cli/internal/learning"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/ratelimit"
	"github.com/themis-data/enrich-cli/internal/registry"
	"github.com/themis-data/enrich-cli/internal/sources"
	"github.com/themis-data/enrich-cli/internal/store"
	"github.com/themis-data/enrich-cli/pkg/embeddings"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.oneVector(text)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return f.oneVector(text), nil
}

func (f *fakeEmbedder) oneVector(text string) []float32 {
	if v, ok := f.vectors[text]; ok {
		return v
	}
	return []float32{0, 0}
}

type stubSource struct {
	name    string
	info    registry.SourceInfo
	enabled bool
	result  *registry.Result
	err     error
	calls   atomic.Int32
}

func (s *stubSource) Name() string                        { return s.name }
func (s *stubSource) Info() registry.SourceInfo           { return s.info }
func (s *stubSource) Enabled() bool                       { return s.enabled }
func (s *stubSource) Initialize(ctx context.Context) error { return nil }

func (s *stubSource) Enrich(ctx context.Context, item model.CandidateItem, ec registry.EnrichContext) (*registry.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.result == nil {
		return nil, nil
	}
	res := *s.result
	return &res, nil
}

func universalStub(name string) *stubSource {
	return &stubSource{
		name:    name,
		enabled: true,
		info: registry.SourceInfo{
			Name:             name,
			Sectors:          []string{registry.SectorAny},
			Priority:         1,
			ConfidenceWeight: 0.8,
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Classifier: config.ClassifierConfig{SemanticEnabled: false},
		Dedup:      config.DedupConfig{FuzzyThreshold: 0.85, SemanticThreshold: 0.92},
		Cache:      config.CacheConfig{L1MaxEntries: 100, L1CeilingSecs: 300, DefaultTTLSecs: 3600},
		Learning:   config.LearningConfig{AutoApplyThreshold: 0.9, RuleMinConfidence: 0.7, DecayHalfLifeDays: 180},
		Pipeline: config.PipelineConfig{
			MaxConcurrentItems:      1,
			DefaultTenant:           "default",
			BreakerFailureThreshold: 2,
			BreakerResetSecs:        30,
		},
	}
}

// newTestPipeline wires a pipeline over a throwaway SQLite store with
// the given sources registered. The embedder may be nil for
// keyword/fuzzy-only behavior.
func newTestPipeline(t *testing.T, cfg *config.Config, embedder embeddings.Client, srcs ...registry.EnrichmentSource) (*Pipeline, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	cls, err := classifier.New(cfg.Classifier, embedder)
	require.NoError(t, err)
	deduper, err := dedup.New(cfg.Dedup, embedder)
	require.NoError(t, err)

	reg := registry.NewRegistry()
	for _, src := range srcs {
		reg.Register(src)
	}

	p := New(
		cfg,
		st,
		cls,
		reg,
		ratelimit.NewLimiter(st),
		cache.New(st, cfg.Cache),
		deduper,
		learning.New(st, embedder, cfg.Learning),
	)
	return p, st
}

func TestRun_EndToEndMergesAliasedDuplicates(t *testing.T) {
	t.Parallel()

	catalog, err := sources.NewCatalogDB(config.CatalogDBConfig{Enabled: true})
	require.NoError(t, err)
	p, st := newTestPipeline(t, testConfig(), nil, catalog)

	items := []model.CandidateItem{
		{Name: "Amazon EC2", Description: "Cloud compute capacity for the data platform"},
		{Name: "AWS EC2", Description: "EC2 cloud servers"},
		{Name: "EC2 compute"},
	}

	res, err := p.Run(context.Background(), "acme-corp", items)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	item := res.Items[0]
	assert.Equal(t, "Amazon EC2", item.Name)
	assert.Equal(t, "Amazon Web Services", item.Vendor)
	assert.Equal(t, "Cloud Compute", item.Category)
	require.NotNil(t, item.Sector)
	assert.Equal(t, "it_software", item.Sector.Sector)
	assert.GreaterOrEqual(t, item.Sector.Confidence, 0.5)

	prov, ok := item.ProvenanceFor(model.FieldVendor)
	require.True(t, ok)
	assert.Equal(t, "catalogdb", prov.Source)
	assert.Equal(t, 0.9, prov.Confidence)

	assert.Len(t, res.Merges, 2)
	assert.Equal(t, 3, res.Report.ItemsIn)
	assert.Equal(t, 1, res.Report.ItemsOut)
	assert.Equal(t, 2, res.Report.DuplicatesMerged)
	assert.Equal(t, 3, res.Report.Sectors["it_software"])
	assert.Equal(t, 3, res.Report.SourceCalls["catalogdb"])

	reports, err := st.ListBatchReports(context.Background(), "acme-corp", time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, res.Report.ID, reports[0].ID)
	assert.Equal(t, 2, reports[0].DuplicatesMerged)
}

func TestRun_SourceFailureStaysInsideItem(t *testing.T) {
	t.Parallel()

	src := universalStub("flaky")
	src.err = eris.New("auth rejected")
	p, _ := newTestPipeline(t, testConfig(), nil, src)

	items := []model.CandidateItem{
		{Name: "Red Tractor Rental"},
		{Name: "Quantum Flux Capacitor"},
	}

	res, err := p.Run(context.Background(), "acme-corp", items)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Empty(t, res.Items[0].Vendor)
	assert.Equal(t, 2, res.Report.DegradedEvents)
	assert.Equal(t, 2, res.Report.SourceCalls["flaky"])
}

func TestRun_BreakerSkipsSourceAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	src := universalStub("flaky")
	src.err = eris.New("connection reset by peer")
	p, _ := newTestPipeline(t, testConfig(), nil, src)

	items := []model.CandidateItem{
		{Name: "Red Tractor Rental"},
		{Name: "Quantum Flux Capacitor"},
		{Name: "Marble Countertop Install"},
		{Name: "Office Plant Service"},
		{Name: "Annual Elevator Inspection"},
	}

	res, err := p.Run(context.Background(), "acme-corp", items)
	require.NoError(t, err)
	require.Len(t, res.Items, 5)

	// Threshold is 2: two real calls trip the breaker, the remaining
	// three items skip the source during cooldown.
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, 2, res.Report.SourceCalls["flaky"])
	assert.Equal(t, 5, res.Report.DegradedEvents)
}

func TestRun_CacheServesRepeatedLookups(t *testing.T) {
	t.Parallel()

	src := universalStub("catalog-api")
	src.info.CacheTTL = time.Hour
	src.result = &registry.Result{
		Source:     "catalog-api",
		Fields:     registry.FieldPatch{Vendor: "Initech"},
		Confidence: 0.8,
	}
	p, _ := newTestPipeline(t, testConfig(), nil, src)

	items := []model.CandidateItem{
		{Name: "Widgetron 3000"},
		{Name: "Widgetron 3000"},
	}

	res, err := p.Run(context.Background(), "acme-corp", items)
	require.NoError(t, err)

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1, res.Report.CacheMisses)
	assert.Equal(t, 1, res.Report.CacheHits)
	assert.Equal(t, 1, res.Report.SourceCalls["catalog-api"])

	// Identical names then collapse in the dedup pass.
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Initech", res.Items[0].Vendor)
}

func TestRun_QuotaDenialSkipsSource(t *testing.T) {
	t.Parallel()

	src := universalStub("metered")
	src.info.RateLimit = &ratelimit.Config{Max: 1, Window: time.Hour}
	src.result = &registry.Result{
		Source:     "metered",
		Fields:     registry.FieldPatch{Category: "Equipment"},
		Confidence: 0.8,
	}
	p, _ := newTestPipeline(t, testConfig(), nil, src)

	items := []model.CandidateItem{
		{Name: "Red Tractor Rental"},
		{Name: "Quantum Flux Capacitor"},
		{Name: "Marble Countertop Install"},
	}

	res, err := p.Run(context.Background(), "acme-corp", items)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 2, res.Report.RateLimited)

	enrichedCount := 0
	for _, item := range res.Items {
		if item.Category != "" {
			enrichedCount++
		}
	}
	assert.Equal(t, 1, enrichedCount)
}

func TestRun_AppliesLearnedCorrections(t *testing.T) {
	t.Parallel()

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Acme Analytics Basic":  {1, 0},
		"Acme Analytics Pro":    {1, 0},
		"Acme Analytics Server": {1, 0},
		"Acme Analytics Suite":  {1, 0},
	}}
	cfg := testConfig()
	p, st := newTestPipeline(t, cfg, embedder)

	learner := learning.New(st, embedder, cfg.Learning)
	ctx := context.Background()
	for _, name := range []string{"Acme Analytics Basic", "Acme Analytics Pro", "Acme Analytics Server"} {
		recorded, err := learner.RecordCorrection(ctx, "acme-corp",
			model.CandidateItem{Name: name},
			model.CandidateItem{Name: name, Category: "Business Intelligence"},
			learning.RecordOptions{},
		)
		require.NoError(t, err)
		require.True(t, recorded)
	}

	res, err := p.Run(ctx, "acme-corp", []model.CandidateItem{{Name: "Acme Analytics Suite"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	item := res.Items[0]
	assert.Equal(t, "Business Intelligence", item.Category)
	prov, ok := item.ProvenanceFor(model.FieldCategory)
	require.True(t, ok)
	assert.Equal(t, "learning:similar_items", prov.Source)
	assert.Equal(t, 1, res.Report.SuggestionsApplied)
}

func TestRun_EmptyBatch(t *testing.T) {
	t.Parallel()

	p, st := newTestPipeline(t, testConfig(), nil)
	res, err := p.Run(context.Background(), "", nil)

	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, "default", res.Report.Tenant)

	reports, err := st.ListBatchReports(context.Background(), "default", time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reports, "empty batches are not persisted")
}

func TestRun_DefaultTenantApplied(t *testing.T) {
	t.Parallel()

	src := universalStub("noop")
	p, st := newTestPipeline(t, testConfig(), nil, src)

	res, err := p.Run(context.Background(), "", []model.CandidateItem{{Name: "Standing Desk"}})
	require.NoError(t, err)
	assert.Equal(t, "default", res.Report.Tenant)

	reports, err := st.ListBatchReports(context.Background(), "default", time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestRun_ContextCancellation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, testConfig(), nil, universalStub("noop"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, "acme-corp", []model.CandidateItem{{Name: "Standing Desk"}})
	require.Error(t, err)
}
