// Package pipeline orchestrates the enrichment flow: classify each
// item, query the matching sources under breaker/quota/cache gates,
// merge contributions with provenance, deduplicate the batch, and
// apply learned corrections to the survivors.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/themis-data/enrich-cli/internal/cache"
	"github.com/themis-data/enrich-cli/internal/classifier"
	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/dedup"
	"github.com/themis-data/enrich-cli/internal/learning"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/ratelimit"
	"github.com/themis-data/enrich-cli/internal/registry"
	"github.com/themis-data/enrich-cli/internal/resilience"
	"github.com/themis-data/enrich-cli/internal/store"
)

const defaultConcurrency = 4

// Pipeline wires the enrichment stages together. All collaborators are
// injected; the pipeline owns only the per-source circuit breakers.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	classifier *classifier.Classifier
	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	cache      *cache.ResponseCache
	dedup      *dedup.Deduplicator
	learner    *learning.Learner
	breakers   *resilience.SourceBreakers
	now        func() time.Time
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	cls *classifier.Classifier,
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	respCache *cache.ResponseCache,
	deduper *dedup.Deduplicator,
	learner *learning.Learner,
) *Pipeline {
	breakerCfg := resilience.FromCircuitConfig(
		cfg.Pipeline.BreakerFailureThreshold,
		cfg.Pipeline.BreakerResetSecs,
	)
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		classifier: cls,
		registry:   reg,
		limiter:    limiter,
		cache:      respCache,
		dedup:      deduper,
		learner:    learner,
		breakers:   resilience.NewSourceBreakers(breakerCfg),
		now:        time.Now,
	}
}

// BatchResult is the outcome of one pipeline run.
type BatchResult struct {
	Items  []model.CandidateItem `json:"items"`
	Merges []dedup.MergeEvent    `json:"merges,omitempty"`
	Report model.BatchReport     `json:"report"`
}

// Run processes a batch: items fan out concurrently for classification
// and enrichment, then the batch passes through dedup and the learner
// as a whole. Failures stay inside the item or source that caused them;
// Run itself fails only when the context dies.
func (p *Pipeline) Run(ctx context.Context, tenant string, items []model.CandidateItem) (*BatchResult, error) {
	if tenant == "" {
		tenant = p.cfg.Pipeline.DefaultTenant
	}
	batchID := uuid.NewString()
	log := zap.L().With(
		zap.String("tenant", tenant),
		zap.String("batch_id", batchID),
	)

	start := p.now()
	if len(items) == 0 {
		log.Info("pipeline: empty batch, nothing to do")
		return &BatchResult{Report: model.BatchReport{ID: batchID, Tenant: tenant, StartedAt: start.UTC()}}, nil
	}
	log.Info("pipeline: starting batch", zap.Int("items", len(items)))

	stats := newBatchStats()
	enriched := make([]model.CandidateItem, len(items))

	concurrency := p.cfg.Pipeline.MaxConcurrentItems
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range items {
		g.Go(func() error {
			enriched[i] = p.enrichItem(gCtx, tenant, batchID, items[i], stats)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: batch interrupted")
	}

	clusters := p.dedup.FindDuplicates(ctx, enriched)
	merged, events := p.dedup.MergeDuplicates(enriched, clusters)
	if len(events) > 0 {
		log.Info("pipeline: merged duplicates",
			zap.Int("clusters", len(clusters)),
			zap.Int("absorbed", len(events)),
		)
	}

	applied := 0
	for i := range merged {
		res := p.learner.ApplyLearnedCorrections(ctx, tenant, &merged[i])
		applied += len(res.AppliedFields)
	}

	report := stats.report(batchID, tenant, len(items), merged, len(events), applied, start, p.now())
	if err := p.store.InsertBatchReport(ctx, report); err != nil {
		log.Warn("pipeline: failed to persist batch report", zap.Error(err))
	}

	log.Info("pipeline: batch complete",
		zap.Int("items_in", report.ItemsIn),
		zap.Int("items_out", report.ItemsOut),
		zap.Int("duplicates_merged", report.DuplicatesMerged),
		zap.Int("suggestions_applied", report.SuggestionsApplied),
		zap.Int("suggestions_open", report.SuggestionsOpen),
		zap.Int64("duration_ms", report.DurationMS),
	)

	return &BatchResult{Items: merged, Merges: events, Report: report}, nil
}

// batchStats accumulates counters across concurrent item workers.
type batchStats struct {
	mu          sync.Mutex
	sectors     map[string]int
	sourceCalls map[string]int
	cacheHits   int
	cacheMisses int
	rateLimited int
	degraded    int
}

func newBatchStats() *batchStats {
	return &batchStats{
		sectors:     make(map[string]int),
		sourceCalls: make(map[string]int),
	}
}

func (s *batchStats) countSector(sector string) {
	s.mu.Lock()
	s.sectors[sector]++
	s.mu.Unlock()
}

func (s *batchStats) countSourceCall(source string) {
	s.mu.Lock()
	s.sourceCalls[source]++
	s.mu.Unlock()
}

func (s *batchStats) countCacheHit() {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
}

func (s *batchStats) countCacheMiss() {
	s.mu.Lock()
	s.cacheMisses++
	s.mu.Unlock()
}

func (s *batchStats) countRateLimited() {
	s.mu.Lock()
	s.rateLimited++
	s.mu.Unlock()
}

func (s *batchStats) countDegraded() {
	s.mu.Lock()
	s.degraded++
	s.mu.Unlock()
}

func (s *batchStats) report(batchID, tenant string, itemsIn int, out []model.CandidateItem, mergedCount, applied int, start, end time.Time) model.BatchReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := 0
	for i := range out {
		for _, sug := range out[i].Suggestions {
			if !sug.Applied {
				open++
			}
		}
	}

	return model.BatchReport{
		ID:                 batchID,
		Tenant:             tenant,
		ItemsIn:            itemsIn,
		ItemsOut:           len(out),
		Sectors:            s.sectors,
		SourceCalls:        s.sourceCalls,
		CacheHits:          s.cacheHits,
		CacheMisses:        s.cacheMisses,
		RateLimited:        s.rateLimited,
		DuplicatesMerged:   mergedCount,
		SuggestionsApplied: applied,
		SuggestionsOpen:    open,
		DegradedEvents:     s.degraded,
		DurationMS:         end.Sub(start).Milliseconds(),
		StartedAt:          start.UTC(),
	}
}
