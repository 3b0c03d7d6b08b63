package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/dedup"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/registry"
	"github.com/themis-data/enrich-cli/internal/resilience"
)

// enrichItem runs the single-item flow: classify, then walk the
// sector's sources in priority order, folding each contribution into
// the item. Every failure is absorbed here; the item always comes back.
func (p *Pipeline) enrichItem(ctx context.Context, tenant, batchID string, item model.CandidateItem, stats *batchStats) model.CandidateItem {
	log := zap.L().With(
		zap.String("tenant", tenant),
		zap.String("item", item.Name),
	)

	sector := p.classifier.Detect(ctx, item)
	item.Sector = &sector
	stats.countSector(sector.Sector)
	log.Debug("pipeline: item classified",
		zap.String("sector", sector.Sector),
		zap.Float64("confidence", sector.Confidence),
		zap.String("method", string(sector.Method)),
	)

	ec := registry.EnrichContext{Tenant: tenant, Sector: sector.Sector, BatchID: batchID}
	// The cache key is fixed before any source writes a field, so every
	// source in the pass addresses the same entry.
	key := cacheKey(item)

	for _, src := range p.registry.SourcesForSector(sector.Sector) {
		res := p.querySource(ctx, tenant, src, item, key, ec, log, stats)
		if res == nil {
			continue
		}
		p.mergeResult(&item, *res)
	}
	return item
}

// querySource runs one source behind its circuit breaker, quota, and
// cache. A nil return means the source contributed nothing, whatever
// the reason; the caller moves on.
func (p *Pipeline) querySource(
	ctx context.Context,
	tenant string,
	src registry.EnrichmentSource,
	item model.CandidateItem,
	key string,
	ec registry.EnrichContext,
	log *zap.Logger,
	stats *batchStats,
) *registry.Result {
	name := src.Name()
	info := src.Info()

	breaker := p.breakers.Get(name)
	if breaker.State() == resilience.CircuitOpen {
		stats.countDegraded()
		log.Debug("pipeline: source circuit open, skipping", zap.String("source", name))
		return nil
	}

	cacheable := p.cache != nil && info.CacheTTL > 0
	if cacheable {
		if res := p.cachedResult(ctx, name, key, log); res != nil {
			stats.countCacheHit()
			return res
		}
		stats.countCacheMiss()
	}

	// Quota is consumed only once the call is certain: a cache hit or
	// an open circuit costs nothing.
	if dec := p.limiter.Reserve(ctx, name, info.RateLimit, tenant); !dec.Allowed {
		stats.countRateLimited()
		log.Debug("pipeline: source quota exhausted",
			zap.String("source", name),
			zap.Time("reset_at", dec.ResetAt),
		)
		return nil
	}

	stats.countSourceCall(name)
	res, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*registry.Result, error) {
		return src.Enrich(ctx, item, ec)
	})
	if err != nil {
		stats.countDegraded()
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			log.Debug("pipeline: source circuit opened mid-batch", zap.String("source", name))
		case resilience.IsTransient(err):
			log.Warn("pipeline: source unavailable",
				zap.String("source", name),
				zap.Error(err),
			)
		default:
			log.Error("pipeline: source failed",
				zap.String("source", name),
				zap.Error(err),
			)
		}
		return nil
	}
	if res == nil {
		return nil
	}

	if cacheable {
		if payload, marshalErr := json.Marshal(res); marshalErr == nil {
			p.cache.Set(ctx, name, key, payload, info.CacheTTL)
		}
	}
	return res
}

// cachedResult returns the decoded cache entry for a source/key, or nil
// on miss. A payload that no longer decodes is treated as a miss.
func (p *Pipeline) cachedResult(ctx context.Context, source, key string, log *zap.Logger) *registry.Result {
	payload, ok := p.cache.Get(ctx, source, key)
	if !ok {
		return nil
	}
	var res registry.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		log.Warn("pipeline: discarding undecodable cache payload",
			zap.String("source", source),
			zap.Error(err),
		)
		return nil
	}
	return &res
}

// cacheKey identifies an item for response caching: normalized name
// plus normalized vendor, computed from the input fields.
func cacheKey(item model.CandidateItem) string {
	key := dedup.Normalize(item.Name)
	if vendor := dedup.Normalize(item.Vendor); vendor != "" {
		key += "|" + vendor
	}
	return key
}
