package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/cache"
	"github.com/themis-data/enrich-cli/internal/classifier"
	"github.com/themis-data/enrich-cli/internal/dedup"
	"github.com/themis-data/enrich-cli/internal/learning"
	"github.com/themis-data/enrich-cli/internal/pipeline"
	"github.com/themis-data/enrich-cli/internal/ratelimit"
	"github.com/themis-data/enrich-cli/internal/registry"
	"github.com/themis-data/enrich-cli/internal/sources"
	"github.com/themis-data/enrich-cli/internal/store"
	"github.com/themis-data/enrich-cli/pkg/embeddings"
)

// pipelineEnv holds the initialized store, source registry, and
// pipeline needed by the enrich command.
type pipelineEnv struct {
	Store    store.Store
	Registry *registry.Registry
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, classifier, source registry, and all
// supporting components, then builds the Pipeline. Callers should
// defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate("enrich"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	embedder := initEmbedder()

	cls, err := classifier.New(cfg.Classifier, embedder)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build classifier")
	}

	deduper, err := dedup.New(cfg.Dedup, embedder)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build deduplicator")
	}

	reg := registry.NewRegistry()
	if err := sources.RegisterBuiltins(reg, cfg.Sources); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "register sources")
	}
	reg.InitializeAll(ctx)

	limiter := ratelimit.NewLimiter(st)
	respCache := cache.New(st, cfg.Cache)
	learner := learning.New(st, embedder, cfg.Learning)

	p := pipeline.New(cfg, st, cls, reg, limiter, respCache, deduper, learner)

	return &pipelineEnv{
		Store:    st,
		Registry: reg,
		Pipeline: p,
	}, nil
}

// initEmbedder builds the embedding client when a key is configured.
// Without one the semantic tiers in the classifier, deduplicator, and
// learner all degrade to their lexical strategies.
func initEmbedder() embeddings.Client {
	if cfg.Embeddings.Key == "" {
		zap.L().Debug("ENRICH_EMBEDDINGS_KEY not set, semantic tier disabled")
		return nil
	}
	return embeddings.NewClient(cfg.Embeddings.Key,
		embeddings.WithBaseURL(cfg.Embeddings.BaseURL),
		embeddings.WithModel(cfg.Embeddings.Model),
	)
}
