package sources

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/ratelimit"
	"github.com/themis-data/enrich-cli/internal/registry"
	"github.com/themis-data/enrich-cli/pkg/wikidata"
)

const (
	wikidataName            = "wikidata"
	defaultWikidataPriority = 5
	wikidataWeight          = 0.7
	wikidataCacheTTL        = 24 * time.Hour
)

// vendorProps are tried in order when extracting a vendor from entity
// claims: manufacturer for physical goods, developer for software,
// publisher as the fallback.
var vendorProps = []string{
	wikidata.PropManufacturer,
	wikidata.PropDeveloper,
	wikidata.PropPublisher,
}

// Wikidata is the universal fallback source: it serves every sector at
// low priority and fills vendor, category, and description from entity
// claims.
type Wikidata struct {
	cfg    config.WikidataConfig
	client wikidata.Client
}

// NewWikidata builds the Wikidata source from config.
func NewWikidata(cfg config.WikidataConfig) *Wikidata {
	var opts []wikidata.Option
	if cfg.BaseURL != "" {
		opts = append(opts, wikidata.WithBaseURL(cfg.BaseURL))
	}
	return &Wikidata{cfg: cfg, client: wikidata.NewClient(opts...)}
}

func (s *Wikidata) Name() string { return wikidataName }

func (s *Wikidata) Info() registry.SourceInfo {
	priority := s.cfg.Priority
	if priority <= 0 {
		priority = defaultWikidataPriority
	}
	return registry.SourceInfo{
		Name:             wikidataName,
		Sectors:          []string{registry.SectorAny},
		Priority:         priority,
		ConfidenceWeight: wikidataWeight,
		RateLimit:        &ratelimit.Config{Max: 25, Window: 10 * time.Second},
		CacheTTL:         wikidataCacheTTL,
	}
}

func (s *Wikidata) Enabled() bool { return s.cfg.Enabled }

func (s *Wikidata) Initialize(ctx context.Context) error { return nil }

func (s *Wikidata) Enrich(ctx context.Context, item model.CandidateItem, ec registry.EnrichContext) (*registry.Result, error) {
	matches, err := s.client.SearchEntities(ctx, item.Name, 3)
	if err != nil {
		return nil, markTransient(err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	top := matches[0]

	entities, err := s.client.GetEntities(ctx, []string{top.ID})
	if err != nil {
		return nil, markTransient(err)
	}
	ent, ok := entities[top.ID]
	if !ok {
		return nil, nil
	}

	reasoning := []string{fmt.Sprintf("matched entity %s (%s)", ent.ID, ent.Label)}
	patch := registry.FieldPatch{Description: ent.Description}

	categoryID := firstClaim(ent, wikidata.PropInstanceOf)
	vendorID := ""
	for _, prop := range vendorProps {
		if vendorID = firstClaim(ent, prop); vendorID != "" {
			break
		}
	}

	labels := s.resolveLabels(ctx, categoryID, vendorID)
	if label := labels[categoryID]; label != "" {
		patch.Category = label
		reasoning = append(reasoning, fmt.Sprintf("category from instance-of %s", categoryID))
	}
	if label := labels[vendorID]; label != "" {
		patch.Vendor = label
		reasoning = append(reasoning, fmt.Sprintf("vendor from claim %s", vendorID))
	}

	if patch.IsEmpty() {
		return nil, nil
	}
	return &registry.Result{
		Source:     wikidataName,
		Fields:     patch,
		Reasoning:  reasoning,
		Confidence: wikidataWeight,
	}, nil
}

// resolveLabels fetches display labels for claim target ids. Failures
// degrade to the unresolved fields rather than discarding the match.
func (s *Wikidata) resolveLabels(ctx context.Context, ids ...string) map[string]string {
	want := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			want = append(want, id)
		}
	}
	if len(want) == 0 {
		return nil
	}

	targets, err := s.client.GetEntities(ctx, want)
	if err != nil {
		zap.L().Warn("sources: wikidata claim target lookup failed",
			zap.Strings("ids", want),
			zap.Error(err),
		)
		return nil
	}
	labels := make(map[string]string, len(targets))
	for id, ent := range targets {
		labels[id] = ent.Label
	}
	return labels
}

func firstClaim(ent wikidata.Entity, prop string) string {
	if targets := ent.Claims[prop]; len(targets) > 0 {
		return targets[0]
	}
	return ""
}
