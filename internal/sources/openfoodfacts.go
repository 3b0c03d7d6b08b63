package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agext/levenshtein"

	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/dedup"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/ratelimit"
	"github.com/themis-data/enrich-cli/internal/registry"
	"github.com/themis-data/enrich-cli/pkg/openfoodfacts"
)

const (
	offName            = "openfoodfacts"
	defaultOFFPriority = 3
	offWeight          = 0.8
	offCacheTTL        = 12 * time.Hour

	// offMinSimilarity is the floor for accepting a search hit: the
	// product name must resemble the item name this closely, or the
	// hit is treated as noise.
	offMinSimilarity = 0.5

	sectorFoodBeverage = "food_beverage"
)

// OpenFoodFacts enriches food and beverage items from the Open Food
// Facts product database.
type OpenFoodFacts struct {
	cfg    config.OpenFoodFactsConfig
	client openfoodfacts.Client
}

// NewOpenFoodFacts builds the Open Food Facts source from config.
func NewOpenFoodFacts(cfg config.OpenFoodFactsConfig) *OpenFoodFacts {
	var opts []openfoodfacts.Option
	if cfg.BaseURL != "" {
		opts = append(opts, openfoodfacts.WithBaseURL(cfg.BaseURL))
	}
	return &OpenFoodFacts{cfg: cfg, client: openfoodfacts.NewClient(opts...)}
}

func (s *OpenFoodFacts) Name() string { return offName }

func (s *OpenFoodFacts) Info() registry.SourceInfo {
	priority := s.cfg.Priority
	if priority <= 0 {
		priority = defaultOFFPriority
	}
	return registry.SourceInfo{
		Name:             offName,
		Sectors:          []string{sectorFoodBeverage},
		Priority:         priority,
		ConfidenceWeight: offWeight,
		RateLimit:        &ratelimit.Config{Max: 60, Window: time.Minute},
		CacheTTL:         offCacheTTL,
	}
}

func (s *OpenFoodFacts) Enabled() bool { return s.cfg.Enabled }

func (s *OpenFoodFacts) Initialize(ctx context.Context) error { return nil }

func (s *OpenFoodFacts) Enrich(ctx context.Context, item model.CandidateItem, ec registry.EnrichContext) (*registry.Result, error) {
	products, err := s.client.SearchProducts(ctx, item.Name, 5)
	if err != nil {
		return nil, markTransient(err)
	}

	product, similarity := bestProduct(item.Name, products)
	if product == nil {
		return nil, nil
	}

	patch := registry.FieldPatch{
		Vendor:      firstBrand(product.Brands),
		Category:    lastCategory(product.Categories),
		Description: product.GenericName,
		Tags:        cleanLabels(product.Labels),
	}
	if product.Quantity != "" {
		patch.Extra = map[string]string{"quantity": product.Quantity}
	}
	if patch.IsEmpty() {
		return nil, nil
	}

	return &registry.Result{
		Source: offName,
		Fields: patch,
		Reasoning: []string{
			fmt.Sprintf("matched product %q (barcode %s), name similarity %.2f",
				product.Name, product.Code, similarity),
		},
		Confidence: offWeight * similarity,
	}, nil
}

// bestProduct picks the search hit whose name is closest to the item
// name, rejecting everything below the similarity floor.
func bestProduct(name string, products []openfoodfacts.Product) (*openfoodfacts.Product, float64) {
	target := dedup.Normalize(name)
	if target == "" {
		return nil, 0
	}

	var best *openfoodfacts.Product
	bestSim := 0.0
	for i := range products {
		candidate := dedup.Normalize(products[i].Name)
		if candidate == "" {
			continue
		}
		sim := levenshtein.Similarity(target, candidate, nil)
		if sim > bestSim {
			best = &products[i]
			bestSim = sim
		}
	}
	if bestSim < offMinSimilarity {
		return nil, 0
	}
	return best, bestSim
}

func firstBrand(brands string) string {
	first, _, _ := strings.Cut(brands, ",")
	return strings.TrimSpace(first)
}

// lastCategory returns the most specific segment of the category
// hierarchy, which runs general to specific.
func lastCategory(categories string) string {
	if categories == "" {
		return ""
	}
	parts := strings.Split(categories, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

// cleanLabels strips the language prefix from taxonomy tags, keeping
// "en:no-added-sugar" as "no-added-sugar".
func cleanLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		if _, tag, found := strings.Cut(label, ":"); found {
			label = tag
		}
		label = strings.TrimSpace(label)
		if label != "" {
			out = append(out, label)
		}
	}
	return out
}
