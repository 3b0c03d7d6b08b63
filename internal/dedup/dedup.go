// Package dedup detects and merges duplicate catalog items. Pairs are
// classified by a cascade of strategies: shared alias canonical, fuzzy
// name similarity, then embedding cosine similarity. Merging is
// conservative; a canonical item only gains data, never loses it.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/pkg/embeddings"
)

// MatchType names the strategy that paired a variant with its canonical.
type MatchType string

const (
	MatchAlias    MatchType = "alias"
	MatchFuzzy    MatchType = "fuzzy"
	MatchSemantic MatchType = "semantic"
)

// Alias resolution is a curated-table lookup, so its similarity is
// pinned just below exact.
const aliasSimilarity = 0.99

const (
	defaultFuzzyThreshold    = 0.85
	defaultSemanticThreshold = 0.92
)

// mergeSource labels provenance entries written during a merge.
const mergeSource = "dedup"

// Variant is a non-canonical member of a duplicate cluster. Index
// addresses the item in the batch the cluster was computed from.
type Variant struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	Similarity float64   `json:"similarity"`
	Match      MatchType `json:"match"`
}

// Cluster groups items judged to be the same underlying product or
// service. Confidence is the mean similarity across variants.
type Cluster struct {
	CanonicalName  string    `json:"canonical_name"`
	CanonicalIndex int       `json:"canonical_index"`
	Variants       []Variant `json:"variants"`
	Confidence     float64   `json:"confidence"`
}

// MergeEvent records one absorbed duplicate for reporting.
type MergeEvent struct {
	CanonicalName string    `json:"canonical_name"`
	VariantName   string    `json:"variant_name"`
	Match         MatchType `json:"match"`
	Similarity    float64   `json:"similarity"`
}

// Deduplicator finds duplicate items within a batch and merges them.
type Deduplicator struct {
	aliases  *AliasTable
	embedder embeddings.Client
	now      func() time.Time

	fuzzyThreshold    float64
	semanticThreshold float64
}

// New builds a Deduplicator from config. A nil embedder disables the
// semantic tier; alias and fuzzy matching still run.
func New(cfg config.DedupConfig, embedder embeddings.Client) (*Deduplicator, error) {
	aliases, err := LoadAliases(cfg.AliasesPath)
	if err != nil {
		return nil, err
	}

	d := &Deduplicator{
		aliases:           aliases,
		embedder:          embedder,
		now:               time.Now,
		fuzzyThreshold:    cfg.FuzzyThreshold,
		semanticThreshold: cfg.SemanticThreshold,
	}
	if d.fuzzyThreshold <= 0 {
		d.fuzzyThreshold = defaultFuzzyThreshold
	}
	if d.semanticThreshold <= 0 {
		d.semanticThreshold = defaultSemanticThreshold
	}
	return d, nil
}

// FindDuplicates clusters duplicates within items using a greedy single
// pass: each unclaimed item becomes a canonical and claims every later
// unclaimed item that matches it. Matching tries alias, then fuzzy,
// then semantic; the first tier to fire decides the pair. Embeddings
// are computed once for the whole batch; if the provider fails, the
// semantic tier sits out and the other tiers still run.
func (d *Deduplicator) FindDuplicates(ctx context.Context, items []model.CandidateItem) []Cluster {
	if len(items) < 2 {
		return nil
	}

	norms := make([]string, len(items))
	canons := make([]string, len(items))
	for i := range items {
		norms[i] = Normalize(items[i].Name)
		if c, ok := d.aliases.Canonical(items[i].Name); ok {
			canons[i] = c
		}
	}
	vectors := d.embedAll(ctx, items)

	used := make([]bool, len(items))
	var clusters []Cluster
	for i := range items {
		if used[i] {
			continue
		}

		var variants []Variant
		simSum := 0.0
		for j := i + 1; j < len(items); j++ {
			if used[j] {
				continue
			}
			sim, match, ok := d.classifyPair(i, j, norms, canons, vectors)
			if !ok {
				continue
			}
			used[j] = true
			variants = append(variants, Variant{
				Index:      j,
				Name:       items[j].Name,
				Similarity: sim,
				Match:      match,
			})
			simSum += sim
		}
		if len(variants) == 0 {
			continue
		}

		name := items[i].Name
		if canons[i] != "" {
			name = canons[i]
		}
		clusters = append(clusters, Cluster{
			CanonicalName:  name,
			CanonicalIndex: i,
			Variants:       variants,
			Confidence:     simSum / float64(len(variants)),
		})
	}
	return clusters
}

// classifyPair decides whether items i and j are duplicates and by
// which tier. Tier order is fixed: alias beats fuzzy beats semantic.
func (d *Deduplicator) classifyPair(i, j int, norms, canons []string, vectors [][]float32) (float64, MatchType, bool) {
	if canons[i] != "" && canons[i] == canons[j] {
		return aliasSimilarity, MatchAlias, true
	}
	// Empty normalized names would score 1.0 against each other.
	if norms[i] != "" && norms[j] != "" {
		if sim := levenshtein.Similarity(norms[i], norms[j], nil); sim >= d.fuzzyThreshold {
			return sim, MatchFuzzy, true
		}
	}
	if vectors != nil {
		if sim := embeddings.Cosine(vectors[i], vectors[j]); sim >= d.semanticThreshold {
			return sim, MatchSemantic, true
		}
	}
	return 0, "", false
}

func (d *Deduplicator) embedAll(ctx context.Context, items []model.CandidateItem) [][]float32 {
	if d.embedder == nil {
		return nil
	}
	texts := make([]string, len(items))
	for i := range items {
		texts[i] = embedText(items[i])
	}
	vectors, err := d.embedder.Embed(ctx, texts)
	if err != nil {
		zap.L().Warn("dedup: batch embedding failed, semantic tier unavailable",
			zap.Int("items", len(items)), zap.Error(err))
		return nil
	}
	return vectors
}

func embedText(it model.CandidateItem) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{it.Name, it.Vendor, it.Description} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// MergeDuplicates folds each cluster's variants into its canonical item
// and returns the surviving items in input order, plus a log of merges.
// The input slice is left untouched. Variant fields only fill empty
// canonical fields; tags and suggestions are unioned; each absorbed
// variant leaves a note on the canonical.
func (d *Deduplicator) MergeDuplicates(items []model.CandidateItem, clusters []Cluster) ([]model.CandidateItem, []MergeEvent) {
	merged := make([]model.CandidateItem, len(items))
	for i := range items {
		merged[i] = cloneItem(items[i])
	}
	if len(clusters) == 0 {
		return merged, nil
	}

	now := d.now()
	drop := make([]bool, len(items))
	var log []MergeEvent

	for _, cl := range clusters {
		canonical := &merged[cl.CanonicalIndex]
		if canonical.Name != cl.CanonicalName {
			prior := canonical.Name
			canonical.Name = cl.CanonicalName
			canonical.SetProvenance(model.FieldName, model.FieldProvenance{
				Source:     mergeSource,
				Confidence: aliasSimilarity,
				AppliedAt:  now,
				Replaced: &model.ReplacedValue{
					Value:  prior,
					Source: "input",
				},
			})
		}

		for _, v := range cl.Variants {
			absorb(canonical, merged[v.Index], v.Similarity, now)
			drop[v.Index] = true
			canonical.Notes = append(canonical.Notes,
				fmt.Sprintf("merged duplicate %q (%s match, similarity %.2f)", v.Name, v.Match, v.Similarity))
			log = append(log, MergeEvent{
				CanonicalName: cl.CanonicalName,
				VariantName:   v.Name,
				Match:         v.Match,
				Similarity:    v.Similarity,
			})
		}
	}

	out := make([]model.CandidateItem, 0, len(merged))
	for i := range merged {
		if !drop[i] {
			out = append(out, merged[i])
		}
	}
	return out, log
}

// absorb copies data from a variant into the canonical item without
// overwriting anything the canonical already has.
func absorb(dst *model.CandidateItem, src model.CandidateItem, sim float64, now time.Time) {
	for _, field := range []string{model.FieldDescription, model.FieldVendor, model.FieldCategory} {
		cur, _ := dst.StringField(field)
		if cur != "" {
			continue
		}
		val, _ := src.StringField(field)
		if val == "" {
			continue
		}
		dst.SetStringField(field, val)
		dst.SetProvenance(field, model.FieldProvenance{
			Source:     mergeSource,
			Confidence: sim,
			AppliedAt:  now,
		})
	}

	if dst.Type == "" {
		dst.Type = src.Type
	}
	if dst.Sector == nil && src.Sector != nil {
		sector := *src.Sector
		dst.Sector = &sector
	}
	dst.Tags = unionStrings(dst.Tags, src.Tags)
	dst.Suggestions = append(dst.Suggestions, src.Suggestions...)
	for k, v := range src.Extra {
		if _, taken := dst.Extra[k]; taken {
			continue
		}
		if dst.Extra == nil {
			dst.Extra = make(map[string]string, len(src.Extra))
		}
		dst.Extra[k] = v
	}
}

func cloneItem(it model.CandidateItem) model.CandidateItem {
	out := it
	out.Tags = append([]string(nil), it.Tags...)
	out.Notes = append([]string(nil), it.Notes...)
	out.Suggestions = append([]model.Suggestion(nil), it.Suggestions...)
	if it.Extra != nil {
		out.Extra = make(map[string]string, len(it.Extra))
		for k, v := range it.Extra {
			out.Extra[k] = v
		}
	}
	if it.Provenance != nil {
		out.Provenance = make(map[string]model.FieldProvenance, len(it.Provenance))
		for k, v := range it.Provenance {
			out.Provenance[k] = v
		}
	}
	if it.Sector != nil {
		s := *it.Sector
		out.Sector = &s
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range b {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
