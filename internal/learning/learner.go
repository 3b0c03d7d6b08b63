// Package learning turns human corrections into reusable knowledge.
// Every edit is stored verbatim and also folded into transformation
// rules; later items pick up suggestions from both the raw corrections
// (via name-embedding similarity) and the aggregated rules.
package learning

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/store"
	"github.com/themis-data/enrich-cli/pkg/embeddings"
)

const (
	defaultAutoApplyThreshold = 0.9
	defaultRuleMinConfidence  = 0.7

	// similarityFloor drops barely-related corrections from the
	// similar-items strategy.
	similarityFloor = 0.5

	defaultSimilarLimit = 20
)

// ScoredCorrection pairs a stored correction with its name-embedding
// similarity to the queried item.
type ScoredCorrection struct {
	Record     model.CorrectionRecord `json:"record"`
	Similarity float64                `json:"similarity"`
}

// ApplyResult reports what a learning pass did to one item.
type ApplyResult struct {
	Suggestions   []model.Suggestion `json:"suggestions,omitempty"`
	AppliedFields []string           `json:"applied_fields,omitempty"`
}

// RecordOptions carries optional context about where an edit came from.
type RecordOptions struct {
	SourceType string // ui, import, review
}

// LearnerStats summarizes learning state for a tenant.
type LearnerStats struct {
	Tenant      string        `json:"tenant"`
	Corrections int           `json:"corrections"`
	Rules       int           `json:"rules"`
	ActiveRules int           `json:"active_rules"`
	TopRules    []RuleSummary `json:"top_rules,omitempty"`
}

// RuleSummary is a rule as reported by Stats, with its decayed
// confidence alongside the stored one.
type RuleSummary struct {
	Field               string  `json:"field"`
	FromValue           string  `json:"from_value"`
	ToValue             string  `json:"to_value"`
	Confidence          float64 `json:"confidence"`
	EffectiveConfidence float64 `json:"effective_confidence"`
	OccurrenceCount     int     `json:"occurrences"`
}

// Learner records corrections and applies what they teach to new items.
type Learner struct {
	store    store.Store
	embedder embeddings.Client
	now      func() time.Time

	autoApplyThreshold float64
	ruleMinConfidence  float64
	halfLifeDays       int
}

// New builds a Learner. A nil embedder disables the similar-items
// strategy; rule matching still works.
func New(st store.Store, embedder embeddings.Client, cfg config.LearningConfig) *Learner {
	l := &Learner{
		store:              st,
		embedder:           embedder,
		now:                time.Now,
		autoApplyThreshold: cfg.AutoApplyThreshold,
		ruleMinConfidence:  cfg.RuleMinConfidence,
		halfLifeDays:       cfg.DecayHalfLifeDays,
	}
	if l.autoApplyThreshold <= 0 {
		l.autoApplyThreshold = defaultAutoApplyThreshold
	}
	if l.ruleMinConfidence <= 0 {
		l.ruleMinConfidence = defaultRuleMinConfidence
	}
	if l.halfLifeDays <= 0 {
		l.halfLifeDays = defaultHalfLifeDays
	}
	return l
}

type fieldDiff struct {
	Field string
	From  string
	To    string
}

// diffFields keeps fields whose corrected value is non-empty and
// different from the original. IDs, timestamps, and engine-attached
// state never appear because only correctable fields are compared.
func diffFields(original, corrected model.CandidateItem) []fieldDiff {
	var diffs []fieldDiff
	for _, f := range model.CorrectableFields {
		from, _ := original.StringField(f)
		to, _ := corrected.StringField(f)
		if to == "" || to == from {
			continue
		}
		diffs = append(diffs, fieldDiff{Field: f, From: from, To: to})
	}
	return diffs
}

// RecordCorrection captures one human edit. The boolean reports whether
// anything was recorded; an edit that changes no correctable field is
// rejected up front with no write at all. The corrected name is
// embedded for later similarity search, but an embedding failure never
// blocks the record.
func (l *Learner) RecordCorrection(ctx context.Context, tenant string, original, corrected model.CandidateItem, opts RecordOptions) (bool, error) {
	diffs := diffFields(original, corrected)
	if len(diffs) == 0 {
		return false, nil
	}

	rec := model.CorrectionRecord{
		ID:         uuid.New().String(),
		Tenant:     tenant,
		Original:   original,
		Corrected:  corrected,
		SourceType: opts.SourceType,
		CreatedAt:  l.now().UTC(),
	}
	for _, d := range diffs {
		rec.CorrectedFields = append(rec.CorrectedFields, d.Field)
	}

	if l.embedder != nil && corrected.Name != "" {
		vec, err := l.embedder.EmbedOne(ctx, corrected.Name)
		if err != nil {
			zap.L().Warn("learning: embed corrected name failed, recording without embedding",
				zap.String("tenant", tenant), zap.Error(err))
		} else {
			rec.NameEmbedding = vec
		}
	}

	if err := l.store.InsertCorrection(ctx, rec); err != nil {
		return false, eris.Wrap(err, "learning: record correction")
	}

	// Rules are a derived view; a failed reinforcement loses nothing
	// that cannot be rebuilt from the correction log.
	for _, d := range diffs {
		if _, err := l.store.ReinforceRule(ctx, tenant, d.Field, d.From, d.To); err != nil {
			zap.L().Warn("learning: rule reinforcement failed",
				zap.String("tenant", tenant), zap.String("field", d.Field), zap.Error(err))
		}
	}
	return true, nil
}

// FindSimilarCorrections returns stored corrections whose corrected
// name embedding is close to the given name, best first. Embedding or
// store trouble degrades to an empty result.
func (l *Learner) FindSimilarCorrections(ctx context.Context, tenant, name string, limit int) []ScoredCorrection {
	if limit <= 0 {
		limit = defaultSimilarLimit
	}
	if l.embedder == nil || name == "" {
		return nil
	}

	queryVec, err := l.embedder.EmbedOne(ctx, name)
	if err != nil {
		zap.L().Warn("learning: embed query name failed, skipping similarity search",
			zap.String("tenant", tenant), zap.Error(err))
		return nil
	}

	recs, err := l.store.ListCorrections(ctx, tenant, 0)
	if err != nil {
		zap.L().Warn("learning: list corrections failed, skipping similarity search",
			zap.String("tenant", tenant), zap.Error(err))
		return nil
	}

	var scored []ScoredCorrection
	for _, rec := range recs {
		if len(rec.NameEmbedding) == 0 {
			continue
		}
		sim := embeddings.Cosine(queryVec, rec.NameEmbedding)
		if sim < similarityFloor {
			continue
		}
		scored = append(scored, ScoredCorrection{Record: rec, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// ApplyLearnedCorrections runs both suggestion strategies against the
// item and unions the results. A suggestion is written into the item
// only when its confidence clears the auto-apply threshold and the
// target field is empty; everything else is surfaced for review. The
// engine never overwrites a value some other stage already produced.
func (l *Learner) ApplyLearnedCorrections(ctx context.Context, tenant string, item *model.CandidateItem) ApplyResult {
	now := l.now().UTC()

	var candidates []model.Suggestion
	similar := l.FindSimilarCorrections(ctx, tenant, item.Name, defaultSimilarLimit)
	candidates = append(candidates, suggestFromSimilar(similar)...)

	rules, err := l.store.ListRules(ctx, tenant, store.RuleFilter{})
	if err != nil {
		zap.L().Warn("learning: list rules failed, skipping rule suggestions",
			zap.String("tenant", tenant), zap.Error(err))
	} else {
		candidates = append(candidates, l.suggestFromRules(rules, item, now)...)
	}

	var res ApplyResult
	for _, s := range unionSuggestions(candidates) {
		current, ok := item.StringField(s.Field)
		if !ok || current == s.Value {
			continue
		}
		if s.Confidence >= l.autoApplyThreshold && current == "" {
			item.SetStringField(s.Field, s.Value)
			item.SetProvenance(s.Field, model.FieldProvenance{
				Source:     "learning:" + string(s.Origin),
				Confidence: s.Confidence,
				AppliedAt:  now,
			})
			s.Applied = true
			res.AppliedFields = append(res.AppliedFields, s.Field)
		}
		item.Suggestions = append(item.Suggestions, s)
		res.Suggestions = append(res.Suggestions, s)
	}
	return res
}

// suggestFromSimilar aggregates, per field, the most frequent corrected
// value among similar corrections. Confidence is the vote share scaled
// by the average similarity of the records that voted for the winner.
func suggestFromSimilar(similar []ScoredCorrection) []model.Suggestion {
	if len(similar) == 0 {
		return nil
	}

	type vote struct {
		value  string
		count  int
		simSum float64
	}

	var out []model.Suggestion
	for _, field := range model.CorrectableFields {
		votes := make(map[string]*vote)
		total := 0
		for _, sc := range similar {
			if !containsField(sc.Record.CorrectedFields, field) {
				continue
			}
			val, _ := sc.Record.Corrected.StringField(field)
			if val == "" {
				continue
			}
			v := votes[val]
			if v == nil {
				v = &vote{value: val}
				votes[val] = v
			}
			v.count++
			v.simSum += sc.Similarity
			total++
		}
		if total == 0 {
			continue
		}

		ranked := make([]*vote, 0, len(votes))
		for _, v := range votes {
			ranked = append(ranked, v)
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].count != ranked[j].count {
				return ranked[i].count > ranked[j].count
			}
			if ranked[i].simSum != ranked[j].simSum {
				return ranked[i].simSum > ranked[j].simSum
			}
			return ranked[i].value < ranked[j].value
		})

		win := ranked[0]
		confidence := (float64(win.count) / float64(total)) * (win.simSum / float64(win.count))
		out = append(out, model.Suggestion{
			Field:      field,
			Value:      win.value,
			Source:     "learning",
			Confidence: confidence,
			Origin:     model.OriginSimilarItems,
		})
	}
	return out
}

// suggestFromRules matches active rules against the item's current
// values by containment. Rules with an empty from-value are skipped;
// they would match every string.
func (l *Learner) suggestFromRules(rules []model.TransformationRule, item *model.CandidateItem, now time.Time) []model.Suggestion {
	var out []model.Suggestion
	for _, r := range rules {
		if r.FromValue == "" {
			continue
		}
		effective := EffectiveConfidence(r, now, l.halfLifeDays)
		if effective < l.ruleMinConfidence {
			continue
		}
		current, ok := item.StringField(r.Field)
		if !ok || current == "" || current == r.ToValue {
			continue
		}
		if !strings.Contains(current, r.FromValue) {
			continue
		}
		out = append(out, model.Suggestion{
			Field:      r.Field,
			Value:      r.ToValue,
			Source:     "learning",
			Confidence: effective,
			Origin:     model.OriginRule,
		})
	}
	return out
}

// unionSuggestions merges duplicate (field, value) suggestions, keeping
// the higher-confidence one in its first-seen position.
func unionSuggestions(in []model.Suggestion) []model.Suggestion {
	type key struct {
		field string
		value string
	}
	idx := make(map[key]int, len(in))
	out := make([]model.Suggestion, 0, len(in))
	for _, s := range in {
		k := key{s.Field, s.Value}
		if i, ok := idx[k]; ok {
			if s.Confidence > out[i].Confidence {
				out[i] = s
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, s)
	}
	return out
}

// Stats reports learning volume and rule health for a tenant.
func (l *Learner) Stats(ctx context.Context, tenant string) (LearnerStats, error) {
	stats := LearnerStats{Tenant: tenant}

	corrections, err := l.store.CountCorrections(ctx, tenant)
	if err != nil {
		return stats, eris.Wrap(err, "learning: count corrections")
	}
	stats.Corrections = corrections

	rules, err := l.store.ListRules(ctx, tenant, store.RuleFilter{})
	if err != nil {
		return stats, eris.Wrap(err, "learning: list rules")
	}
	stats.Rules = len(rules)

	now := l.now().UTC()
	for _, r := range rules {
		effective := EffectiveConfidence(r, now, l.halfLifeDays)
		if effective < minActiveConfidence {
			continue
		}
		stats.ActiveRules++
		if len(stats.TopRules) < 5 {
			stats.TopRules = append(stats.TopRules, RuleSummary{
				Field:               r.Field,
				FromValue:           r.FromValue,
				ToValue:             r.ToValue,
				Confidence:          r.Confidence,
				EffectiveConfidence: effective,
				OccurrenceCount:     r.OccurrenceCount,
			})
		}
	}
	return stats, nil
}

// PruneStaleRules deletes rules that no amount of stored confidence
// could keep active. A rule at the confidence cap takes
// halfLife * log2(cap/floor) days without reinforcement to decay below
// the activity floor; anything last reinforced before that horizon is
// dead for every possible rule.
func (l *Learner) PruneStaleRules(ctx context.Context, tenant string) (int, error) {
	staleDays := float64(l.halfLifeDays) * math.Log2(ruleConfidenceCap/minActiveConfidence)
	cutoff := l.now().UTC().Add(-time.Duration(math.Ceil(staleDays)) * 24 * time.Hour)

	n, err := l.store.PruneRulesBefore(ctx, tenant, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "learning: prune stale rules")
	}
	return n, nil
}

func containsField(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}
