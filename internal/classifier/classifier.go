// Package classifier assigns a coarse sector label to candidate items.
// Phase 1 scores weighted keyword and phrase matches against a sector
// vocabulary; when that is ambiguous and the semantic tier is enabled,
// phase 2 blends in cosine similarity against per-sector exemplar
// embeddings. Embedding failures degrade to keyword-only, never error.
package classifier

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/pkg/embeddings"
)

const (
	// normalizeDivisor converts a raw keyword weight sum into a 0..1
	// score; roughly five plain matches saturate a sector.
	normalizeDivisor = 5.0
	phraseBonus      = 1.2
	// singleMatchPenalty discounts sectors backed by one lone term.
	singleMatchPenalty = 0.85

	keywordAccept = 0.5
	keywordMargin = 0.15
	minConfidence = 0.3

	keywordBlend  = 0.4
	semanticBlend = 0.6

	maxAlternatives = 3
)

type weighted struct {
	term   string
	weight float64
}

// sectorVocab is a compiled, deterministically ordered sector entry.
type sectorVocab struct {
	name     string
	keywords []weighted
	phrases  []weighted
	exemplar string
}

// Classifier detects an item's sector. Safe for concurrent use.
type Classifier struct {
	vocab    []sectorVocab
	embedder embeddings.Client
	semantic bool

	mu        sync.Mutex
	exemplars map[string][]float32
}

// New compiles the sector table (embedded default or the configured
// override path) into a Classifier. The semantic tier activates only
// when enabled in config and an embedder is supplied.
func New(cfg config.ClassifierConfig, embedder embeddings.Client) (*Classifier, error) {
	table, err := LoadTable(cfg.KeywordsPath)
	if err != nil {
		return nil, err
	}

	vocab := make([]sectorVocab, 0, len(table.Sectors))
	for name, def := range table.Sectors {
		vocab = append(vocab, sectorVocab{
			name:     name,
			keywords: sortedTerms(def.Keywords),
			phrases:  sortedTerms(def.Phrases),
			exemplar: strings.TrimSpace(def.Exemplar),
		})
	}
	sort.Slice(vocab, func(i, j int) bool { return vocab[i].name < vocab[j].name })

	return &Classifier{
		vocab:    vocab,
		embedder: embedder,
		semantic: cfg.SemanticEnabled && embedder != nil,
	}, nil
}

// Sectors returns the sector codes the classifier can assign, sorted.
func (c *Classifier) Sectors() []string {
	out := make([]string, len(c.vocab))
	for i, v := range c.vocab {
		out[i] = v.name
	}
	return out
}

// Detect classifies one item. It never returns an error: ambiguity
// surfaces as sector "unknown" and embedding-provider failures fall
// back to the best keyword result.
func (c *Classifier) Detect(ctx context.Context, item model.CandidateItem) model.SectorResult {
	text := itemText(item)
	scores := c.keywordScores(text)
	top := scores[0]
	runnerUp := 0.0
	if len(scores) > 1 {
		runnerUp = scores[1].score
	}

	// Phase 1: accept a clear keyword winner outright.
	if top.score >= keywordAccept && top.score-runnerUp > keywordMargin {
		return model.SectorResult{
			Sector:       top.sector,
			Confidence:   top.score,
			Method:       model.MethodKeyword,
			Alternatives: alternatives(scores[1:]),
		}
	}

	// Phase 2: blend in exemplar similarity when available.
	if c.semantic {
		if res, ok := c.semanticDetect(ctx, text, scores); ok {
			return res
		}
	}

	if top.score >= minConfidence {
		return model.SectorResult{
			Sector:       top.sector,
			Confidence:   top.score,
			Method:       model.MethodKeyword,
			Alternatives: alternatives(scores[1:]),
		}
	}
	return model.SectorResult{
		Sector:       model.SectorUnknown,
		Confidence:   top.score,
		Method:       model.MethodKeyword,
		Alternatives: alternatives(scores),
	}
}

type scored struct {
	sector string
	score  float64
}

// keywordScores scores every sector against the item text and returns
// them sorted best-first (ties broken by sector name so repeated calls
// rank identically).
func (c *Classifier) keywordScores(text string) []scored {
	tokens := tokenize(text)
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		seen[t] = true
	}
	// Pad with spaces so phrase containment respects word boundaries:
	// "cold brews" must not match the phrase "cold brew".
	padded := " " + strings.Join(tokens, " ") + " "

	out := make([]scored, 0, len(c.vocab))
	for _, v := range c.vocab {
		var sum float64
		matches := 0
		for _, kw := range v.keywords {
			if seen[kw.term] {
				sum += kw.weight
				matches++
			}
		}
		for _, ph := range v.phrases {
			if strings.Contains(padded, " "+ph.term+" ") {
				sum += ph.weight * phraseBonus
				matches++
			}
		}
		score := math.Min(sum/normalizeDivisor, 1.0)
		if matches == 1 {
			score *= singleMatchPenalty
		}
		out = append(out, scored{sector: v.name, score: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].sector < out[j].sector
	})
	return out
}

// semanticDetect embeds the item text, blends cosine similarity against
// each sector exemplar with the keyword score, and decides on the
// combined ranking. Returns ok=false when embeddings are unavailable so
// the caller can fall back to keywords.
func (c *Classifier) semanticDetect(ctx context.Context, text string, kwScores []scored) (model.SectorResult, bool) {
	exemplars, err := c.exemplarVectors(ctx)
	if err != nil {
		zap.L().Warn("classifier: exemplar embeddings unavailable, keyword result stands",
			zap.Error(err),
		)
		return model.SectorResult{}, false
	}

	vec, err := c.embedder.EmbedOne(ctx, text)
	if err != nil {
		zap.L().Warn("classifier: item embedding failed, keyword result stands",
			zap.Error(err),
		)
		return model.SectorResult{}, false
	}

	kwBy := make(map[string]float64, len(kwScores))
	for _, s := range kwScores {
		kwBy[s.sector] = s.score
	}

	combined := make([]scored, 0, len(c.vocab))
	for _, v := range c.vocab {
		ex, ok := exemplars[v.name]
		if !ok {
			// Sector without an exemplar stays keyword-only.
			continue
		}
		sem := math.Max(0, embeddings.Cosine(vec, ex))
		combined = append(combined, scored{
			sector: v.name,
			score:  keywordBlend*kwBy[v.name] + semanticBlend*sem,
		})
	}
	if len(combined) == 0 {
		return model.SectorResult{}, false
	}
	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].score != combined[j].score {
			return combined[i].score > combined[j].score
		}
		return combined[i].sector < combined[j].sector
	})

	top := combined[0]
	method := model.MethodHybrid
	if kwBy[top.sector] == 0 {
		method = model.MethodSemantic
	}
	if top.score < minConfidence {
		return model.SectorResult{
			Sector:       model.SectorUnknown,
			Confidence:   top.score,
			Method:       method,
			Alternatives: alternatives(combined),
		}, true
	}
	return model.SectorResult{
		Sector:       top.sector,
		Confidence:   top.score,
		Method:       method,
		Alternatives: alternatives(combined[1:]),
	}, true
}

// exemplarVectors builds the per-sector exemplar embeddings once and
// caches them. A failed build is not cached, so the next detection
// retries.
func (c *Classifier) exemplarVectors(ctx context.Context) (map[string][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exemplars != nil {
		return c.exemplars, nil
	}

	names := make([]string, 0, len(c.vocab))
	texts := make([]string, 0, len(c.vocab))
	for _, v := range c.vocab {
		if v.exemplar == "" {
			continue
		}
		names = append(names, v.name)
		texts = append(texts, v.exemplar)
	}
	if len(texts) == 0 {
		return nil, eris.New("classifier: no sector exemplars defined")
	}

	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(err, "classifier: embed sector exemplars")
	}

	m := make(map[string][]float32, len(names))
	for i, name := range names {
		m[name] = vecs[i]
	}
	c.exemplars = m
	zap.L().Debug("classifier: built sector exemplar embeddings",
		zap.Int("sectors", len(m)),
	)
	return m, nil
}

func sortedTerms(m map[string]float64) []weighted {
	out := make([]weighted, 0, len(m))
	for term, weight := range m {
		out = append(out, weighted{term: term, weight: weight})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].term < out[j].term })
	return out
}

func alternatives(rest []scored) []model.SectorScore {
	var out []model.SectorScore
	for _, s := range rest {
		if s.score <= 0 || len(out) == maxAlternatives {
			break
		}
		out = append(out, model.SectorScore{Sector: s.sector, Score: s.score})
	}
	return out
}
