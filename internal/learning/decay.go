package learning

import (
	"math"
	"time"

	"github.com/themis-data/enrich-cli/internal/model"
)

// defaultHalfLifeDays governs rule staleness when config leaves it unset.
const defaultHalfLifeDays = 180

// minActiveConfidence is the effective-confidence floor below which a
// rule is treated as expired.
const minActiveConfidence = 0.3

// ruleConfidenceCap mirrors the cap applied by the store's rule upsert.
const ruleConfidenceCap = 0.95

// EffectiveConfidence computes the time-decayed confidence of a rule.
// Formula: effective = stored * 2^(-daysSinceReinforced / halfLifeDays)
func EffectiveConfidence(rule model.TransformationRule, now time.Time, halfLifeDays int) float64 {
	if rule.Confidence <= 0 {
		return 0
	}
	if rule.LastReinforced.IsZero() {
		// No timestamp on record. Treat the rule as fresh.
		return rule.Confidence
	}

	ageDays := now.Sub(rule.LastReinforced).Hours() / 24
	if ageDays <= 0 {
		return rule.Confidence
	}

	halfLife := float64(halfLifeDays)
	if halfLife <= 0 {
		halfLife = defaultHalfLifeDays
	}

	return rule.Confidence * math.Pow(2, -ageDays/halfLife)
}
