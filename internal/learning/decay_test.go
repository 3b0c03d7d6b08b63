package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/themis-data/enrich-cli/internal/model"
)

func TestEffectiveConfidence(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	rule := func(conf float64, reinforced time.Time) model.TransformationRule {
		return model.TransformationRule{Confidence: conf, LastReinforced: reinforced}
	}

	cases := []struct {
		name     string
		rule     model.TransformationRule
		now      time.Time
		halfLife int
		want     float64
	}{
		{"zero confidence", rule(0, base), base.AddDate(0, 0, 90), 180, 0},
		{"no reinforcement timestamp", rule(0.8, time.Time{}), base, 180, 0.8},
		{"fresh rule", rule(0.8, base), base, 180, 0.8},
		{"future timestamp", rule(0.8, base.AddDate(0, 0, 10)), base, 180, 0.8},
		{"one half-life", rule(0.8, base), base.AddDate(0, 0, 180), 180, 0.4},
		{"two half-lives", rule(0.8, base), base.AddDate(0, 0, 360), 180, 0.2},
		{"zero half-life falls back to default", rule(0.8, base), base.AddDate(0, 0, 180), 0, 0.4},
		{"short half-life", rule(0.9, base), base.AddDate(0, 0, 30), 30, 0.45},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := EffectiveConfidence(tc.rule, tc.now, tc.halfLife)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}
