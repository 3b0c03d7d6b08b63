//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/themis-data/enrich-cli/internal/ratelimit"
	"github.com/themis-data/enrich-cli/internal/registry"
)

func TestFormatSources(t *testing.T) {
	states := []registry.SourceState{
		{
			Info: registry.SourceInfo{
				Name:             "catalogdb",
				Sectors:          []string{"it_software"},
				Priority:         1,
				ConfidenceWeight: 0.9,
			},
			Enabled:     true,
			Initialized: true,
		},
		{
			Info: registry.SourceInfo{
				Name:             "wikidata",
				Sectors:          []string{"any"},
				Priority:         5,
				ConfidenceWeight: 0.7,
				RateLimit:        &ratelimit.Config{Max: 25, Window: 10 * time.Second},
				CacheTTL:         24 * time.Hour,
			},
			Enabled:     true,
			Initialized: true,
		},
		{
			Info: registry.SourceInfo{
				Name:             "openfoodfacts",
				Sectors:          []string{"food_beverage"},
				Priority:         3,
				ConfidenceWeight: 0.8,
			},
			Enabled: false,
		},
	}

	var buf bytes.Buffer
	formatSources(&buf, states)

	output := buf.String()
	assert.Contains(t, output, "NAME")
	assert.Contains(t, output, "catalogdb")
	assert.Contains(t, output, "it_software")
	assert.Contains(t, output, "ready")
	assert.Contains(t, output, "25/10s")
	assert.Contains(t, output, "24h0m0s")
	assert.Contains(t, output, "disabled")
}

func TestSourceState(t *testing.T) {
	assert.Equal(t, "disabled", sourceState(registry.SourceState{Enabled: false}))
	assert.Equal(t, "failed", sourceState(registry.SourceState{Enabled: true, Disabled: true}))
	assert.Equal(t, "ready", sourceState(registry.SourceState{Enabled: true, Initialized: true}))
	assert.Equal(t, "registered", sourceState(registry.SourceState{Enabled: true}))
}
