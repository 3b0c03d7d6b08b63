package model

import "time"

// CorrectionRecord is one human edit captured for learning. Records are
// append-only; the rule table is the mutable aggregate view.
type CorrectionRecord struct {
	ID              string        `json:"id"`
	Tenant          string        `json:"tenant"`
	Original        CandidateItem `json:"original"`
	Corrected       CandidateItem `json:"corrected"`
	CorrectedFields []string      `json:"corrected_fields"`
	NameEmbedding   []float32     `json:"name_embedding,omitempty"`
	SourceType      string        `json:"source_type,omitempty"` // where the edit came from (ui, import, review)
	CreatedAt       time.Time     `json:"created_at"`
}

// TransformationRule is a learned field rewrite aggregated from
// corrections. Uniqueness is (tenant, field, from_value); reinforcement
// bumps confidence and occurrence count.
type TransformationRule struct {
	ID              string    `json:"id"`
	Tenant          string    `json:"tenant"`
	Field           string    `json:"field"`
	FromValue       string    `json:"from_value"`
	ToValue         string    `json:"to_value"`
	Confidence      float64   `json:"confidence"`
	OccurrenceCount int       `json:"occurrence_count"`
	LastReinforced  time.Time `json:"last_reinforced"`
	CreatedAt       time.Time `json:"created_at"`
}
