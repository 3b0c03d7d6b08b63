package model

import "time"

// FieldProvenance records where an enriched field value came from.
// Every field the engine writes carries one; a value is never replaced
// without the prior value being captured here.
type FieldProvenance struct {
	Source     string         `json:"source"`
	Confidence float64        `json:"confidence"`
	Rule       string         `json:"rule,omitempty"` // rule or correction id when learned
	AppliedAt  time.Time      `json:"applied_at"`
	Replaced   *ReplacedValue `json:"replaced,omitempty"`
}

// ReplacedValue preserves a field value that lost to a higher-confidence
// source.
type ReplacedValue struct {
	Value      string  `json:"value"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// SetProvenance records provenance for a field, initializing the map on
// first use.
func (c *CandidateItem) SetProvenance(field string, p FieldProvenance) {
	if c.Provenance == nil {
		c.Provenance = make(map[string]FieldProvenance)
	}
	c.Provenance[field] = p
}

// ProvenanceFor returns the provenance entry for a field, if any.
func (c *CandidateItem) ProvenanceFor(field string) (FieldProvenance, bool) {
	p, ok := c.Provenance[field]
	return p, ok
}
