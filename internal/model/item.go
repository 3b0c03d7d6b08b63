package model

// ItemType distinguishes goods from services in a catalog.
type ItemType string

const (
	ItemTypeProduct ItemType = "product"
	ItemTypeService ItemType = "service"
)

// CandidateItem is a raw catalog record moving through the pipeline.
// The engine attaches sector, provenance, and suggestions as it goes;
// ingest input only needs the plain fields.
type CandidateItem struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Vendor      string            `json:"vendor,omitempty"`
	Category    string            `json:"category,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Type        ItemType          `json:"type,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`

	Sector      *SectorResult              `json:"sector,omitempty"`
	Provenance  map[string]FieldProvenance `json:"provenance,omitempty"`
	Notes       []string                   `json:"notes,omitempty"`
	Suggestions []Suggestion               `json:"suggestions,omitempty"`
}

// StringField returns the value of a free-text field addressed by its
// canonical name. The second return reports whether the name is known.
func (c *CandidateItem) StringField(name string) (string, bool) {
	switch name {
	case FieldName:
		return c.Name, true
	case FieldDescription:
		return c.Description, true
	case FieldVendor:
		return c.Vendor, true
	case FieldCategory:
		return c.Category, true
	}
	return "", false
}

// SetStringField assigns a free-text field by canonical name.
func (c *CandidateItem) SetStringField(name, value string) bool {
	switch name {
	case FieldName:
		c.Name = value
	case FieldDescription:
		c.Description = value
	case FieldVendor:
		c.Vendor = value
	case FieldCategory:
		c.Category = value
	default:
		return false
	}
	return true
}

// Canonical field names used by patches, corrections, and rules.
const (
	FieldName        = "name"
	FieldDescription = "description"
	FieldVendor      = "vendor"
	FieldCategory    = "category"
	FieldTags        = "tags"
)

// CorrectableFields lists the fields the learner diffs when a human
// edit comes in. Identifiers, timestamps, and engine-attached state
// are not diffed.
var CorrectableFields = []string{FieldName, FieldDescription, FieldVendor, FieldCategory}

// ClassifyMethod records which strategy produced a sector decision.
type ClassifyMethod string

const (
	MethodKeyword  ClassifyMethod = "keyword"
	MethodSemantic ClassifyMethod = "semantic"
	MethodHybrid   ClassifyMethod = "hybrid"
)

// SectorUnknown is assigned when no sector clears the confidence floor.
const SectorUnknown = "unknown"

// SectorResult is the classifier's decision for one item.
type SectorResult struct {
	Sector       string         `json:"sector"`
	Confidence   float64        `json:"confidence"`
	Method       ClassifyMethod `json:"method"`
	Alternatives []SectorScore  `json:"alternatives,omitempty"`
}

// SectorScore is a scored runner-up candidate sector.
type SectorScore struct {
	Sector string  `json:"sector"`
	Score  float64 `json:"score"`
}

// SuggestionOrigin names the strategy that produced a suggestion.
type SuggestionOrigin string

const (
	OriginSimilarItems SuggestionOrigin = "similar_items"
	OriginRule         SuggestionOrigin = "rule"
	OriginSource       SuggestionOrigin = "source"
)

// Suggestion is a proposed field value that did not qualify for
// automatic application. Suggestions ride on the item so a reviewer
// sees everything the engine considered; they are never dropped.
type Suggestion struct {
	Field      string           `json:"field"`
	Value      string           `json:"value"`
	Source     string           `json:"source"`
	Confidence float64          `json:"confidence"`
	Applied    bool             `json:"applied"`
	Origin     SuggestionOrigin `json:"origin"`
}
