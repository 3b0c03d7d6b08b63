package pipeline

import (
	"fmt"
	"strings"

	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/registry"
)

// mergeResult folds one source contribution into the item. Empty fields
// fill directly. An occupied field is replaced only when the incoming
// confidence strictly beats the recorded provenance, and the losing
// value is preserved in the replacement record; anything weaker becomes
// an open suggestion. Values the user supplied (no provenance) are
// never overwritten.
func (p *Pipeline) mergeResult(item *model.CandidateItem, res registry.Result) {
	now := p.now().UTC()

	for _, fv := range res.Fields.StringFields() {
		current, _ := item.StringField(fv.Field)
		switch {
		case current == "":
			item.SetStringField(fv.Field, fv.Value)
			item.SetProvenance(fv.Field, model.FieldProvenance{
				Source:     res.Source,
				Confidence: res.Confidence,
				AppliedAt:  now,
			})

		case current == fv.Value:
			// Agreement from a stronger source upgrades the record.
			if prev, ok := item.ProvenanceFor(fv.Field); ok && res.Confidence > prev.Confidence {
				item.SetProvenance(fv.Field, model.FieldProvenance{
					Source:     res.Source,
					Confidence: res.Confidence,
					AppliedAt:  now,
				})
			}

		default:
			prev, hasProv := item.ProvenanceFor(fv.Field)
			if hasProv && res.Confidence > prev.Confidence {
				item.SetStringField(fv.Field, fv.Value)
				item.SetProvenance(fv.Field, model.FieldProvenance{
					Source:     res.Source,
					Confidence: res.Confidence,
					AppliedAt:  now,
					Replaced: &model.ReplacedValue{
						Value:      current,
						Source:     prev.Source,
						Confidence: prev.Confidence,
					},
				})
				continue
			}
			item.Suggestions = append(item.Suggestions, model.Suggestion{
				Field:      fv.Field,
				Value:      fv.Value,
				Source:     res.Source,
				Confidence: res.Confidence,
				Origin:     model.OriginSource,
			})
		}
	}

	item.Tags = unionTags(item.Tags, res.Fields.Tags)
	for k, v := range res.Fields.Extra {
		if _, taken := item.Extra[k]; taken {
			continue
		}
		if item.Extra == nil {
			item.Extra = make(map[string]string, len(res.Fields.Extra))
		}
		item.Extra[k] = v
	}

	if len(res.Reasoning) > 0 {
		item.Notes = append(item.Notes,
			fmt.Sprintf("%s: %s", res.Source, strings.Join(res.Reasoning, "; ")))
	}
}

func unionTags(a, b []string) []string {
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
