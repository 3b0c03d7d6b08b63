package classifier

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultTable []byte

// SectorDef holds the scoring vocabulary for one sector: weighted
// single-word keywords, weighted multi-word phrases, and a canonical
// descriptive paragraph used to build the sector's exemplar embedding.
type SectorDef struct {
	Keywords map[string]float64 `yaml:"keywords"`
	Phrases  map[string]float64 `yaml:"phrases"`
	Exemplar string             `yaml:"exemplar"`
}

// Table is the full sector vocabulary.
type Table struct {
	Sectors map[string]SectorDef `yaml:"sectors"`
}

// LoadTable reads a sector table from the given YAML path, or the
// embedded default table when path is empty.
func LoadTable(path string) (*Table, error) {
	data := defaultTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "classifier: read keyword table %s", path)
		}
		data = b
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, eris.Wrap(err, "classifier: parse keyword table")
	}
	if len(table.Sectors) == 0 {
		return nil, eris.New("classifier: keyword table has no sectors")
	}

	// Canonicalize phrase keys so matching is punctuation-insensitive:
	// "E-mail  Marketing" and "email marketing" must hit the same entry.
	for name, def := range table.Sectors {
		if len(def.Keywords) == 0 && len(def.Phrases) == 0 {
			return nil, eris.Errorf("classifier: sector %q has no keywords or phrases", name)
		}
		canon := make(map[string]float64, len(def.Phrases))
		for phrase, weight := range def.Phrases {
			key := strings.Join(tokenize(phrase), " ")
			if key == "" {
				continue
			}
			canon[key] = weight
		}
		def.Phrases = canon

		lowered := make(map[string]float64, len(def.Keywords))
		for kw, weight := range def.Keywords {
			toks := tokenize(kw)
			if len(toks) != 1 {
				return nil, eris.Errorf("classifier: sector %q keyword %q is not a single word", name, kw)
			}
			lowered[toks[0]] = weight
		}
		def.Keywords = lowered
		table.Sectors[name] = def
	}

	return &table, nil
}
