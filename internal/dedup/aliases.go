package dedup

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed aliases.yaml
var defaultAliases []byte

// AliasTable resolves normalized name forms to a canonical display
// name. Two items whose names resolve to the same canonical entry are
// duplicates by definition.
type AliasTable struct {
	byForm map[string]string
}

// LoadAliases reads an alias table from the given YAML path, or the
// embedded default table when path is empty.
func LoadAliases(path string) (*AliasTable, error) {
	data := defaultAliases
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "dedup: read alias table %s", path)
		}
		data = b
	}

	var doc struct {
		Aliases map[string][]string `yaml:"aliases"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "dedup: parse alias table")
	}

	byForm := make(map[string]string, len(doc.Aliases)*3)
	add := func(form, canonical string) error {
		if form == "" {
			return nil
		}
		if existing, ok := byForm[form]; ok && existing != canonical {
			return eris.Errorf("dedup: alias form %q maps to both %q and %q", form, existing, canonical)
		}
		byForm[form] = canonical
		return nil
	}

	for canonical, variants := range doc.Aliases {
		if err := add(Normalize(canonical), canonical); err != nil {
			return nil, err
		}
		for _, v := range variants {
			if err := add(Normalize(v), canonical); err != nil {
				return nil, err
			}
		}
	}

	return &AliasTable{byForm: byForm}, nil
}

// Canonical resolves a raw name through the table. The boolean reports
// whether the name (in normalized form) is known.
func (t *AliasTable) Canonical(name string) (string, bool) {
	c, ok := t.byForm[Normalize(name)]
	return c, ok
}

// Len returns the number of distinct normalized forms in the table.
func (t *AliasTable) Len() int {
	return len(t.byForm)
}
