package sources

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/dedup"
	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/registry"
)

//go:embed catalogdb.yaml
var defaultCatalog []byte

const (
	catalogName            = "catalogdb"
	defaultCatalogPriority = 1
	catalogWeight          = 0.9

	sectorITSoftware = "it_software"
)

type catalogEntry struct {
	Names       []string `yaml:"names"`
	Vendor      string   `yaml:"vendor"`
	Category    string   `yaml:"category"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

type catalogFile struct {
	Entries []catalogEntry `yaml:"entries"`
}

// CatalogDB is the embedded vendor knowledge base: a curated table of
// well-known products, answered entirely in process. Lookups resolve
// aliases first so variant spellings hit the canonical row.
type CatalogDB struct {
	cfg     config.CatalogDBConfig
	aliases *dedup.AliasTable
	entries map[string]catalogEntry
	display map[string]string
}

// NewCatalogDB loads the knowledge base, from cfg.Path when set and the
// embedded table otherwise.
func NewCatalogDB(cfg config.CatalogDBConfig) (*CatalogDB, error) {
	raw := defaultCatalog
	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, eris.Wrapf(err, "sources: read catalog table %s", cfg.Path)
		}
		raw = data
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrap(err, "sources: parse catalog table")
	}

	aliases, err := dedup.LoadAliases("")
	if err != nil {
		return nil, err
	}

	c := &CatalogDB{
		cfg:     cfg,
		aliases: aliases,
		entries: make(map[string]catalogEntry),
		display: make(map[string]string),
	}
	for _, entry := range file.Entries {
		for _, name := range entry.Names {
			key := dedup.Normalize(name)
			if key == "" {
				continue
			}
			if prev, exists := c.display[key]; exists {
				return nil, eris.Errorf("sources: catalog name %q duplicates entry %q", name, prev)
			}
			c.entries[key] = entry
			c.display[key] = name
		}
	}
	return c, nil
}

func (c *CatalogDB) Name() string { return catalogName }

func (c *CatalogDB) Info() registry.SourceInfo {
	priority := c.cfg.Priority
	if priority <= 0 {
		priority = defaultCatalogPriority
	}
	// CacheTTL stays zero: a map lookup is cheaper than the cache that
	// would front it.
	return registry.SourceInfo{
		Name:             catalogName,
		Sectors:          []string{sectorITSoftware},
		Priority:         priority,
		ConfidenceWeight: catalogWeight,
	}
}

func (c *CatalogDB) Enabled() bool { return c.cfg.Enabled }

func (c *CatalogDB) Initialize(ctx context.Context) error { return nil }

func (c *CatalogDB) Enrich(ctx context.Context, item model.CandidateItem, ec registry.EnrichContext) (*registry.Result, error) {
	entry, display, ok := c.lookup(item.Name)
	if !ok && item.Vendor != "" {
		entry, display, ok = c.lookup(item.Vendor + " " + item.Name)
	}
	if !ok {
		return nil, nil
	}

	return &registry.Result{
		Source: catalogName,
		Fields: registry.FieldPatch{
			Vendor:      entry.Vendor,
			Category:    entry.Category,
			Description: entry.Description,
			Tags:        entry.Tags,
		},
		Reasoning:  []string{fmt.Sprintf("matched catalog entry %q", display)},
		Confidence: catalogWeight,
	}, nil
}

// lookup resolves a name through the alias table, then against the
// normalized entry index.
func (c *CatalogDB) lookup(name string) (catalogEntry, string, bool) {
	key := dedup.Normalize(name)
	if canonical, ok := c.aliases.Canonical(name); ok {
		key = dedup.Normalize(canonical)
	}
	entry, ok := c.entries[key]
	if !ok {
		return catalogEntry{}, "", false
	}
	return entry, c.display[key], true
}

// Len reports the number of indexed names, for diagnostics.
func (c *CatalogDB) Len() int { return len(c.entries) }
