// Package registry defines the pluggable enrichment source interface
// and the sector-indexed registry the pipeline selects sources from.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/themis-data/enrich-cli/internal/model"
	"github.com/themis-data/enrich-cli/internal/ratelimit"
)

// SectorAny is the sentinel sector marking a source as universal: it
// is offered for every sector as a fallback.
const SectorAny = "any"

// SourceInfo describes a source's registration: which sectors it
// serves, its position in the waterfall, and its quota/cache policy.
type SourceInfo struct {
	Name             string            `json:"name"`
	Sectors          []string          `json:"sectors"`
	Priority         int               `json:"priority"`
	ConfidenceWeight float64           `json:"confidence_weight"`
	RateLimit        *ratelimit.Config `json:"rate_limit,omitempty"`
	CacheTTL         time.Duration     `json:"cache_ttl,omitempty"`
}

// Universal reports whether the source declared the any-sector sentinel.
func (s SourceInfo) Universal() bool {
	for _, sec := range s.Sectors {
		if sec == SectorAny {
			return true
		}
	}
	return false
}

// FieldPatch carries the fields a source wants to contribute. Known
// fields are typed; anything else a source learns goes into Extra so
// extensions survive without weakening the core schema.
type FieldPatch struct {
	Vendor      string            `json:"vendor,omitempty"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// FieldValue is one named field taken from a patch.
type FieldValue struct {
	Field string
	Value string
}

// StringFields lists the non-empty typed fields in a stable order for
// merge iteration.
func (p FieldPatch) StringFields() []FieldValue {
	out := make([]FieldValue, 0, 3)
	if p.Vendor != "" {
		out = append(out, FieldValue{Field: model.FieldVendor, Value: p.Vendor})
	}
	if p.Category != "" {
		out = append(out, FieldValue{Field: model.FieldCategory, Value: p.Category})
	}
	if p.Description != "" {
		out = append(out, FieldValue{Field: model.FieldDescription, Value: p.Description})
	}
	return out
}

// IsEmpty reports whether the patch contributes nothing.
func (p FieldPatch) IsEmpty() bool {
	return p.Vendor == "" && p.Category == "" && p.Description == "" &&
		len(p.Tags) == 0 && len(p.Extra) == 0
}

// Result is a source's answer for one item.
type Result struct {
	Source     string     `json:"source"`
	Fields     FieldPatch `json:"fields"`
	Reasoning  []string   `json:"reasoning,omitempty"`
	Confidence float64    `json:"confidence"`
}

// EnrichContext carries per-call metadata into a source.
type EnrichContext struct {
	Tenant  string
	Sector  string
	BatchID string
}

// EnrichmentSource is implemented by each pluggable provider.
type EnrichmentSource interface {
	// Name returns the source identifier (matches config and cache keys).
	Name() string
	// Info returns the source's registration metadata.
	Info() SourceInfo
	// Enabled reports whether the source should be offered at all.
	Enabled() bool
	// Initialize prepares the source. Called once per process; a
	// failure disables the source for the session.
	Initialize(ctx context.Context) error
	// Enrich proposes field values for one item.
	Enrich(ctx context.Context, item model.CandidateItem, ec EnrichContext) (*Result, error)
}

// SourceState is a point-in-time view of one registration.
type SourceState struct {
	Info        SourceInfo `json:"info"`
	Enabled     bool       `json:"enabled"`
	Initialized bool       `json:"initialized"`
	Disabled    bool       `json:"disabled"`
}

// Registry holds registered sources indexed by sector, plus a separate
// universal list for any-sector fallbacks. Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]EnrichmentSource
	bySector    map[string][]string
	universal   []string
	initialized map[string]bool
	disabled    map[string]bool
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[string]EnrichmentSource),
		bySector:    make(map[string][]string),
		initialized: make(map[string]bool),
		disabled:    make(map[string]bool),
	}
}

// Register adds a source, replacing any previous registration under
// the same name.
func (r *Registry) Register(src EnrichmentSource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := src.Name()
	if _, exists := r.sources[name]; exists {
		r.removeFromIndexLocked(name)
	}
	r.sources[name] = src
	delete(r.initialized, name)
	delete(r.disabled, name)

	info := src.Info()
	if info.Universal() {
		r.universal = append(r.universal, name)
		return
	}
	for _, sector := range info.Sectors {
		r.bySector[sector] = append(r.bySector[sector], name)
	}
}

// Unregister removes a source by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; !exists {
		return
	}
	r.removeFromIndexLocked(name)
	delete(r.sources, name)
	delete(r.initialized, name)
	delete(r.disabled, name)
}

func (r *Registry) removeFromIndexLocked(name string) {
	r.universal = removeName(r.universal, name)
	for sector, names := range r.bySector {
		r.bySector[sector] = removeName(names, name)
		if len(r.bySector[sector]) == 0 {
			delete(r.bySector, sector)
		}
	}
}

// Get returns a source by name, or nil if not registered.
func (r *Registry) Get(name string) EnrichmentSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[name]
}

// SourcesForSector returns the sources to try for a sector: the union
// of sector-specific and universal registrations, de-duplicated,
// filtered to enabled ones, sorted by ascending priority with name as
// the tie-break.
func (r *Registry) SourcesForSector(sector string) []EnrichmentSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.bySector[sector])+len(r.universal))
	names = append(names, r.bySector[sector]...)
	names = append(names, r.universal...)
	return r.selectLocked(names)
}

// UniversalSources returns the enabled any-sector sources in priority
// order.
func (r *Registry) UniversalSources() []EnrichmentSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectLocked(r.universal)
}

// selectLocked de-duplicates, filters, and priority-sorts a name list.
// Callers must hold at least a read lock.
func (r *Registry) selectLocked(names []string) []EnrichmentSource {
	seen := make(map[string]bool, len(names))
	out := make([]EnrichmentSource, 0, len(names))
	for _, name := range names {
		if seen[name] || r.disabled[name] {
			continue
		}
		seen[name] = true
		src, ok := r.sources[name]
		if !ok || !src.Enabled() {
			continue
		}
		out = append(out, src)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Info().Priority, out[j].Info().Priority
		if pi != pj {
			return pi < pj
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// InitializeAll initializes every registered source concurrently.
// Initialization is idempotent: sources that already succeeded (or
// were disabled by an earlier failure) are skipped. A source whose
// Initialize fails is disabled for the session; the registry itself
// never aborts.
func (r *Registry) InitializeAll(ctx context.Context) {
	r.mu.RLock()
	pending := make([]EnrichmentSource, 0, len(r.sources))
	for name, src := range r.sources {
		if r.initialized[name] || r.disabled[name] {
			continue
		}
		pending = append(pending, src)
	}
	r.mu.RUnlock()

	if len(pending) == 0 {
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, src := range pending {
		g.Go(func() error {
			if err := src.Initialize(gCtx); err != nil {
				zap.L().Warn("registry: source initialization failed, disabling for session",
					zap.String("source", src.Name()),
					zap.Error(err),
				)
				r.mu.Lock()
				r.disabled[src.Name()] = true
				r.mu.Unlock()
				return nil
			}
			r.mu.Lock()
			r.initialized[src.Name()] = true
			r.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Snapshot returns the state of every registration, sorted by priority
// then name, for operator display.
func (r *Registry) Snapshot() []SourceState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SourceState, 0, len(r.sources))
	for name, src := range r.sources {
		out = append(out, SourceState{
			Info:        src.Info(),
			Enabled:     src.Enabled(),
			Initialized: r.initialized[name],
			Disabled:    r.disabled[name],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Info.Priority != out[j].Info.Priority {
			return out[i].Info.Priority < out[j].Info.Priority
		}
		return out[i].Info.Name < out[j].Info.Name
	})
	return out
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
