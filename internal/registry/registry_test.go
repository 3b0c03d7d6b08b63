package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themis-data/enrich-cli/internal/model"
)

// mockSource implements EnrichmentSource for testing.
type mockSource struct {
	name      string
	sectors   []string
	priority  int
	enabled   bool
	initErr   error
	initCalls atomic.Int32
}

func (m *mockSource) Name() string { return m.name }
func (m *mockSource) Info() SourceInfo {
	return SourceInfo{Name: m.name, Sectors: m.sectors, Priority: m.priority}
}
func (m *mockSource) Enabled() bool { return m.enabled }
func (m *mockSource) Initialize(_ context.Context) error {
	m.initCalls.Add(1)
	return m.initErr
}
func (m *mockSource) Enrich(_ context.Context, _ model.CandidateItem, _ EnrichContext) (*Result, error) {
	return &Result{Source: m.name, Confidence: 0.5}, nil
}

func names(sources []EnrichmentSource) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Name()
	}
	return out
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	assert.NotNil(t, r)
	assert.Empty(t, r.Snapshot())
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockSource{name: "catalogdb", sectors: []string{"it_software"}, enabled: true})

	got := r.Get("catalogdb")
	require.NotNil(t, got)
	assert.Equal(t, "catalogdb", got.Name())
	assert.Nil(t, r.Get("nonexistent"))
}

func TestRegistry_SourcesForSector_UnionAndOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockSource{name: "wikidata", sectors: []string{SectorAny}, priority: 5, enabled: true})
	r.Register(&mockSource{name: "catalogdb", sectors: []string{"it_software"}, priority: 1, enabled: true})
	r.Register(&mockSource{name: "openfoodfacts", sectors: []string{"food_beverage"}, priority: 3, enabled: true})

	got := r.SourcesForSector("it_software")
	assert.Equal(t, []string{"catalogdb", "wikidata"}, names(got))

	got = r.SourcesForSector("food_beverage")
	assert.Equal(t, []string{"openfoodfacts", "wikidata"}, names(got))

	// A sector nothing registered for still gets the universal fallback.
	got = r.SourcesForSector("logistics_transport")
	assert.Equal(t, []string{"wikidata"}, names(got))
}

func TestRegistry_SourcesForSector_FiltersDisabled(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockSource{name: "on", sectors: []string{"it_software"}, priority: 1, enabled: true})
	r.Register(&mockSource{name: "off", sectors: []string{"it_software"}, priority: 0, enabled: false})

	got := r.SourcesForSector("it_software")
	assert.Equal(t, []string{"on"}, names(got))
}

func TestRegistry_SourcesForSector_PriorityTieBreakByName(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockSource{name: "bravo", sectors: []string{"s"}, priority: 2, enabled: true})
	r.Register(&mockSource{name: "alpha", sectors: []string{"s"}, priority: 2, enabled: true})

	got := r.SourcesForSector("s")
	assert.Equal(t, []string{"alpha", "bravo"}, names(got))
}

func TestRegistry_MultiSectorSourceListedOnce(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockSource{name: "multi", sectors: []string{"a", "b"}, enabled: true})

	assert.Len(t, r.SourcesForSector("a"), 1)
	assert.Len(t, r.SourcesForSector("b"), 1)
	assert.Empty(t, r.SourcesForSector("c"))
}

func TestRegistry_UniversalSources(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockSource{name: "wikidata", sectors: []string{SectorAny}, priority: 5, enabled: true})
	r.Register(&mockSource{name: "catalogdb", sectors: []string{"it_software"}, priority: 1, enabled: true})

	got := r.UniversalSources()
	assert.Equal(t, []string{"wikidata"}, names(got))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockSource{name: "catalogdb", sectors: []string{"it_software"}, enabled: true})
	r.Register(&mockSource{name: "wikidata", sectors: []string{SectorAny}, enabled: true})

	r.Unregister("catalogdb")
	r.Unregister("never-registered")

	assert.Nil(t, r.Get("catalogdb"))
	assert.Equal(t, []string{"wikidata"}, names(r.SourcesForSector("it_software")))
}

func TestRegistry_Register_Overwrites(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockSource{name: "src", sectors: []string{"a"}, enabled: true})
	r.Register(&mockSource{name: "src", sectors: []string{"b"}, enabled: true})

	assert.Empty(t, r.SourcesForSector("a"))
	assert.Equal(t, []string{"src"}, names(r.SourcesForSector("b")))
	assert.Len(t, r.Snapshot(), 1)
}

func TestInitializeAll_DisablesFailedSource(t *testing.T) {
	r := NewRegistry()
	good := &mockSource{name: "good", sectors: []string{"s"}, enabled: true}
	bad := &mockSource{name: "bad", sectors: []string{"s"}, enabled: true, initErr: eris.New("auth failed")}
	r.Register(good)
	r.Register(bad)

	r.InitializeAll(context.Background())

	assert.Equal(t, []string{"good"}, names(r.SourcesForSector("s")))

	states := r.Snapshot()
	byName := make(map[string]SourceState, len(states))
	for _, s := range states {
		byName[s.Info.Name] = s
	}
	assert.True(t, byName["good"].Initialized)
	assert.False(t, byName["good"].Disabled)
	assert.True(t, byName["bad"].Disabled)
}

func TestInitializeAll_Idempotent(t *testing.T) {
	r := NewRegistry()
	src := &mockSource{name: "once", sectors: []string{"s"}, enabled: true}
	failed := &mockSource{name: "broken", sectors: []string{"s"}, enabled: true, initErr: eris.New("boom")}
	r.Register(src)
	r.Register(failed)

	r.InitializeAll(context.Background())
	r.InitializeAll(context.Background())

	assert.Equal(t, int32(1), src.initCalls.Load())
	// A failed source is not retried within the session either.
	assert.Equal(t, int32(1), failed.initCalls.Load())
}

func TestInitializeAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		r.Register(&mockSource{name: name, sectors: []string{"s"}, enabled: true})
	}

	r.InitializeAll(context.Background())

	for _, s := range r.Snapshot() {
		assert.True(t, s.Initialized, "source %s", s.Info.Name)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(&mockSource{name: "src", sectors: []string{"s"}, enabled: true})
		}()
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Get("src")
			_ = r.SourcesForSector("s")
			_ = r.UniversalSources()
		}()
	}
	wg.Wait()

	assert.Len(t, r.Snapshot(), 1)
}

func TestSourceInfo_Universal(t *testing.T) {
	assert.True(t, SourceInfo{Sectors: []string{SectorAny}}.Universal())
	assert.True(t, SourceInfo{Sectors: []string{"it_software", SectorAny}}.Universal())
	assert.False(t, SourceInfo{Sectors: []string{"it_software"}}.Universal())
	assert.False(t, SourceInfo{}.Universal())
}

func TestFieldPatch_StringFields(t *testing.T) {
	patch := FieldPatch{Vendor: "Amazon", Description: "Cloud compute"}

	got := patch.StringFields()
	require.Len(t, got, 2)
	assert.Equal(t, FieldValue{Field: model.FieldVendor, Value: "Amazon"}, got[0])
	assert.Equal(t, FieldValue{Field: model.FieldDescription, Value: "Cloud compute"}, got[1])
}

func TestFieldPatch_IsEmpty(t *testing.T) {
	assert.True(t, FieldPatch{}.IsEmpty())
	assert.False(t, FieldPatch{Vendor: "x"}.IsEmpty())
	assert.False(t, FieldPatch{Tags: []string{"t"}}.IsEmpty())
	assert.False(t, FieldPatch{Extra: map[string]string{"k": "v"}}.IsEmpty())
}
