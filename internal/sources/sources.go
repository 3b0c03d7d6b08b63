// Package sources holds the built-in enrichment sources: the embedded
// vendor knowledge base, the Wikidata universal fallback, and the Open
// Food Facts product source. Each adapts an external dataset to the
// registry's EnrichmentSource interface.
package sources

import (
	"errors"

	"github.com/themis-data/enrich-cli/internal/config"
	"github.com/themis-data/enrich-cli/internal/registry"
	"github.com/themis-data/enrich-cli/internal/resilience"
	"github.com/themis-data/enrich-cli/pkg/openfoodfacts"
	"github.com/themis-data/enrich-cli/pkg/wikidata"
)

// RegisterBuiltins constructs the built-in sources from config and
// registers them. Disabled sources are still registered so operators
// can see them in the sources listing; the registry filters them out
// of selection.
func RegisterBuiltins(reg *registry.Registry, cfg config.SourcesConfig) error {
	catalog, err := NewCatalogDB(cfg.CatalogDB)
	if err != nil {
		return err
	}
	reg.Register(catalog)
	reg.Register(NewWikidata(cfg.Wikidata))
	reg.Register(NewOpenFoodFacts(cfg.OpenFoodFacts))
	return nil
}

// markTransient tags upstream API failures whose HTTP status signals a
// retryable condition, so the circuit breaker and pipeline logging can
// tell outages from hard errors.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	var wdErr *wikidata.APIError
	if errors.As(err, &wdErr) && resilience.IsTransientHTTPStatus(wdErr.StatusCode) {
		return resilience.NewTransientError(err, wdErr.StatusCode)
	}
	var offErr *openfoodfacts.APIError
	if errors.As(err, &offErr) && resilience.IsTransientHTTPStatus(offErr.StatusCode) {
		return resilience.NewTransientError(err, offErr.StatusCode)
	}
	return err
}
