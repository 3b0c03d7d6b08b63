// Package wikidata provides a client for the Wikidata action API,
// covering entity search and entity fetches with label, description,
// and claim data.
package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Wikidata property IDs the enrichment source reads.
const (
	PropInstanceOf   = "P31"
	PropManufacturer = "P176"
	PropDeveloper    = "P178"
	PropPublisher    = "P123"
)

// Client defines the Wikidata operations.
type Client interface {
	// SearchEntities runs wbsearchentities and returns up to limit item
	// matches for the query.
	SearchEntities(ctx context.Context, query string, limit int) ([]SearchResult, error)
	// GetEntities runs wbgetentities for the given Q-ids. Unknown ids
	// are simply absent from the result map.
	GetEntities(ctx context.Context, ids []string) (map[string]Entity, error)
}

// SearchResult is one entity match.
type SearchResult struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Entity is a fetched item with its claims flattened to target ids and
// plain string values, keyed by property id.
type Entity struct {
	ID          string              `json:"id"`
	Label       string              `json:"label"`
	Description string              `json:"description"`
	Claims      map[string][]string `json:"claims"`
}

// APIError is returned when the API answers with a non-success HTTP
// status after retries.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wikidata: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the Wikidata client.
type Option func(*httpClient)

// WithBaseURL sets a custom API endpoint (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithLanguage sets the label/description language (default en).
func WithLanguage(lang string) Option {
	return func(c *httpClient) {
		c.language = lang
	}
}

// WithRateLimit caps outbound request rate in queries per second.
func WithRateLimit(qps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
}

type httpClient struct {
	baseURL   string
	language  string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient creates a Wikidata client. The API needs no key, but
// Wikimedia policy requires an identifying User-Agent.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://www.wikidata.org/w/api.php",
		language:  "en",
		userAgent: "enrich-cli/1.0 (https://github.com/themis-data/enrich-cli)",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes a GET with exponential backoff on transient statuses
// and transport errors, returning the body and status of the final
// attempt.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "wikidata: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("wikidata: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) get(ctx context.Context, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "wikidata: rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: request failed")
	}
	if statusCode != http.StatusOK {
		return nil, &APIError{StatusCode: statusCode, Body: string(body)}
	}
	return body, nil
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (c *httpClient) SearchEntities(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	body, err := c.get(ctx, url.Values{
		"action":   {"wbsearchentities"},
		"search":   {query},
		"language": {c.language},
		"uselang":  {c.language},
		"type":     {"item"},
		"format":   {"json"},
		"limit":    {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Search []SearchResult `json:"search"`
		Error  *apiError      `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "wikidata: unmarshal search response")
	}
	if result.Error != nil {
		return nil, eris.Errorf("wikidata: api error %s: %s", result.Error.Code, result.Error.Info)
	}
	return result.Search, nil
}

func (c *httpClient) GetEntities(ctx context.Context, ids []string) (map[string]Entity, error) {
	if len(ids) == 0 {
		return map[string]Entity{}, nil
	}

	body, err := c.get(ctx, url.Values{
		"action":    {"wbgetentities"},
		"ids":       {strings.Join(ids, "|")},
		"languages": {c.language},
		"props":     {"labels|descriptions|claims"},
		"format":    {"json"},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Entities map[string]wireEntity `json:"entities"`
		Error    *apiError             `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "wikidata: unmarshal entities response")
	}
	if result.Error != nil {
		return nil, eris.Errorf("wikidata: api error %s: %s", result.Error.Code, result.Error.Info)
	}

	entities := make(map[string]Entity, len(result.Entities))
	for id, we := range result.Entities {
		if we.Missing != nil {
			continue
		}
		entities[id] = Entity{
			ID:          id,
			Label:       we.Labels[c.language].Value,
			Description: we.Descriptions[c.language].Value,
			Claims:      flattenClaims(we.Claims),
		}
	}
	return entities, nil
}

type wireText struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

type wireClaim struct {
	Mainsnak struct {
		Datavalue struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"datavalue"`
	} `json:"mainsnak"`
}

type wireEntity struct {
	ID           string                 `json:"id"`
	Labels       map[string]wireText    `json:"labels"`
	Descriptions map[string]wireText    `json:"descriptions"`
	Claims       map[string][]wireClaim `json:"claims"`
	Missing      *string                `json:"missing"`
}

// flattenClaims keeps entity-id targets and plain string values; other
// datavalue types (quantities, coordinates, times) are not useful for
// catalog enrichment.
func flattenClaims(claims map[string][]wireClaim) map[string][]string {
	if len(claims) == 0 {
		return nil
	}
	out := make(map[string][]string, len(claims))
	for prop, list := range claims {
		for _, claim := range list {
			dv := claim.Mainsnak.Datavalue
			switch dv.Type {
			case "wikibase-entityid":
				var v struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(dv.Value, &v); err == nil && v.ID != "" {
					out[prop] = append(out[prop], v.ID)
				}
			case "string":
				var s string
				if err := json.Unmarshal(dv.Value, &s); err == nil && s != "" {
					out[prop] = append(out[prop], s)
				}
			}
		}
	}
	return out
}
