// Package openfoodfacts provides a client for the Open Food Facts API,
// covering product search and barcode lookups.
package openfoodfacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Open Food Facts operations.
type Client interface {
	// SearchProducts returns up to limit products matching the query.
	SearchProducts(ctx context.Context, query string, limit int) ([]Product, error)
	// GetProduct looks a product up by barcode. Unknown barcodes return
	// (nil, nil).
	GetProduct(ctx context.Context, barcode string) (*Product, error)
}

// Product is one catalog entry from the food database.
type Product struct {
	Code        string   `json:"code"`
	Name        string   `json:"product_name"`
	GenericName string   `json:"generic_name"`
	Brands      string   `json:"brands"`
	Categories  string   `json:"categories"`
	Quantity    string   `json:"quantity"`
	Labels      []string `json:"labels_tags"`
}

// APIError is returned when the API answers with a non-success HTTP
// status after retries.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openfoodfacts: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the Open Food Facts client.
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

// WithRateLimit caps outbound request rate in queries per second.
func WithRateLimit(qps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient creates an Open Food Facts client. The API needs no key,
// but asks clients to identify themselves via User-Agent.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://world.openfoodfacts.org",
		userAgent: "enrich-cli/1.0 (https://github.com/themis-data/enrich-cli)",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(1), 5),
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
			return nil, resp.StatusCode, eris.Wrap(readErr, "openfoodfacts: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("openfoodfacts: status %d: %s", resp.StatusCode, string(body))
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

func (c *httpClient) get(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, eris.Wrap(err, "openfoodfacts: rate limiter")
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "openfoodfacts: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, 0, eris.Wrap(err, "openfoodfacts: request failed")
	}
	return body, statusCode, nil
}

func (c *httpClient) SearchProducts(ctx context.Context, query string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 5
	}

	body, statusCode, err := c.get(ctx, "/cgi/search.pl", url.Values{
		"search_terms":  {query},
		"search_simple": {"1"},
		"action":        {"process"},
		"json":          {"1"},
		"page_size":     {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}
	if statusCode != http.StatusOK {
		return nil, &APIError{StatusCode: statusCode, Body: string(body)}
	}

	var result struct {
		Count    int       `json:"count"`
		Products []Product `json:"products"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "openfoodfacts: unmarshal search response")
	}
	return result.Products, nil
}

func (c *httpClient) GetProduct(ctx context.Context, barcode string) (*Product, error) {
	if barcode == "" {
		return nil, eris.New("openfoodfacts: barcode is required")
	}

	body, statusCode, err := c.get(ctx, "/api/v2/product/"+url.PathEscape(barcode)+".json", nil)
	if err != nil {
		return nil, err
	}
	// The v2 endpoint reports unknown barcodes as 404 with a status
	// body rather than an error page.
	if statusCode != http.StatusOK && statusCode != http.StatusNotFound {
		return nil, &APIError{StatusCode: statusCode, Body: string(body)}
	}

	var result struct {
		Status  int      `json:"status"`
		Product *Product `json:"product"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "openfoodfacts: unmarshal product response")
	}
	if result.Status == 0 || result.Product == nil {
		return nil, nil
	}
	return result.Product, nil
}
