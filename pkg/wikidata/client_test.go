package wikidata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchEntities_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Contains(t, r.Header.Get("User-Agent"), "enrich-cli")
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		q := r.URL.Query()
		assert.Equal(t, "wbsearchentities", q.Get("action"))
		assert.Equal(t, "Slack", q.Get("search"))
		assert.Equal(t, "en", q.Get("language"))
		assert.Equal(t, "item", q.Get("type"))
		assert.Equal(t, "json", q.Get("format"))
		assert.Equal(t, "3", q.Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"search":[
			{"id":"Q28803","label":"Slack","description":"team messaging application"},
			{"id":"Q16975494","label":"slack","description":"looseness in a rope"}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.SearchEntities(context.Background(), "Slack", 3)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Q28803", got[0].ID)
	assert.Equal(t, "Slack", got[0].Label)
	assert.Equal(t, "team messaging application", got[0].Description)
}

func TestSearchEntities_DefaultLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"search":[]}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.SearchEntities(context.Background(), "anything", 0)

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchEntities_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":{"code":"param-missing","info":"The search parameter must be set."}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.SearchEntities(context.Background(), "", 5)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "param-missing")
}

func TestSearchEntities_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`blocked`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.SearchEntities(context.Background(), "Slack", 5)

	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestSearchEntities_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"search":[{"id":"Q28803","label":"Slack"}]}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.SearchEntities(context.Background(), "Slack", 1)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearchEntities_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.SearchEntities(context.Background(), "Slack", 5)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestGetEntities_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "wbgetentities", q.Get("action"))
		assert.Equal(t, "Q28803|Q95", q.Get("ids"))
		assert.Equal(t, "labels|descriptions|claims", q.Get("props"))
		assert.Equal(t, "en", q.Get("languages"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entities":{
			"Q28803":{
				"id":"Q28803",
				"labels":{"en":{"language":"en","value":"Slack"}},
				"descriptions":{"en":{"language":"en","value":"team messaging application"}},
				"claims":{
					"P31":[{"mainsnak":{"datavalue":{"type":"wikibase-entityid","value":{"entity-type":"item","id":"Q7397"}}}}],
					"P178":[{"mainsnak":{"datavalue":{"type":"wikibase-entityid","value":{"entity-type":"item","id":"Q110757974"}}}}],
					"P856":[{"mainsnak":{"datavalue":{"type":"string","value":"https://slack.com"}}}],
					"P1128":[{"mainsnak":{"datavalue":{"type":"quantity","value":{"amount":"+2500"}}}}]
				}
			},
			"Q95":{
				"id":"Q95",
				"labels":{"en":{"language":"en","value":"Google"}},
				"descriptions":{"en":{"language":"en","value":"American technology company"}},
				"claims":{}
			}
		}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.GetEntities(context.Background(), []string{"Q28803", "Q95"})

	require.NoError(t, err)
	require.Len(t, got, 2)

	slack := got["Q28803"]
	assert.Equal(t, "Slack", slack.Label)
	assert.Equal(t, "team messaging application", slack.Description)
	assert.Equal(t, []string{"Q7397"}, slack.Claims[PropInstanceOf])
	assert.Equal(t, []string{"Q110757974"}, slack.Claims[PropDeveloper])
	assert.Equal(t, []string{"https://slack.com"}, slack.Claims["P856"])
	// Quantity datavalues carry no usable text and are dropped.
	assert.NotContains(t, slack.Claims, "P1128")

	google := got["Q95"]
	assert.Equal(t, "Google", google.Label)
	assert.Empty(t, google.Claims)
}

func TestGetEntities_SkipsMissing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entities":{
			"Q28803":{"id":"Q28803","labels":{"en":{"language":"en","value":"Slack"}}},
			"Q999999999":{"id":"Q999999999","missing":""}
		}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.GetEntities(context.Background(), []string{"Q28803", "Q999999999"})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got, "Q28803")
}

func TestGetEntities_NoIDs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty id list")
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.GetEntities(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetEntities_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.GetEntities(ctx, []string{"Q28803"})

	require.Error(t, err)
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient()
	hc := c.(*httpClient)
	assert.Equal(t, "https://www.wikidata.org/w/api.php", hc.baseURL)
	assert.Equal(t, "en", hc.language)
	assert.Contains(t, hc.userAgent, "enrich-cli")
	assert.NotNil(t, hc.http)
	assert.Equal(t, 30*time.Second, hc.http.Timeout)
	assert.NotNil(t, hc.limiter)
}

func TestWithLanguage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "de", r.URL.Query().Get("language"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"search":[]}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithLanguage("de"))
	_, err := client.SearchEntities(context.Background(), "Schrank", 5)
	require.NoError(t, err)
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()

	customClient := &http.Client{}
	c := NewClient(WithHTTPClient(customClient))
	hc := c.(*httpClient)
	assert.Equal(t, customClient, hc.http)
}
