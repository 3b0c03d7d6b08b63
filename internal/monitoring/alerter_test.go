package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themis-data/enrich-cli/internal/config"
)

func testThresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		DegradedEventsThreshold:    10,
		SuggestionBacklogThreshold: 50,
		QuotaDenialThreshold:       25,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testThresholds())

	snap := &MetricsSnapshot{
		BatchCount:      12,
		DegradedEvents:  3,
		SuggestionsOpen: 8,
		RateLimited:     2,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_SourceDegradation(t *testing.T) {
	a := NewAlerter(testThresholds())

	snap := &MetricsSnapshot{
		BatchCount:     5,
		DegradedEvents: 17,
		LookbackHours:  24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSourceDegradation, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "17 enrichment calls skipped")
}

func TestAlerter_Evaluate_SuggestionBacklog(t *testing.T) {
	a := NewAlerter(testThresholds())

	snap := &MetricsSnapshot{
		SuggestionsOpen: 61,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSuggestionBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "61 suggestions awaiting review")
}

func TestAlerter_Evaluate_QuotaPressure(t *testing.T) {
	a := NewAlerter(testThresholds())

	snap := &MetricsSnapshot{
		RateLimited:   30,
		SourceCalls:   map[string]int{"wikidata": 12},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQuotaPressure, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "30 source calls denied")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testThresholds())

	snap := &MetricsSnapshot{
		DegradedEvents:  15,
		SuggestionsOpen: 80,
		RateLimited:     40,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, al := range alerts {
		types[al.Type] = true
	}
	assert.True(t, types[AlertSourceDegradation])
	assert.True(t, types[AlertSuggestionBacklog])
	assert.True(t, types[AlertQuotaPressure])
}

func TestAlerter_Evaluate_ThresholdBoundary(t *testing.T) {
	a := NewAlerter(testThresholds())

	// Exactly at the threshold fires the alert.
	snap := &MetricsSnapshot{DegradedEvents: 10, LookbackHours: 24}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSourceDegradation, alerts[0].Type)
}

func TestAlerter_Evaluate_ZeroThresholdDisables(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		DegradedEvents:  999,
		SuggestionsOpen: 999,
		RateLimited:     999,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertSourceDegradation, Severity: "high", Message: "test alert 1"},
		{Type: AlertQuotaPressure, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertSourceDegradation, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertSourceDegradation, Message: "test"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 0, sent)
}
