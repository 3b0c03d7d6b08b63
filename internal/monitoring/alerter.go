package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSourceDegradation AlertType = "source_degradation"
	AlertSuggestionBacklog AlertType = "suggestion_backlog"
	AlertQuotaPressure     AlertType = "quota_pressure"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. A
// threshold of zero disables its check.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Sources skipped because their circuit breaker was open.
	if a.cfg.DegradedEventsThreshold > 0 && snap.DegradedEvents >= a.cfg.DegradedEventsThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSourceDegradation,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d enrichment calls skipped by open circuit breakers in last %dh (threshold %d)",
				snap.DegradedEvents, snap.LookbackHours, a.cfg.DegradedEventsThreshold,
			),
			Details: map[string]any{
				"degraded_events": snap.DegradedEvents,
				"threshold":       a.cfg.DegradedEventsThreshold,
				"batch_count":     snap.BatchCount,
			},
			Timestamp: now,
		})
	}

	// Suggestions piling up without review.
	if a.cfg.SuggestionBacklogThreshold > 0 && snap.SuggestionsOpen >= a.cfg.SuggestionBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSuggestionBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d suggestions awaiting review in last %dh (threshold %d)",
				snap.SuggestionsOpen, snap.LookbackHours, a.cfg.SuggestionBacklogThreshold,
			),
			Details: map[string]any{
				"suggestions_open":    snap.SuggestionsOpen,
				"suggestions_applied": snap.SuggestionsApplied,
				"threshold":           a.cfg.SuggestionBacklogThreshold,
			},
			Timestamp: now,
		})
	}

	// Quota denials mean batches run with sources silently skipped.
	if a.cfg.QuotaDenialThreshold > 0 && snap.RateLimited >= a.cfg.QuotaDenialThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQuotaPressure,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d source calls denied by rate limits in last %dh (threshold %d)",
				snap.RateLimited, snap.LookbackHours, a.cfg.QuotaDenialThreshold,
			),
			Details: map[string]any{
				"rate_limited": snap.RateLimited,
				"threshold":    a.cfg.QuotaDenialThreshold,
				"source_calls": snap.SourceCalls,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
