package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate     AlertType = "job_failure_rate"
	AlertGeocodeFailureRate AlertType = "geocode_failure_rate"
	AlertQueueStalled       AlertType = "queue_stalled"
	AlertCircuitOpen        AlertType = "provider_circuit_open"
)

// Minimum sample sizes before a rate is worth alerting on.
const (
	minFinishedJobs = 5
	minAddresses    = 100
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
// and sends alerts via webhook when thresholds are breached.
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

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= minFinishedJobs && snap.JobFailRate > a.cfg.JobFailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.JobFailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.JobFailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.AddressesTotal >= minAddresses && snap.AddressFailRate > a.cfg.GeocodeFailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertGeocodeFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of addresses failed to geocode in last %dh (%d / %d)",
				snap.AddressFailRate*100, snap.LookbackHours,
				snap.AddressesFailed, snap.AddressesTotal,
			),
			Details: map[string]any{
				"failure_rate": snap.AddressFailRate,
				"threshold":    a.cfg.GeocodeFailureRateThreshold,
				"failed":       snap.AddressesFailed,
				"total":        snap.AddressesTotal,
			},
			Timestamp: now,
		})
	}

	// A queue that is waiting with nothing running means the daemon is
	// not admitting work.
	stall := time.Duration(a.cfg.QueueStallMins) * time.Minute
	if stall > 0 && snap.JobsQueued > 0 && snap.JobsRunning == 0 && snap.OldestQueuedAge > stall {
		alerts = append(alerts, Alert{
			Type:     AlertQueueStalled,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d job(s) queued with none running; oldest waiting %s",
				snap.JobsQueued, snap.OldestQueuedAge.Round(time.Minute),
			),
			Details: map[string]any{
				"queued":          snap.JobsQueued,
				"oldest_age_secs": int(snap.OldestQueuedAge.Seconds()),
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenCircuits) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Geocoding provider circuit open: %s",
				strings.Join(snap.OpenCircuits, ", "),
			),
			Details: map[string]any{
				"providers": snap.OpenCircuits,
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
