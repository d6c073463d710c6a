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

	"github.com/sells-group/eventimport/internal/config"
	"github.com/sells-group/eventimport/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertImportFailureRate AlertType = "import_failure_rate"
	AlertScheduleFailure   AlertType = "schedule_failure"
	AlertDeadTasks         AlertType = "dead_tasks"
)

// minFinishedJobs is the number of finished jobs below which the failure
// rate is not alerted on.
const minFinishedJobs = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an Alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			JitterFraction: 0.2,
		},
	}
}

// Evaluate returns the alerts raised by snap, in a stable order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= minFinishedJobs && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertImportFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Import job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.ScheduleFailures > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertScheduleFailure,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d scheduled import run(s) failed in last %dh: %s",
				snap.ScheduleFailures, snap.LookbackHours, strings.Join(snap.FailingSchedules, ", "),
			),
			Details: map[string]any{
				"failed_runs": snap.ScheduleFailures,
				"total_runs":  snap.ScheduleRuns,
				"schedules":   snap.FailingSchedules,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DeadTaskThreshold > 0 && snap.DeadTasks >= a.cfg.DeadTaskThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadTasks,
			Severity: "high",
			Message:  fmt.Sprintf("%d queue task(s) exhausted their retries", snap.DeadTasks),
			Details: map[string]any{
				"dead_tasks": snap.DeadTasks,
				"threshold":  a.cfg.DeadTaskThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// webhookPayload is the body posted to the monitoring webhook.
type webhookPayload struct {
	Source string  `json:"source"`
	Alerts []Alert `json:"alerts"`
}

// Notify posts all alerts to the webhook in one request, retrying transient
// failures. It is a no-op without a webhook URL or alerts.
func (a *Alerter) Notify(ctx context.Context, alerts []Alert) error {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return nil
	}
	body, err := json.Marshal(webhookPayload{Source: "eventimport", Alerts: alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}

	_, err = resilience.DoVal(ctx, a.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.post(ctx, body)
	})
	if err != nil {
		return eris.Wrapf(err, "monitoring: notify %d alert(s)", len(alerts))
	}
	return nil
}

func (a *Alerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPError(eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp, time.Now())
	}
	return nil
}
