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

	"github.com/cardmint/intake/internal/audit"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFlagRate            AlertType = "flag_rate"
	AlertBackendDown         AlertType = "backend_down"
	AlertVerificationBacklog AlertType = "verification_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config holds monitoring thresholds and delivery settings.
type Config struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL    string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval"`

	// FlagRateThreshold triggers an alert when the share of settled
	// captures ending up flagged exceeds it. MinSettled suppresses the
	// check on small populations.
	FlagRateThreshold float64 `yaml:"flag_rate_threshold" mapstructure:"flag_rate_threshold"`
	MinSettled        int64   `yaml:"min_settled" mapstructure:"min_settled"`

	// BacklogThreshold triggers an alert when too many captures wait on
	// the verifier.
	BacklogThreshold int64 `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
}

// DefaultConfig returns production monitoring thresholds.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     5 * time.Minute,
		FlagRateThreshold: 0.25,
		MinSettled:        20,
		BacklogThreshold:  50,
	}
}

// Alerter evaluates snapshots against thresholds and delivers alerts via
// webhook, recording each one on the audit stream.
type Alerter struct {
	cfg    Config
	audit  *audit.Log
	client *http.Client
}

// NewAlerter creates an Alerter. auditLog may be nil in tests.
func NewAlerter(cfg Config, auditLog *audit.Log) *Alerter {
	return &Alerter{
		cfg:    cfg,
		audit:  auditLog,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	settled := snap.Accepted + snap.Flagged + snap.Rejected
	if settled >= a.cfg.MinSettled && snap.FlagRate > a.cfg.FlagRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFlagRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Flag rate %.1f%% exceeds threshold %.1f%% (%d flagged / %d settled)",
				snap.FlagRate*100, a.cfg.FlagRateThreshold*100,
				snap.Flagged, settled,
			),
			Details: map[string]any{
				"flag_rate": snap.FlagRate,
				"threshold": a.cfg.FlagRateThreshold,
				"flagged":   snap.Flagged,
				"settled":   settled,
			},
			Timestamp: now,
		})
	}

	if !snap.PrimaryHealthy || !snap.FallbackHealthy {
		lanes := []string{}
		if !snap.PrimaryHealthy {
			lanes = append(lanes, "primary")
		}
		if !snap.FallbackHealthy {
			lanes = append(lanes, "fallback")
		}
		severity := "medium"
		if !snap.PrimaryHealthy && !snap.FallbackHealthy {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertBackendDown,
			Severity: severity,
			Message:  fmt.Sprintf("Inference backend health probe failed: %v", lanes),
			Details: map[string]any{
				"primary_healthy":  snap.PrimaryHealthy,
				"fallback_healthy": snap.FallbackHealthy,
			},
			Timestamp: now,
		})
	}

	if a.cfg.BacklogThreshold > 0 && snap.AwaitingVerification > a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertVerificationBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d captures awaiting verification exceeds threshold %d",
				snap.AwaitingVerification, a.cfg.BacklogThreshold,
			),
			Details: map[string]any{
				"awaiting":  snap.AwaitingVerification,
				"threshold": a.cfg.BacklogThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook and appends each to
// the audit stream. Returns the number successfully delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		if a.audit != nil {
			a.audit.Append(audit.KindAlert, "", alert)
		}
		if a.cfg.WebhookURL == "" {
			continue
		}
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
