package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/workflowlens/runner/internal/apperr"
)

const (
	DefaultWebhookTimeout = 10 * time.Second
	DefaultAlertTimeout   = 5 * time.Second

	sourceHeader = "cloud-run-runner"
)

// DeliveryError is a non-2xx response from a webhook endpoint.
type DeliveryError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook %s returned HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

type WebhookConfig struct {
	URL          string
	AlertURL     string
	Secret       string // signs bodies with HMAC-SHA256 when set
	Timeout      time.Duration
	AlertTimeout time.Duration
}

// WebhookNotifier POSTs JSON payloads. Each delivery is attempted once.
type WebhookNotifier struct {
	cfg        WebhookConfig
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(cfg WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = DefaultAlertTimeout
	}
	return &WebhookNotifier{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if n.cfg.URL == "" {
		n.logger.Debug("no webhook url configured, skipping notification", "job_id", ev.AnalysisID)
		return nil
	}
	if err := n.post(ctx, n.cfg.URL, ev, n.cfg.Timeout); err != nil {
		return err
	}
	n.logger.Info("webhook sent", "job_id", ev.AnalysisID, "status", ev.Status)
	return nil
}

func (n *WebhookNotifier) Alert(ctx context.Context, a Alert) error {
	if n.cfg.AlertURL == "" {
		return nil
	}
	if err := n.post(ctx, n.cfg.AlertURL, a, n.cfg.AlertTimeout); err != nil {
		return err
	}
	n.logger.Info("critical alert sent", "job_id", a.JobID, "category", a.ErrorCategory)
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, url string, payload any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Source", sourceHeader)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if n.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(n.cfg.Secret, body))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return apperr.Transport("webhook", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{URL: url, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
