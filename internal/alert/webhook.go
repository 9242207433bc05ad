package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// WebhookTransport posts alert records as JSON to a configured URL.
type WebhookTransport struct {
	url    string
	client *http.Client
}

// NewWebhookTransport creates a webhook transport from config. Returns nil
// when no URL is configured so callers can pass the result straight to
// NewEmitter.
func NewWebhookTransport(cfg config.AlertConfig) *WebhookTransport {
	if cfg.WebhookURL == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
	}
}

// webhookBody is the envelope posted to the webhook. Payload carries the
// type-specific body produced by the emitter.
type webhookBody struct {
	ID            string          `json:"id"`
	Type          model.AlertType `json:"type"`
	Severity      model.Severity  `json:"severity"`
	AffectedCodes []string        `json:"affected_codes"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Send posts the record to the webhook, retrying transient failures
// (network errors, 429, 5xx). Non-transient responses fail immediately
// and leave the record pending for the next DispatchPending run.
func (w *WebhookTransport) Send(ctx context.Context, rec *model.AlertRecord) error {
	body, err := json.Marshal(webhookBody{
		ID:            rec.ID,
		Type:          rec.Type,
		Severity:      rec.Severity,
		AffectedCodes: rec.AffectedCodes,
		CreatedAt:     rec.CreatedAt,
		Payload:       rec.Payload,
	})
	if err != nil {
		return eris.Wrap(err, "alert: marshal webhook body")
	}

	cfg := resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		OnRetry:        resilience.RetryLogger("webhook", "send"),
	}
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return w.post(ctx, body)
	})
}

func (w *WebhookTransport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "alert: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "alert: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		statusErr := eris.Errorf("alert: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return statusErr
	}
	return nil
}
