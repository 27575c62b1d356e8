package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// bodyLogLimit caps how much of a webhook response lands in the log
const bodyLogLimit = 1000

// Webhook POSTs the notification as JSON. Deliveries are one-shot:
// the receiving side owns retry semantics, a completed job must never
// re-run because someone's endpoint was down.
type Webhook struct {
	url      string
	token    string
	client   *http.Client
	outcomes zerolog.Logger
}

// NewWebhook builds the webhook notifier with the given delivery timeout
func NewWebhook(url string, timeout time.Duration, token string, outcomes zerolog.Logger) *Webhook {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:      url,
		token:    token,
		client:   &http.Client{Timeout: timeout},
		outcomes: outcomes,
	}
}

func (w *Webhook) Notify(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.outcomes.Error().
			Str("job_id", n.JobID).
			Err(err).
			Msg("webhook delivery failed")
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyLogLimit+1))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.outcomes.Error().
			Str("job_id", n.JobID).
			Int("status", resp.StatusCode).
			Str("body", truncateBody(body, bodyLogLimit)).
			Msg("webhook rejected")
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	w.outcomes.Info().
		Str("job_id", n.JobID).
		Int("status", resp.StatusCode).
		Str("body", truncateBody(body, bodyLogLimit)).
		Msg("webhook delivered")
	return nil
}
