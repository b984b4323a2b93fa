// Package notify delivers completion callbacks to caller-supplied endpoints.
// Delivery is best-effort: a failed callback never changes task state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout = 15 * time.Second
	defaultRetries = 3
	retryBackoff   = 2 * time.Second
)

// Notifier POSTs JSON payloads with a bounded number of delivery attempts.
type Notifier struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

// New creates a notifier. retries is the total attempt budget per
// notification.
func New(retries int) *Notifier {
	if retries < 1 {
		retries = defaultRetries
	}
	return &Notifier{
		client:  &http.Client{Timeout: defaultTimeout},
		retries: retries,
		backoff: retryBackoff,
	}
}

// Notify sends the payload to url, retrying transport failures and 5xx
// responses. The caller invokes it at most once per terminal transition and
// treats errors as advisory.
func (n *Notifier) Notify(ctx context.Context, url string, payload any) error {
	if url == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.retries; attempt++ {
		lastErr = n.post(ctx, url, body)
		if lastErr == nil {
			log.Info().Str("callback_url", url).Int("attempt", attempt).Msg("callback delivered")
			return nil
		}
		log.Warn().Str("callback_url", url).Int("attempt", attempt).Err(lastErr).Msg("callback delivery failed")
		if attempt == n.retries {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * n.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send callback: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("callback endpoint status %d", resp.StatusCode)
	}
	// 4xx means the endpoint rejected the payload; retrying will not help.
	return nil
}
