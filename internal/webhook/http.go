// Package webhook delivers storage event envelopes to external systems.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bleepstore/tenantstore/internal/events"
)

// HTTPOptions configures an HTTPSender.
type HTTPOptions struct {
	URL string
	// Client defaults to a client with Timeout.
	Client  *http.Client
	Timeout time.Duration
	// MaxAttempts bounds deliveries per envelope, including the first.
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt. It doubles on
	// every further attempt.
	InitialBackoff time.Duration
	Headers        map[string]string
}

// HTTPSender POSTs envelopes as JSON.
type HTTPSender struct {
	url         string
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	headers     map[string]string
}

var _ events.Sender = (*HTTPSender)(nil)

// NewHTTPSender creates an HTTPSender.
func NewHTTPSender(opts HTTPOptions) *HTTPSender {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPSender{
		url:         opts.URL,
		client:      opts.Client,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.InitialBackoff,
		headers:     opts.Headers,
	}
}

// Send delivers env, retrying transport errors and 5xx or 429 responses.
// Other non-2xx responses fail immediately.
func (s *HTTPSender) Send(ctx context.Context, env *events.WebhookEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding webhook envelope: %w", err)
	}

	var lastErr error
	wait := s.backoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			wait *= 2
		}

		retry, err := s.post(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("webhook %s: %w", env.Event.Type, lastErr)
}

// post performs one delivery and reports whether a failure is retryable.
func (s *HTTPSender) post(ctx context.Context, data []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
}
