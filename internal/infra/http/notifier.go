package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"bridge-dispatch/internal/domain"
)

// maxRedirects bounds how many redirects a webhook may answer with.
const maxRedirects = 10

type webhookNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a Notifier that POSTs the task body to its URL and
// follows redirects, keeping method and body on 307/308.
func NewNotifier(timeout time.Duration, logger *slog.Logger) domain.Notifier {
	return &webhookNotifier{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger: logger.With("component", "notifier"),
	}
}

// Notification is the response recorded as the NOTIFY task's result.
type Notification struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// Notify delivers payload once. A non-2xx answer is an error; there is no retry.
func (n *webhookNotifier) Notify(ctx context.Context, payload *domain.NotifyPayload) (any, error) {
	if payload.URL == "" {
		return nil, errors.New("notify payload has no url")
	}
	body := payload.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read a small portion of the body for the result.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	result := Notification{StatusCode: resp.StatusCode, Body: string(respBody)}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("notify request to %s returned %s", payload.URL, resp.Status)
	}
	n.logger.Info("notification delivered", "url", payload.URL, "status_code", resp.StatusCode)
	return result, nil
}
