package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bridge-dispatch/internal/bridgenode"
	"bridge-dispatch/internal/domain"
)

// remoteBridge drives a bridge node over HTTP.
type remoteBridge struct {
	announcement bridgenode.Announcement
	baseURL      string
	client       *http.Client
	probeTimeout time.Duration
}

// NewRemoteBridge creates a Bridge that forwards to the node described by a.
// Execute calls are not bounded by a client timeout; the dispatcher's own
// timeout supervision and ForceAbort handle stuck nodes.
func NewRemoteBridge(a bridgenode.Announcement, probeTimeout time.Duration) domain.Bridge {
	base := a.Addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &remoteBridge{
		announcement: a,
		baseURL:      strings.TrimRight(base, "/"),
		client:       &http.Client{},
		probeTimeout: probeTimeout,
	}
}

func (b *remoteBridge) ID() string    { return b.announcement.ID }
func (b *remoteBridge) Scope() string { return b.announcement.Year }

func (b *remoteBridge) Accepts() []domain.TaskType {
	if len(b.announcement.Accepts) == 0 {
		return nil
	}
	return b.announcement.Accepts
}

func (b *remoteBridge) SelfTest(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()
	_, err := b.do(ctx, http.MethodGet, bridgenode.HealthPath, nil)
	return err
}

func (b *remoteBridge) Execute(ctx context.Context, task *domain.Task) (any, error) {
	record, err := task.Record()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(bridgenode.ExecuteRequest{Task: record})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}

	respBody, err := b.do(ctx, http.MethodPost, bridgenode.ExecutePath, body)
	if err != nil {
		return nil, err
	}
	var resp bridgenode.ExecuteResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode execute response from %s: %w", b.ID(), err)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	return resp.Result, nil
}

func (b *remoteBridge) ForceAbort(ctx context.Context) error {
	_, err := b.do(ctx, http.MethodPost, bridgenode.AbortPath, nil)
	return err
}

// do sends one request and returns the body of a 2xx answer. Any other
// answer becomes an error carrying the node's message.
func (b *remoteBridge) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for bridge %s: %w", b.ID(), err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge %s request %s failed: %w", b.ID(), path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from bridge %s: %w", b.ID(), err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	var failure struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(respBody, &failure) == nil && failure.Error != "" {
		return nil, fmt.Errorf("bridge %s: %s", b.ID(), failure.Error)
	}
	return nil, fmt.Errorf("bridge %s %s returned %s", b.ID(), path, resp.Status)
}
