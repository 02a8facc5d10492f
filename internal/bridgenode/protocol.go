// Package bridgenode exposes a local Bridge over HTTP so a dispatcher in
// another process can drive it.
package bridgenode

import (
	"encoding/json"

	"bridge-dispatch/internal/domain"
)

const (
	HealthPath  = "/health"
	ExecutePath = "/execute"
	AbortPath   = "/abort"
)

// Announcement is what a bridge node publishes for discovery.
type Announcement struct {
	ID      string            `json:"id"`
	Year    string            `json:"year,omitempty"`
	Accepts []domain.TaskType `json:"accepts,omitempty"`
	Addr    string            `json:"addr"`
}

// ExecuteRequest carries one task to the node.
type ExecuteRequest struct {
	Task domain.Record `json:"task"`
}

// ExecuteResponse is the node's answer to an ExecuteRequest.
type ExecuteResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
