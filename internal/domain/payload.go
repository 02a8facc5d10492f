package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskType enumerates the operations a bridge can perform.
type TaskType string

const (
	TaskCreate   TaskType = "create"
	TaskUpload   TaskType = "upload"
	TaskQuery    TaskType = "query"
	TaskList     TaskType = "list"
	TaskDownload TaskType = "download"
	// TaskNotify is reserved for outbound result notifications. It never
	// occupies a bridge and jumps to the head of the backlog.
	TaskNotify TaskType = "notify"
)

// TaskTypes lists every known type in declaration order.
var TaskTypes = []TaskType{TaskCreate, TaskUpload, TaskQuery, TaskList, TaskDownload, TaskNotify}

// ParseTaskType converts a case-insensitive name into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range TaskTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
}

// Payload is the typed body of a task. Each task type has exactly one
// payload variant.
type Payload interface {
	Type() TaskType
	// Scope is the fiscal year the task belongs to. Empty means unscoped and
	// only matches unscoped bridges.
	Scope() string
	// Timeout reports the per-task deadline override; a zero duration
	// disables supervision for the task.
	Timeout() (time.Duration, bool)
	// Info is a short human readable label used in logs and for duplicate
	// detection.
	Info() string
}

// Options holds the fields every payload variant understands.
type Options struct {
	Year      string `json:"year,omitempty"`
	TimeoutMS *int64 `json:"timeout,omitempty"`
}

func (o Options) Scope() string { return o.Year }

func (o Options) Timeout() (time.Duration, bool) {
	if o.TimeoutMS == nil {
		return 0, false
	}
	if *o.TimeoutMS <= 0 {
		return 0, true
	}
	return time.Duration(*o.TimeoutMS) * time.Millisecond, true
}

// CreatePayload creates or updates a record in the remote system.
type CreatePayload struct {
	Options
	Reference string            `json:"reference,omitempty"`
	Name      string            `json:"name"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func (p *CreatePayload) Type() TaskType { return TaskCreate }
func (p *CreatePayload) Info() string   { return p.Name }

// Document is a file attached to an upload task.
type Document struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// UploadPayload attaches documents to an existing record.
type UploadPayload struct {
	Options
	Reference string     `json:"reference"`
	Documents []Document `json:"documents"`
}

func (p *UploadPayload) Type() TaskType { return TaskUpload }
func (p *UploadPayload) Info() string {
	return fmt.Sprintf("%s (%d documents)", p.Reference, len(p.Documents))
}

// QueryPayload looks up a single record.
type QueryPayload struct {
	Options
	Term string `json:"term"`
}

func (p *QueryPayload) Type() TaskType { return TaskQuery }
func (p *QueryPayload) Info() string   { return p.Term }

// ListPayload enumerates records in a date range.
type ListPayload struct {
	Options
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

func (p *ListPayload) Type() TaskType { return TaskList }
func (p *ListPayload) Info() string {
	switch {
	case p.From != "" && p.To != "":
		return p.From + " - " + p.To
	case p.From != "":
		return "from " + p.From
	case p.To != "":
		return "until " + p.To
	}
	return ""
}

// DownloadPayload fetches the documents of a record.
type DownloadPayload struct {
	Options
	Reference string `json:"reference"`
	Format    string `json:"format,omitempty"`
}

func (p *DownloadPayload) Type() TaskType { return TaskDownload }
func (p *DownloadPayload) Info() string   { return p.Reference }

// NotifyPayload delivers a result to a webhook.
type NotifyPayload struct {
	Options
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body,omitempty"`
}

func (p *NotifyPayload) Type() TaskType { return TaskNotify }
func (p *NotifyPayload) Info() string   { return p.URL }

// NewPayload returns an empty payload of the given type.
func NewPayload(t TaskType) (Payload, error) {
	switch t {
	case TaskCreate:
		return &CreatePayload{}, nil
	case TaskUpload:
		return &UploadPayload{}, nil
	case TaskQuery:
		return &QueryPayload{}, nil
	case TaskList:
		return &ListPayload{}, nil
	case TaskDownload:
		return &DownloadPayload{}, nil
	case TaskNotify:
		return &NotifyPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, t)
	}
}

// DecodePayload unmarshals raw JSON into the payload variant for t. An
// empty document yields an empty payload.
func DecodePayload(t TaskType, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}
