package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseTaskType(t *testing.T) {
	cases := []struct {
		in      string
		want    TaskType
		wantErr bool
	}{
		{in: "create", want: TaskCreate},
		{in: " Upload ", want: TaskUpload},
		{in: "NOTIFY", want: TaskNotify},
		{in: "delete", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseTaskType(c.in)
		if c.wantErr {
			if !errors.Is(err, ErrUnknownTaskType) {
				t.Errorf("ParseTaskType(%q) error = %v, want ErrUnknownTaskType", c.in, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("ParseTaskType(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		name      string
		taskType  TaskType
		raw       string
		wantInfo  string
		wantScope string
	}{
		{name: "create", taskType: TaskCreate, raw: `{"year":"2024","name":"Acme Ltd"}`, wantInfo: "Acme Ltd", wantScope: "2024"},
		{name: "upload", taskType: TaskUpload, raw: `{"reference":"R-1","documents":[{"name":"a.pdf","path":"/a.pdf"},{"name":"b.pdf","path":"/b.pdf"}]}`, wantInfo: "R-1 (2 documents)"},
		{name: "query", taskType: TaskQuery, raw: `{"year":"2023","term":"acme"}`, wantInfo: "acme", wantScope: "2023"},
		{name: "list from only", taskType: TaskList, raw: `{"from":"2024-01-01"}`, wantInfo: "from 2024-01-01"},
		{name: "download", taskType: TaskDownload, raw: `{"reference":"R-7","format":"pdf"}`, wantInfo: "R-7"},
		{name: "notify", taskType: TaskNotify, raw: `{"url":"http://example.test","body":{"ok":true}}`, wantInfo: "http://example.test"},
		{name: "empty document", taskType: TaskQuery, raw: ``},
		{name: "null document", taskType: TaskList, raw: `null`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, err := DecodePayload(c.taskType, json.RawMessage(c.raw))
			if err != nil {
				t.Fatalf("DecodePayload() error = %v", err)
			}
			if p.Type() != c.taskType {
				t.Errorf("Type() = %s, want %s", p.Type(), c.taskType)
			}
			if p.Info() != c.wantInfo {
				t.Errorf("Info() = %q, want %q", p.Info(), c.wantInfo)
			}
			if p.Scope() != c.wantScope {
				t.Errorf("Scope() = %q, want %q", p.Scope(), c.wantScope)
			}
		})
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	if _, err := DecodePayload("delete", nil); !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("unknown type error = %v", err)
	}
	if _, err := DecodePayload(TaskCreate, json.RawMessage(`{"name":`)); err == nil {
		t.Error("malformed payload decoded")
	}
}

func TestPayloadTimeout(t *testing.T) {
	zero, positive := int64(0), int64(250)
	cases := []struct {
		name   string
		opts   Options
		want   time.Duration
		wantOK bool
	}{
		{name: "unset", opts: Options{}},
		{name: "zero disables", opts: Options{TimeoutMS: &zero}, want: 0, wantOK: true},
		{name: "milliseconds", opts: Options{TimeoutMS: &positive}, want: 250 * time.Millisecond, wantOK: true},
	}
	for _, c := range cases {
		got, ok := c.opts.Timeout()
		if got != c.want || ok != c.wantOK {
			t.Errorf("%s: Timeout() = %v, %v; want %v, %v", c.name, got, ok, c.want, c.wantOK)
		}
	}
}
