package etcd

import (
	"errors"
	"strings"
	"testing"
	"time"

	"bridge-dispatch/internal/domain"
)

func TestDecodeAnnouncement(t *testing.T) {
	a, err := DecodeAnnouncement([]byte(`{"id":"node-1","year":"2024","accepts":["create"],"addr":"10.0.0.5:8090"}`))
	if err != nil {
		t.Fatalf("DecodeAnnouncement() error = %v", err)
	}
	if a.ID != "node-1" || a.Year != "2024" || a.Addr != "10.0.0.5:8090" || len(a.Accepts) != 1 || a.Accepts[0] != domain.TaskCreate {
		t.Errorf("announcement = %+v", a)
	}

	if _, err := DecodeAnnouncement([]byte(`{"id":"node-1"}`)); !errors.Is(err, errMissingField) {
		t.Errorf("missing addr error = %v", err)
	}
	if _, err := DecodeAnnouncement([]byte(`not json`)); err == nil {
		t.Error("DecodeAnnouncement() accepted garbage")
	}
}

func TestOutcomeKey(t *testing.T) {
	if got := outcomeKey(domain.TaskUpload, "t-1"); got != "/bridges/outcomes/upload/t-1" {
		t.Errorf("outcomeKey() = %q", got)
	}
}

func TestNewClientNeedsEndpoints(t *testing.T) {
	_, err := NewClient(nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "etcd_endpoints") {
		t.Errorf("NewClient() without endpoints error = %v", err)
	}
}
