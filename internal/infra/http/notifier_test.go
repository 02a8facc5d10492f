package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bridge-dispatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierPostsBodyAndFollowsRedirects(t *testing.T) {
	type delivery struct{ method, body string }
	got := make(chan delivery, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{r.Method, string(body)}
		w.Write([]byte("thanks"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	n := NewNotifier(time.Second, testLogger())
	res, err := n.Notify(context.Background(), &domain.NotifyPayload{
		URL:  srv.URL + "/old",
		Body: json.RawMessage(`{"id":"t-1","status":"done"}`),
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	d := <-got
	if d.method != http.MethodPost || d.body != `{"id":"t-1","status":"done"}` {
		t.Errorf("webhook got %s %q", d.method, d.body)
	}
	note, ok := res.(Notification)
	if !ok || note.StatusCode != http.StatusOK || note.Body != "thanks" {
		t.Errorf("result = %#v", res)
	}
}

func TestNotifierFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(time.Second, testLogger())
	_, err := n.Notify(context.Background(), &domain.NotifyPayload{URL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Notify() error = %v, want a 502 error", err)
	}
	if _, err := n.Notify(context.Background(), &domain.NotifyPayload{}); err == nil {
		t.Error("Notify() without url succeeded")
	}
}
