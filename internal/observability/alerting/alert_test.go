package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenCGM-Host/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("unreachable")
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	event := Event{
		Code:        xerrors.CodeRetriesExhausted,
		Message:     "poll failed",
		Severity:    xerrors.SeverityCritical,
		PluginID:    "org.test.cgm",
		Attempts:    3,
		MaxAttempts: 3,
		OccurredAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Code != event.Code || got.PluginID != event.PluginID || got.Attempts != 3 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeSyncFailure}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestFanoutJoinsFailures(t *testing.T) {
	d := NewFanout(&LogNotifier{}, failingNotifier{}, nil)
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeCapabilityFailure, Message: "boom"})
	if err == nil || !strings.Contains(err.Error(), "channel broken") {
		t.Fatalf("expected joined channel error, got %v", err)
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op, got %v", err)
	}
}
