package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"autopilot/internal/apperr"
	"autopilot/internal/config"
)

var (
	owner = config.Address{Name: "Jordan Reyes", Line1: "123 N Main St", City: "Chicago", State: "IL", Zip: "60614"}
)

func TestLobSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		if !ok || user != "test_key" {
			t.Errorf("missing basic auth")
		}
		if r.URL.Path != "/letters" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "letter-1" {
			t.Errorf("missing idempotency key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"ltr_123","tracking_number":"9400","expected_delivery_date":"2026-01-20"}`))
	}))
	defer srv.Close()

	lob := NewLob(config.Config{LobAPIKey: "test_key", LobBaseURL: srv.URL}, srv.Client())
	res, err := lob.Send(context.Background(), Request{
		Description:    "contest T1",
		To:             config.DefaultContestTo,
		From:           owner,
		Content:        "Hello\n\nLine <one>",
		IdempotencyKey: "letter-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ProviderID != "ltr_123" || res.TrackingNumber != "9400" {
		t.Fatalf("unexpected result %+v", res)
	}
	file, _ := got["file"].(string)
	if !strings.Contains(file, "Line &lt;one&gt;") {
		t.Fatalf("letter body not escaped: %s", file)
	}
	to, _ := got["to"].(map[string]any)
	if to["address_zip"] != "60680-1292" {
		t.Fatalf("unexpected recipient %v", to)
	}
}

func TestLobErrorsAreDependencyErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"address invalid"}}`))
	}))
	defer srv.Close()
	lob := NewLob(config.Config{LobAPIKey: "k", LobBaseURL: srv.URL}, srv.Client())
	_, err := lob.Send(context.Background(), Request{To: config.DefaultContestTo, From: owner, Content: "x"})
	if !errors.Is(err, apperr.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestLobNotConfigured(t *testing.T) {
	lob := NewLob(config.Config{}, nil)
	if _, err := lob.Send(context.Background(), Request{}); !IsNotConfigured(err) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestLobTracking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/letters/ltr_9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"ltr_9","tracking_events":[{"name":"Mailed","type":"normal","time":"2026-01-13T10:00:00Z"},{"name":"In Transit","type":"normal","time":"2026-01-14T10:00:00Z"}]}`))
	}))
	defer srv.Close()
	lob := NewLob(config.Config{LobAPIKey: "k", LobBaseURL: srv.URL}, srv.Client())
	events, err := lob.Tracking(context.Background(), "ltr_9")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Name != "In Transit" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestCompleteAddress(t *testing.T) {
	if err := Complete(owner); err != nil {
		t.Fatalf("complete address rejected: %v", err)
	}
	if err := Complete(config.Address{Name: "x"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
