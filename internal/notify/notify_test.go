package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autopilot/internal/config"
)

func TestWebhookPostsJSON(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	n := New(config.Config{NotifyWebhookURL: srv.URL})
	if err := n.Notify(context.Background(), Message{Text: "delivered", UserID: "u1", Kind: "delivered"}); err != nil {
		t.Fatal(err)
	}
	if got.Text != "delivered" || got.UserID != "u1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := New(config.Config{NotifyWebhookURL: srv.URL}).Notify(context.Background(), Message{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnconfiguredIsNoop(t *testing.T) {
	if _, ok := New(config.Config{}).(Noop); !ok {
		t.Fatal("expected Noop")
	}
}

type countingNotifier struct {
	mu       sync.Mutex
	inFlight int32
	peak     int32
	calls    int32
	failOn   string
}

func (c *countingNotifier) Notify(_ context.Context, msg Message) error {
	cur := atomic.AddInt32(&c.inFlight, 1)
	c.mu.Lock()
	if cur > c.peak {
		c.peak = cur
	}
	c.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&c.inFlight, -1)
	atomic.AddInt32(&c.calls, 1)
	if msg.UserID == c.failOn {
		return errors.New("rejected")
	}
	return nil
}

func TestFanoutBoundsConcurrencyAndSettles(t *testing.T) {
	n := &countingNotifier{failOn: "u3"}
	var msgs []Message
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7"} {
		msgs = append(msgs, Message{UserID: u, Text: "hi"})
	}
	res := Fanout(context.Background(), n, msgs, 3)
	if res.Sent != 6 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n.calls != 7 {
		t.Fatalf("expected every message attempted, got %d", n.calls)
	}
	if n.peak > 3 {
		t.Fatalf("peak concurrency %d exceeds chunk size", n.peak)
	}
}
