package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestNotifier(retries int) *Notifier {
	n := New(retries)
	n.backoff = time.Millisecond
	return n
}

func TestNotifyDeliversPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(3)
	err := n.Notify(context.Background(), srv.URL, map[string]string{"task_id": "t1", "status": "completed"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got["task_id"] != "t1" || got["status"] != "completed" {
		t.Fatalf("payload mismatch: %v", got)
	}
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(3)
	if err := n.Notify(context.Background(), srv.URL, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("notify should succeed within the attempt budget: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNotifyGivesUpAfterBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := newTestNotifier(2)
	if err := n.Notify(context.Background(), srv.URL, map[string]string{"k": "v"}); err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	n := newTestNotifier(3)
	if err := n.Notify(context.Background(), srv.URL, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("a 4xx rejection is final, not an error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestNotifyEmptyURLIsNoop(t *testing.T) {
	n := newTestNotifier(3)
	if err := n.Notify(context.Background(), "", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("empty url: %v", err)
	}
}

func TestNotifyHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(3)
	n.backoff = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Notify(ctx, srv.URL, map[string]string{"k": "v"}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notify did not stop on context cancel")
	}
}
