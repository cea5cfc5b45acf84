package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cribcall/cribcall/internal/logging"
)

type fakeTokenRemover struct {
	mu       sync.Mutex
	removed  []string
}

func (f *fakeTokenRemover) RemoveFCMToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, token)
	return nil
}

func TestSendBatchesAtFiveHundredTokens(t *testing.T) {
	var batchSizes []int
	var mu sync.Mutex

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		batchSizes = append(batchSizes, len(req.FCMTokens))
		mu.Unlock()
		json.NewEncoder(w).Encode(Response{Success: len(req.FCMTokens)})
	}))
	defer ts.Close()

	tokens := make([]string, 1100)
	for i := range tokens {
		tokens[i] = "tok"
	}

	s := NewSender(ts.URL, 1000, nil, logging.New(logging.LevelSilent, "test"))
	if err := s.Send(context.Background(), Request{FCMTokens: tokens}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batchSizes) != 3 {
		t.Fatalf("expected 3 batches, got %d (%v)", len(batchSizes), batchSizes)
	}
	if batchSizes[0] != 500 || batchSizes[1] != 500 || batchSizes[2] != 100 {
		t.Fatalf("unexpected batch sizes: %v", batchSizes)
	}
}

func TestSendRemovesInvalidTokensReportedByRelay(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Success: 1, Failure: 1, InvalidTokens: []string{"bad-token"}})
	}))
	defer ts.Close()

	remover := &fakeTokenRemover{}
	s := NewSender(ts.URL, 1000, remover, logging.New(logging.LevelSilent, "test"))
	if err := s.Send(context.Background(), Request{FCMTokens: []string{"bad-token", "good-token"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	remover.mu.Lock()
	defer remover.mu.Unlock()
	if len(remover.removed) != 1 || remover.removed[0] != "bad-token" {
		t.Fatalf("expected bad-token to be removed, got %v", remover.removed)
	}
}

func TestSendRetriesOnceOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Success: 1})
	}))
	defer ts.Close()

	s := NewSender(ts.URL, 1000, nil, logging.New(logging.LevelSilent, "test"))
	start := time.Now()
	if err := s.Send(context.Background(), Request{FCMTokens: []string{"tok"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if elapsed := time.Since(start); elapsed < retryBackoff {
		t.Fatalf("expected at least the retry backoff to elapse, got %v", elapsed)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestSendDoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	s := NewSender(ts.URL, 1000, nil, logging.New(logging.LevelSilent, "test"))
	// Send never propagates batch errors (spec: push failures never abort
	// the dispatcher), so we only assert the relay wasn't hit twice.
	_ = s.Send(context.Background(), Request{FCMTokens: []string{"tok"}})
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt for a 4xx response, got %d", attempts)
	}
}

func TestWebhookDeliverPostsToNoiseEventPath(t *testing.T) {
	var gotPath string
	var gotEvent WebhookEvent
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotEvent)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sender := &WebhookSender{httpClient: ts.Client()}
	err := sender.Deliver(context.Background(), ts.URL, WebhookEvent{RemoteDeviceID: "monitor-1", PeakLevel: 42})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotPath != "/api/noise-event" {
		t.Fatalf("expected /api/noise-event, got %s", gotPath)
	}
	if gotEvent.Type != "noise_event" {
		t.Fatalf("expected type to be forced to noise_event, got %q", gotEvent.Type)
	}
	if gotEvent.PeakLevel != 42 {
		t.Fatalf("unexpected peak level: %d", gotEvent.PeakLevel)
	}
}
