package control

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/subscription"
	"github.com/cribcall/cribcall/internal/trust"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := trust.Open(filepath.Join(t.TempDir(), "trusted_listeners.json"))
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	reg, err := subscription.Open(filepath.Join(t.TempDir(), "noise_subscriptions.json"))
	if err != nil {
		t.Fatalf("subscription.Open: %v", err)
	}
	t.Cleanup(reg.Close)
	return NewServer("monitor", store, reg, nil, logging.New(logging.LevelSilent, "test"))
}

func postJSON(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, peer *trust.Peer), peer *trust.Peer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/noise/subscribe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req, peer)
	return rec
}

func TestSubscribeRejectsDeviceIDField(t *testing.T) {
	s := newTestServer(t)
	peer := &trust.Peer{RemoteDeviceID: "listener-1", CertFingerprint: "fp-1"}

	rec := postJSON(t, s.handleSubscribe, peer, `{"deviceId":"spoofed","fcmToken":"tok","platform":"android"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "device_id_forbidden") {
		t.Fatalf("expected device_id_forbidden, got %s", rec.Body.String())
	}
}

func TestSubscribeRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	peer := &trust.Peer{RemoteDeviceID: "listener-1", CertFingerprint: "fp-1"}

	rec := postJSON(t, s.handleSubscribe, peer, `{"fcmToken":"tok","platform":"android","wat":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "unknown_fields") {
		t.Fatalf("expected unknown_fields, got %s", rec.Body.String())
	}
}

func TestSubscribeRejectsInvalidPlatform(t *testing.T) {
	s := newTestServer(t)
	peer := &trust.Peer{RemoteDeviceID: "listener-1", CertFingerprint: "fp-1"}

	rec := postJSON(t, s.handleSubscribe, peer, `{"fcmToken":"tok","platform":"palmos"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid_platform") {
		t.Fatalf("expected invalid_platform, got %s", rec.Body.String())
	}
}

func TestSubscribeRejectsEmptyFCMToken(t *testing.T) {
	s := newTestServer(t)
	peer := &trust.Peer{RemoteDeviceID: "listener-1", CertFingerprint: "fp-1"}

	rec := postJSON(t, s.handleSubscribe, peer, `{"fcmToken":"","platform":"android"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid_fcm_token") {
		t.Fatalf("expected invalid_fcm_token, got %s", rec.Body.String())
	}
}

func TestSubscribeSucceedsAndIsVisibleToUnsubscribe(t *testing.T) {
	s := newTestServer(t)
	peer := &trust.Peer{RemoteDeviceID: "listener-1", CertFingerprint: "fp-1"}

	rec := postJSON(t, s.handleSubscribe, peer, `{"fcmToken":"tok-1","platform":"android"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	subs := s.subscriptions.LookupByDeviceID("listener-1")
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription to be indexed, got %d", len(subs))
	}

	rec = postJSON(t, s.handleUnsubscribe, peer, `{"fcmToken":"tok-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"unsubscribed":true`) {
		t.Fatalf("expected unsubscribed:true, got %s", rec.Body.String())
	}
}

func TestUnsubscribeRequiresAnIdentifier(t *testing.T) {
	s := newTestServer(t)
	peer := &trust.Peer{RemoteDeviceID: "listener-1", CertFingerprint: "fp-1"}

	rec := postJSON(t, s.handleUnsubscribe, peer, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "missing_identifier") {
		t.Fatalf("expected missing_identifier, got %s", rec.Body.String())
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"status":"ok"`, `"role":"monitor"`, `"protocol":"http-ws"`, `"mTLS":false`, `"trusted":false`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected health body to contain %s, got %s", want, body)
		}
	}
}

func TestUnpairReportsDeviceNotFoundOnSecondCall(t *testing.T) {
	s := newTestServer(t)
	if err := s.trustStore.Upsert(trust.Peer{RemoteDeviceID: "listener-device-123", CertFingerprint: "fp-caller"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	peer := &trust.Peer{RemoteDeviceID: "listener-device-123", CertFingerprint: "fp-caller"}

	rec := postJSON(t, s.handleUnpair, peer, `{"deviceId":"listener-device-123"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"unpaired":true`) {
		t.Fatalf("expected first unpair to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, s.handleUnpair, peer, `{"deviceId":"listener-device-123"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"reason":"device_not_found"`) {
		t.Fatalf("expected second unpair to report device_not_found, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOpenDeviceIDsReflectsLiveConnections(t *testing.T) {
	s := newTestServer(t)
	if got := s.OpenDeviceIDs(); len(got) != 0 {
		t.Fatalf("expected no open connections, got %v", got)
	}

	conn := newConn(nil, "fp-1", "listener-1", logging.New(logging.LevelSilent, "test"))
	s.mu.Lock()
	s.conns["listener-1"] = conn
	s.mu.Unlock()

	open := s.OpenDeviceIDs()
	if !open["listener-1"] {
		t.Fatalf("expected listener-1 to be open, got %v", open)
	}
}
