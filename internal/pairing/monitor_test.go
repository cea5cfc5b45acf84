package pairing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/trust"
)

func newTestMonitor(t *testing.T, confirm Confirmer) (*Monitor, *Manager) {
	t.Helper()
	store, err := trust.Open(filepath.Join(t.TempDir(), "trusted_listeners.json"))
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	sessions := NewManager(logging.New(logging.LevelSilent, "test"))
	t.Cleanup(sessions.Close)
	m := NewMonitor("monitor-1", "monitor-fp", sessions, store, confirm, nil, logging.New(logging.LevelSilent, "test"))
	return m, sessions
}

// listenerSubmit drives the listener half of the PAKE given the PIN_REQUIRED
// reply and the PIN, returning a ready-to-send PinSubmit.
func listenerSubmit(t *testing.T, required PinRequired, pin, monitorID, listenerID, listenerFP, monitorFP string) PinSubmit {
	t.Helper()
	ephemeral, err := newEphemeralKeyPair()
	if err != nil {
		t.Fatalf("newEphemeralKeyPair: %v", err)
	}
	monitorPub, err := decodePeerPublic(required.PakeMsgA)
	if err != nil {
		t.Fatalf("decodePeerPublic: %v", err)
	}
	pairingKey, err := derivePairingKey(ephemeral.private, monitorPub, pin)
	if err != nil {
		t.Fatalf("derivePairingKey: %v", err)
	}
	transcript := pairingTranscript{
		MonitorID:               monitorID,
		ListenerID:              listenerID,
		ListenerCertFingerprint: listenerFP,
		MonitorCertFingerprint:  monitorFP,
		PairingSessionID:        required.PairingSessionID,
	}
	authTag, err := transcriptAuthTag(pairingKey, transcript)
	if err != nil {
		t.Fatalf("transcriptAuthTag: %v", err)
	}
	return PinSubmit{
		Type:             TypePinSubmit,
		PairingSessionID: required.PairingSessionID,
		PakeMsgB:         ephemeral.publicBase64(),
		Transcript:       transcript,
		AuthTag:          authTag,
	}
}

func TestSuccessfulPairingInsertsTrustedPeer(t *testing.T) {
	confirm := func(ctx context.Context, s *Session) (bool, error) { return true, nil }
	m, sessions := newTestMonitor(t, confirm)

	required, apiErr := m.HandleInit(PinPairingInit{
		Type:                    TypePinPairingInit,
		ListenerID:              "listener-1",
		ListenerName:            "Nursery Phone",
		ListenerCertFingerprint: "listener-fp",
	})
	if apiErr != nil {
		t.Fatalf("HandleInit: %v", apiErr)
	}

	session, ok := sessions.Lookup(required.PairingSessionID)
	if !ok {
		t.Fatalf("session not found after HandleInit")
	}
	pin := session.PIN

	submit := listenerSubmit(t, required, pin, "monitor-1", "listener-1", "listener-fp", "monitor-fp")
	accepted, reason := m.HandleSubmit(context.Background(), submit, nil)
	if reason != "" {
		t.Fatalf("HandleSubmit rejected: %s", reason)
	}
	if accepted.MonitorCertFingerprint != "monitor-fp" {
		t.Fatalf("unexpected monitor fingerprint in reply: %s", accepted.MonitorCertFingerprint)
	}

	if !m.trustStore.IsTrusted("listener-fp") {
		t.Fatalf("expected listener-fp to be trusted after PAIR_ACCEPTED")
	}
}

func TestSuccessfulPairingPersistsPeerCertificateDER(t *testing.T) {
	confirm := func(ctx context.Context, s *Session) (bool, error) { return true, nil }
	m, sessions := newTestMonitor(t, confirm)

	required, apiErr := m.HandleInit(PinPairingInit{
		Type:                    TypePinPairingInit,
		ListenerID:              "listener-6",
		ListenerName:            "Living Room",
		ListenerCertFingerprint: "listener-fp-6",
	})
	if apiErr != nil {
		t.Fatalf("HandleInit: %v", apiErr)
	}
	session, _ := sessions.Lookup(required.PairingSessionID)
	pin := session.PIN

	submit := listenerSubmit(t, required, pin, "monitor-1", "listener-6", "listener-fp-6", "monitor-fp")
	certDER := []byte("fake-leaf-der-bytes")
	_, reason := m.HandleSubmit(context.Background(), submit, certDER)
	if reason != "" {
		t.Fatalf("HandleSubmit rejected: %s", reason)
	}

	peer, ok := m.trustStore.LookupByFingerprint("listener-fp-6")
	if !ok {
		t.Fatalf("expected listener-fp-6 to be trusted")
	}
	if string(peer.CertificateDER) != string(certDER) {
		t.Fatalf("expected peer certificate DER %q to be persisted, got %q", certDER, peer.CertificateDER)
	}
}

func TestWrongPinYieldsInvalidPinThenLocked(t *testing.T) {
	confirm := func(ctx context.Context, s *Session) (bool, error) { return true, nil }
	m, sessions := newTestMonitor(t, confirm)

	required, apiErr := m.HandleInit(PinPairingInit{
		Type:                    TypePinPairingInit,
		ListenerID:              "listener-2",
		ListenerName:            "Hallway Tablet",
		ListenerCertFingerprint: "listener-fp-2",
	})
	if apiErr != nil {
		t.Fatalf("HandleInit: %v", apiErr)
	}
	_, ok := sessions.Lookup(required.PairingSessionID)
	if !ok {
		t.Fatalf("session not found")
	}

	wrongPIN := "000001"
	submit := listenerSubmit(t, required, wrongPIN, "monitor-1", "listener-2", "listener-fp-2", "monitor-fp")

	for i := 0; i < maxAttempts-1; i++ {
		_, reason := m.HandleSubmit(context.Background(), submit, nil)
		if reason != ReasonInvalidPIN {
			t.Fatalf("attempt %d: expected INVALID_PIN, got %s", i, reason)
		}
	}
	_, reason := m.HandleSubmit(context.Background(), submit, nil)
	if reason != ReasonLocked {
		t.Fatalf("expected LOCKED after exhausting attempts, got %s", reason)
	}
}

func TestTranscriptMismatchDoesNotConsumeAttempt(t *testing.T) {
	confirm := func(ctx context.Context, s *Session) (bool, error) { return true, nil }
	m, sessions := newTestMonitor(t, confirm)

	required, apiErr := m.HandleInit(PinPairingInit{
		Type:                    TypePinPairingInit,
		ListenerID:              "listener-3",
		ListenerName:            "Kitchen Display",
		ListenerCertFingerprint: "listener-fp-3",
	})
	if apiErr != nil {
		t.Fatalf("HandleInit: %v", apiErr)
	}
	session, _ := sessions.Lookup(required.PairingSessionID)
	pin := session.PIN

	submit := listenerSubmit(t, required, pin, "monitor-1", "listener-3", "wrong-fingerprint", "monitor-fp")
	_, reason := m.HandleSubmit(context.Background(), submit, nil)
	if reason != ReasonTranscriptMismatch {
		t.Fatalf("expected TRANSCRIPT_MISMATCH, got %s", reason)
	}

	if session.attemptsUsed != 0 {
		t.Fatalf("transcript mismatch should not consume an attempt, got attemptsUsed=%d", session.attemptsUsed)
	}
}

func TestUserRejectionReturnsUserRejected(t *testing.T) {
	confirm := func(ctx context.Context, s *Session) (bool, error) { return false, nil }
	m, sessions := newTestMonitor(t, confirm)

	required, apiErr := m.HandleInit(PinPairingInit{
		Type:                    TypePinPairingInit,
		ListenerID:              "listener-4",
		ListenerName:            "Guest Room",
		ListenerCertFingerprint: "listener-fp-4",
	})
	if apiErr != nil {
		t.Fatalf("HandleInit: %v", apiErr)
	}
	session, _ := sessions.Lookup(required.PairingSessionID)
	pin := session.PIN

	submit := listenerSubmit(t, required, pin, "monitor-1", "listener-4", "listener-fp-4", "monitor-fp")
	_, reason := m.HandleSubmit(context.Background(), submit, nil)
	if reason != ReasonUserRejected {
		t.Fatalf("expected USER_REJECTED, got %s", reason)
	}
	if m.trustStore.IsTrusted("listener-fp-4") {
		t.Fatalf("rejected session must not insert a trusted peer")
	}
}

func TestReplayedSubmitOnTerminalSessionReturnsNoSession(t *testing.T) {
	confirm := func(ctx context.Context, s *Session) (bool, error) { return true, nil }
	m, sessions := newTestMonitor(t, confirm)

	required, apiErr := m.HandleInit(PinPairingInit{
		Type:                    TypePinPairingInit,
		ListenerID:              "listener-5",
		ListenerName:            "Office",
		ListenerCertFingerprint: "listener-fp-5",
	})
	if apiErr != nil {
		t.Fatalf("HandleInit: %v", apiErr)
	}
	session, _ := sessions.Lookup(required.PairingSessionID)
	pin := session.PIN

	submit := listenerSubmit(t, required, pin, "monitor-1", "listener-5", "listener-fp-5", "monitor-fp")
	_, reason := m.HandleSubmit(context.Background(), submit, nil)
	if reason != "" {
		t.Fatalf("first submit should succeed, got reason %s", reason)
	}

	_, reason = m.HandleSubmit(context.Background(), submit, nil)
	if reason != ReasonNoSession {
		t.Fatalf("replayed submit on a Confirmed session should return NO_SESSION, got %s", reason)
	}
}

func TestUnknownSessionReturnsNoSession(t *testing.T) {
	confirm := func(ctx context.Context, s *Session) (bool, error) { return true, nil }
	m, _ := newTestMonitor(t, confirm)

	_, reason := m.HandleSubmit(context.Background(), PinSubmit{PairingSessionID: "does-not-exist"}, nil)
	if reason != ReasonNoSession {
		t.Fatalf("expected NO_SESSION for unknown session id, got %s", reason)
	}
}
