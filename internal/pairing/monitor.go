// monitor.go implements the monitor-side pairing protocol state machine
// from spec.md §4.4, independent of transport so it can be driven by an
// HTTP handler, a WebSocket loop, or a test, identically.
package pairing

import (
	"context"
	"time"

	"github.com/cribcall/cribcall/internal/apierr"
	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/trust"
)

// Confirmer blocks until the monitor's user approves or rejects a session
// whose comparison code has just been computed, or until ctx is done (the
// session's 60s deadline expired). Returning (false, ctx.Err()) signals a
// timeout rather than an explicit rejection.
type Confirmer func(ctx context.Context, session *Session) (accepted bool, err error)

// TokenValidator validates and invalidates a one-time QR pairing token on
// first use.
type TokenValidator interface {
	// Validate reports whether token is live, invalidating it as a side
	// effect of a successful check.
	Validate(token string) bool
}

// Monitor runs the monitor side of the pairing protocol.
type Monitor struct {
	MonitorID              string
	MonitorCertFingerprint string

	sessions  *Manager
	trustStore *trust.Store
	confirm   Confirmer
	tokens    TokenValidator
	log       logging.Logger
}

func NewMonitor(monitorID, monitorCertFingerprint string, sessions *Manager, trustStore *trust.Store, confirm Confirmer, tokens TokenValidator, log logging.Logger) *Monitor {
	return &Monitor{
		MonitorID:              monitorID,
		MonitorCertFingerprint: monitorCertFingerprint,
		sessions:               sessions,
		trustStore:             trustStore,
		confirm:                confirm,
		tokens:                 tokens,
		log:                    log,
	}
}

// HandleInit processes PIN_PAIRING_INIT, returning the PIN_REQUIRED reply or
// a PAIR_REJECTED error.
func (m *Monitor) HandleInit(req PinPairingInit) (PinRequired, *apierr.Error) {
	if req.PairingToken != "" {
		if m.tokens == nil || !m.tokens.Validate(req.PairingToken) {
			return PinRequired{}, apierr.New(apierr.PairNoSession, "invalid or already-used pairing token")
		}
	}

	session, err := m.sessions.Create(req.ListenerName, req.ListenerID, req.ListenerCertFingerprint, req.PairingToken)
	if err != nil {
		return PinRequired{}, apierr.Wrap(apierr.Internal, err)
	}
	if req.PairingToken != "" {
		// Token-gated sessions use the token as the PAKE PIN material
		// directly: the token already proves device possession of the QR
		// code, so there is nothing further to display to the user.
		session.PIN = req.PairingToken
	} else {
		m.log.Infof("pairing session %s: PIN %s for listener %q", session.ID, session.PIN, req.ListenerName)
	}

	return PinRequired{
		Type:             TypePinRequired,
		PairingSessionID: session.ID,
		PakeMsgA:         session.ephemeral.publicBase64(),
		ExpiresInSec:     int(sessionTTL.Seconds()),
		MaxAttempts:      maxAttempts,
	}, nil
}

// HandleSubmit processes PIN_SUBMIT, blocking on user confirmation before
// returning PAIR_ACCEPTED or a PAIR_REJECTED reason. peerCertDER is the DER
// bytes of the listener's TLS client certificate leaf observed on this
// connection, if any; it is what gets persisted into the resulting
// TrustedPeer so the control server's mTLS handshake can later recognize
// this peer without relying on fingerprint matching alone.
func (m *Monitor) HandleSubmit(ctx context.Context, req PinSubmit, peerCertDER []byte) (PairAccepted, string) {
	session, ok := m.sessions.Lookup(req.PairingSessionID)
	if !ok {
		return PairAccepted{}, ReasonNoSession
	}

	session.mu.Lock()
	state := session.state
	if state == Expired || state == Confirmed || state == Rejected {
		session.mu.Unlock()
		if state == Expired {
			return PairAccepted{}, ReasonExpired
		}
		return PairAccepted{}, ReasonNoSession
	}
	if time.Now().After(session.expiresAt) {
		session.state = Expired
		session.mu.Unlock()
		return PairAccepted{}, ReasonExpired
	}
	if session.attemptsUsed >= maxAttempts {
		session.state = Rejected
		session.mu.Unlock()
		return PairAccepted{}, ReasonLocked
	}
	expected := pairingTranscript{
		MonitorID:               m.MonitorID,
		ListenerID:              session.ListenerID,
		ListenerCertFingerprint: session.ListenerCertFingerprint,
		MonitorCertFingerprint:  m.MonitorCertFingerprint,
		PairingSessionID:        session.ID,
	}
	if req.Transcript != expected {
		session.mu.Unlock()
		return PairAccepted{}, ReasonTranscriptMismatch
	}
	ephemeral := session.ephemeral
	pin := session.PIN
	session.mu.Unlock()

	peerPub, err := decodePeerPublic(req.PakeMsgB)
	if err != nil {
		return PairAccepted{}, ReasonInvalidPIN
	}
	pairingKey, err := derivePairingKey(ephemeral.private, peerPub, pin)
	if err != nil {
		return PairAccepted{}, ReasonInvalidPIN
	}

	ok, err = verifyTranscriptAuthTag(pairingKey, req.Transcript, req.AuthTag)
	if err != nil || !ok {
		session.mu.Lock()
		session.attemptsUsed++
		locked := session.attemptsUsed >= maxAttempts
		if locked {
			session.state = Rejected
		}
		session.mu.Unlock()
		if locked {
			return PairAccepted{}, ReasonLocked
		}
		return PairAccepted{}, ReasonInvalidPIN
	}

	code, err := comparisonCode(comparisonCodeContext{
		MonitorID:        m.MonitorID,
		ListenerID:       session.ListenerID,
		PakeMsgA:         ephemeral.publicBase64(),
		PakeMsgB:         req.PakeMsgB,
		PairingSessionID: session.ID,
	})
	if err != nil {
		return PairAccepted{}, ReasonInvalidPIN
	}

	session.mu.Lock()
	session.state = AwaitingConfirm
	session.ComparisonCode = code
	session.mu.Unlock()

	deadline := session.expiresAt
	confirmCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	accepted, confirmErr := m.confirm(confirmCtx, session)

	session.mu.Lock()
	defer session.mu.Unlock()
	if confirmErr != nil {
		session.state = Expired
		return PairAccepted{}, ReasonExpired
	}
	if !accepted {
		session.state = Rejected
		return PairAccepted{}, ReasonUserRejected
	}

	session.state = Confirmed
	if m.trustStore != nil {
		if err := m.trustStore.Upsert(trust.Peer{
			RemoteDeviceID:  session.ListenerID,
			Name:            session.ListenerName,
			CertFingerprint: session.ListenerCertFingerprint,
			CertificateDER:  peerCertDER,
		}); err != nil {
			m.log.Errorf("pairing: failed to persist trusted peer: %v", err)
		}
	}
	return PairAccepted{
		Type:                   TypePairAccepted,
		PairingSessionID:       session.ID,
		MonitorCertFingerprint: m.MonitorCertFingerprint,
	}, ""
}
