package pairing

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a PairingSession's position in the monitor-side state machine:
// AwaitingPinRequired -> AwaitingConfirm -> {Confirmed, Rejected}, with
// Expired a timer-driven sink state reachable from the first two.
type State int

const (
	AwaitingPinRequired State = iota
	AwaitingConfirm
	Confirmed
	Rejected
	Expired
)

func (s State) String() string {
	switch s {
	case AwaitingPinRequired:
		return "AwaitingPinRequired"
	case AwaitingConfirm:
		return "AwaitingConfirm"
	case Confirmed:
		return "Confirmed"
	case Rejected:
		return "Rejected"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

const (
	sessionTTL  = 60 * time.Second
	maxAttempts = 3
)

// Session is a monitor-side PairingSession (spec.md §3). It is in-memory
// only: a crash discards it, and the listener may simply start a new one.
type Session struct {
	mu sync.Mutex

	ID                      string
	ListenerName            string
	ListenerID              string
	ListenerCertFingerprint string
	PairingToken            string
	PIN                     string
	ComparisonCode          string

	ephemeral    ephemeralKeyPair
	expiresAt    time.Time
	attemptsUsed int
	state        State

	timer *time.Timer
}

// newSession creates a fresh AwaitingPinRequired session with a random
// 6-digit PIN and an ephemeral X25519 key pair.
func newSession(listenerName, listenerID, listenerCertFingerprint, pairingToken string) (*Session, error) {
	ephemeral, err := newEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	pin, err := randomPIN()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:                      uuid.NewString(),
		ListenerName:            listenerName,
		ListenerID:              listenerID,
		ListenerCertFingerprint: listenerCertFingerprint,
		PairingToken:            pairingToken,
		PIN:                     pin,
		ephemeral:               ephemeral,
		expiresAt:               time.Now().Add(sessionTTL),
		state:                   AwaitingPinRequired,
	}
	return s, nil
}

func randomPIN() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("pairing: generate PIN: %w", err)
	}
	n := (uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])) % 1_000_000
	return fmt.Sprintf("%06d", n), nil
}

// remaining returns the time left before the session's hard deadline.
func (s *Session) remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Until(s.expiresAt)
}

// expireIfPast transitions the session to Expired if its deadline has
// passed and it is still in a non-terminal state.
func (s *Session) expireIfPast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (s.state == AwaitingPinRequired || s.state == AwaitingConfirm) && time.Now().After(s.expiresAt) {
		s.state = Expired
	}
}

func (s *Session) snapshotState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
