package pairing

import (
	"sync"
	"time"

	"github.com/cribcall/cribcall/internal/logging"
)

// Manager tracks in-memory monitor-side pairing sessions, sweeping expired
// ones on a timer, mirroring the teacher's ratelimiter garbage-collection
// loop (ratelimiter/ratelimiter.go) generalized from per-IP token buckets to
// per-session pairing state.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      logging.Logger
	stop     chan struct{}
}

func NewManager(log logging.Logger) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		log:      log,
		stop:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) Close() {
	close(m.stop)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.expireIfPast()
		if s.snapshotState() == Expired && time.Since(s.expiresAt) > 5*time.Minute {
			delete(m.sessions, id)
		}
	}
}

// Create starts a new pairing session for a PIN_PAIRING_INIT request.
func (m *Manager) Create(listenerName, listenerID, listenerCertFingerprint, pairingToken string) (*Session, error) {
	s, err := newSession(listenerName, listenerID, listenerCertFingerprint, pairingToken)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Lookup returns the session by id, expiring it first if its deadline has
// passed.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.expireIfPast()
	return s, true
}
