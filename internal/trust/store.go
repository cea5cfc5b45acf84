// Package trust implements the trust store: the set of peer devices (trusted
// listeners on a monitor, trusted monitors on a listener) that gate mTLS
// access to the control server. Backed by a single JSON file per role,
// rewritten atomically on every mutation and serialized by a per-store
// mutex, mirroring the teacher's pattern of a single RWMutex-guarded
// in-memory table (device/allowedips.go, device/device.go's peers table)
// with a disk-backed mirror.
package trust

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/cribcall/cribcall/internal/atomicfile"
)

// Peer is a TrustedPeer record: from a monitor's perspective a trusted
// listener, from a listener's perspective a trusted monitor.
type Peer struct {
	RemoteDeviceID  string `json:"remoteDeviceId"`
	Name            string `json:"name"`
	CertFingerprint string `json:"certFingerprint"`
	AddedAtEpochSec int64  `json:"addedAtEpochSec"`
	CertificateDER  []byte `json:"certificateDer,omitempty"`

	// Listener-side only fields.
	LastKnownIP      string `json:"lastKnownIp,omitempty"`
	LastNoiseEpochMs int64  `json:"lastNoiseEpochMs,omitempty"`

	// Monitor-side only: a webhook this listener has registered to receive
	// noise events on, independent of whether it currently holds an open
	// WebSocket connection.
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// Store is a single role's trust store (trusted_listeners.json or
// trusted_monitors.json). All access is serialized by mu; every mutation
// rewrites the whole file atomically so a crash never yields a partial file.
type Store struct {
	mu   sync.RWMutex
	path string
	byFP map[string]*Peer
}

// Open loads path (if it exists) into memory. A missing file is treated as
// an empty store, not an error.
func Open(path string) (*Store, error) {
	s := &Store{path: path, byFP: make(map[string]*Peer)}

	var peers []*Peer
	if err := atomicfile.ReadJSON(path, &peers); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	for _, p := range peers {
		s.byFP[p.CertFingerprint] = p
	}
	return s, nil
}

// List returns a snapshot of every trusted peer.
func (s *Store) List() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.byFP))
	for _, p := range s.byFP {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// LookupByFingerprint returns the peer trusted under fingerprint, if any.
func (s *Store) LookupByFingerprint(fingerprint string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byFP[fingerprint]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// IsTrusted reports whether fingerprint belongs to a trusted peer.
func (s *Store) IsTrusted(fingerprint string) bool {
	_, ok := s.LookupByFingerprint(fingerprint)
	return ok
}

// Upsert inserts or replaces the peer keyed by its CertFingerprint and
// persists the store atomically.
func (s *Store) Upsert(p Peer) error {
	if p.AddedAtEpochSec == 0 {
		p.AddedAtEpochSec = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byFP[p.CertFingerprint] = &p
	return s.persistLocked()
}

// RemoveByFingerprint removes the peer with the given fingerprint, if
// present, and reports whether anything was removed.
func (s *Store) RemoveByFingerprint(fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byFP[fingerprint]; !ok {
		return false, nil
	}
	delete(s.byFP, fingerprint)
	return true, s.persistLocked()
}

// RemoveByDeviceID removes every peer with the given remote device id and
// reports whether anything was removed.
func (s *Store) RemoveByDeviceID(deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	for fp, p := range s.byFP {
		if p.RemoteDeviceID == deviceID {
			delete(s.byFP, fp)
			removed = true
		}
	}
	if !removed {
		return false, nil
	}
	return true, s.persistLocked()
}

// CertificateDERs returns the DER bytes of every trusted peer's certificate,
// used to build the control server's acceptable mTLS client certificate set.
func (s *Store) CertificateDERs() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, 0, len(s.byFP))
	for _, p := range s.byFP {
		if len(p.CertificateDER) > 0 {
			out = append(out, p.CertificateDER)
		}
	}
	return out
}

func (s *Store) persistLocked() error {
	peers := make([]*Peer, 0, len(s.byFP))
	for _, p := range s.byFP {
		peers = append(peers, p)
	}
	return atomicfile.WriteJSON(s.path, peers)
}
