// pake.go implements the ephemeral-X25519-ECDH-plus-PIN key agreement used
// to bootstrap trust (spec.md §4.4), generalizing the teacher's Noise_IK
// handshake's ECDH+KDF chain (golang.org/x/crypto/curve25519,
// golang.org/x/crypto/hkdf already in the teacher's dependency tree for
// exactly this kind of key agreement) from a static-key Noise handshake to
// a short-PIN-augmented ephemeral exchange.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/cribcall/cribcall/internal/canon"
)

// ephemeralKeyPair is one side's X25519 ephemeral key pair for a single
// pairing session.
type ephemeralKeyPair struct {
	private [32]byte
	public  [32]byte
}

func newEphemeralKeyPair() (ephemeralKeyPair, error) {
	var kp ephemeralKeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return kp, fmt.Errorf("pairing: generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("pairing: derive ephemeral public key: %w", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

func (kp ephemeralKeyPair) publicBase64() string {
	return base64.StdEncoding.EncodeToString(kp.public[:])
}

func decodePeerPublic(b64 string) ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("pairing: decode peer public key: %w", err)
	}
	if len(pub) != 32 {
		return nil, fmt.Errorf("pairing: peer public key must be 32 bytes, got %d", len(pub))
	}
	return pub, nil
}

// derivePairingKey computes pairingKey = HKDF-SHA-256(ECDH(priv, peerPub),
// info="cribcall-pake-<PIN>", L=32), per spec.md §4.4 step 2.
func derivePairingKey(priv [32]byte, peerPub []byte, pin string) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("pairing: ECDH: %w", err)
	}
	info := []byte("cribcall-pake-" + pin)
	reader := hkdf.New(sha256.New, shared, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("pairing: HKDF: %w", err)
	}
	return key, nil
}

// comparisonCodeContext is the transcript hashed to derive the 6-digit
// human comparison code, per spec.md §4.4 step 3.
type comparisonCodeContext struct {
	MonitorID       string `json:"monitorId"`
	ListenerID      string `json:"listenerId"`
	PakeMsgA        string `json:"pakeMsgA"`
	PakeMsgB        string `json:"pakeMsgB"`
	PairingSessionID string `json:"pairingSessionId"`
}

// comparisonCode computes a 6-digit, zero-padded truncation of
// SHA-256(canonical(ctx)): its top 20 bits, mod 10^6.
func comparisonCode(ctx comparisonCodeContext) (string, error) {
	digest, err := canon.SHA256(ctx)
	if err != nil {
		return "", err
	}
	top32 := binary.BigEndian.Uint32(digest[0:4])
	top20 := top32 >> 12
	code := top20 % 1_000_000
	return fmt.Sprintf("%06d", code), nil
}

// pairingTranscript is the context both sides HMAC under the derived
// pairingKey, per spec.md §4.4 step 4 and the Glossary's "Transcript" entry.
type pairingTranscript struct {
	MonitorID              string `json:"monitorId"`
	ListenerID             string `json:"listenerId"`
	ListenerCertFingerprint string `json:"listenerCertFingerprint"`
	MonitorCertFingerprint string `json:"monitorCertFingerprint"`
	PairingSessionID       string `json:"pairingSessionId"`
}

func transcriptAuthTag(pairingKey []byte, t pairingTranscript) (string, error) {
	return canon.HMAC(pairingKey, t)
}

func verifyTranscriptAuthTag(pairingKey []byte, t pairingTranscript, tag string) (bool, error) {
	return canon.VerifyHMAC(pairingKey, t, tag)
}
