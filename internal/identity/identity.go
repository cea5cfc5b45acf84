// Package identity manages the per-device P-256 key pair and self-signed
// X.509 certificate every CribCall process uses as both its TLS identity
// and its trust-store key. Grounded on the teacher's static identity
// handling in device/device.go (a long-term key pair generated once and
// held for the process lifetime) and wgcfg/key.go's fixed-size key types,
// generalized from Curve25519 to P-256 ECDSA because the certificate must
// be presentable directly to crypto/tls.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"path/filepath"
	"time"

	"github.com/cribcall/cribcall/internal/atomicfile"
)

const (
	validityBefore = -1 * time.Hour
	validityAfter  = 365 * 24 * time.Hour
	fileName       = "identity.json"
)

// DeviceIdentity is the device's long-term cryptographic identity: a P-256
// key pair and a self-signed X.509 certificate binding it to a stable
// device id.
type DeviceIdentity struct {
	DeviceID        string `json:"deviceId"`
	PrivateKeyB64   string `json:"privateKey"`
	PublicKeyB64    string `json:"publicKey"`
	CertificateB64  string `json:"certificateDer"`
	CertFingerprint string `json:"certFingerprint"`

	privateKey *ecdsa.PrivateKey
	certDER    []byte
}

// CertificateDER returns the raw DER-encoded self-signed certificate.
func (d *DeviceIdentity) CertificateDER() []byte { return d.certDER }

// PrivateKey returns the device's P-256 private key.
func (d *DeviceIdentity) PrivateKey() *ecdsa.PrivateKey { return d.privateKey }

// CertificatePEM renders the certificate in PEM form for TLS stack
// consumption.
func (d *DeviceIdentity) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: d.certDER})
}

// PrivateKeyPKCS8PEM renders the private key as PKCS#8 PEM.
func (d *DeviceIdentity) PrivateKeyPKCS8PEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(d.privateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal pkcs8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadOrCreate reads the persisted identity from dataDir, validating its
// fingerprint and issuer/subject invariant. Any failure — missing file,
// corrupt JSON, a fingerprint that doesn't match, or a malformed
// certificate — causes a fresh identity to be generated and persisted.
// LoadOrCreate only returns an error if persistence itself fails.
func LoadOrCreate(dataDir string, logf func(format string, args ...interface{})) (*DeviceIdentity, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	path := filepath.Join(dataDir, fileName)

	var stored DeviceIdentity
	if err := atomicfile.ReadJSON(path, &stored); err == nil {
		if ident, verr := hydrate(&stored); verr == nil {
			return ident, nil
		} else {
			logf("identity: stored identity failed validation (%v), regenerating", verr)
		}
	}

	ident, err := generate()
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	if err := atomicfile.WriteJSON(path, ident); err != nil {
		return nil, fmt.Errorf("identity: persist: %w", err)
	}
	return ident, nil
}

// hydrate decodes the persisted fields and re-validates the fingerprint and
// issuer==subject invariant.
func hydrate(stored *DeviceIdentity) (*DeviceIdentity, error) {
	certDER, err := base64.StdEncoding.DecodeString(stored.CertificateB64)
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	sum := sha256.Sum256(certDER)
	fp := hex.EncodeToString(sum[:])
	if fp != stored.CertFingerprint {
		return nil, errors.New("fingerprint mismatch")
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	if cert.Issuer.String() != cert.Subject.String() {
		return nil, errors.New("issuer != subject")
	}

	keyDER, err := base64.StdEncoding.DecodeString(stored.PrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	priv, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	if !roundTripVerifies(priv, cert) {
		return nil, errors.New("key pair does not verify self-signed certificate")
	}

	stored.privateKey = priv
	stored.certDER = certDER
	return stored, nil
}

func roundTripVerifies(priv *ecdsa.PrivateKey, cert *x509.Certificate) bool {
	digest := sha256.Sum256([]byte("cribcall-identity-selfcheck"))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return false
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return false
	}
	return ecdsa.Verify(pub, digest[:], r, s) && priv.PublicKey.Equal(pub)
}

func generate() (*DeviceIdentity, error) {
	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("random device id: %w", err)
	}
	deviceID := hex.EncodeToString(idBytes[:])

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	certDER, err := selfSignedCert(priv, deviceID)
	if err != nil {
		return nil, fmt.Errorf("self-signed certificate: %w", err)
	}

	sum := sha256.Sum256(certDER)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubBytes := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)

	return &DeviceIdentity{
		DeviceID:        deviceID,
		PrivateKeyB64:   base64.StdEncoding.EncodeToString(keyDER),
		PublicKeyB64:    base64.StdEncoding.EncodeToString(pubBytes),
		CertificateB64:  base64.StdEncoding.EncodeToString(certDER),
		CertFingerprint: hex.EncodeToString(sum[:]),
		privateKey:      priv,
		certDER:         certDER,
	}, nil
}

func selfSignedCert(priv *ecdsa.PrivateKey, deviceID string) ([]byte, error) {
	cn := "cribcall-" + deviceID
	subject := pkix.Name{CommonName: cn}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	sanURI, err := url.Parse("cribcall:" + deviceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now.Add(validityBefore),
		NotAfter:              now.Add(validityAfter),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		URIs:                  []*url.URL{sanURI},
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
}

// Fingerprint computes the lowercase hex SHA-256 fingerprint of an arbitrary
// DER certificate, used to classify peers at handshake time.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}
