package identity

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"os"
	"testing"
)

func TestLoadOrCreateGeneratesValidIdentity(t *testing.T) {
	dir := t.TempDir()

	ident, err := LoadOrCreate(dir, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	sum := sha256.Sum256(ident.CertificateDER())
	if hex.EncodeToString(sum[:]) != ident.CertFingerprint {
		t.Fatal("fingerprint does not match certificate DER")
	}

	cert, err := x509.ParseCertificate(ident.CertificateDER())
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if cert.Issuer.String() != cert.Subject.String() {
		t.Fatalf("issuer %q != subject %q", cert.Issuer, cert.Subject)
	}
	wantCN := "cribcall-" + ident.DeviceID
	if cert.Subject.CommonName != wantCN {
		t.Fatalf("CommonName = %q, want %q", cert.Subject.CommonName, wantCN)
	}
	if !cert.IsCA {
		t.Fatal("certificate must be its own CA (BasicConstraints CA=true)")
	}
}

func TestLoadOrCreatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate (first): %v", err)
	}

	second, err := LoadOrCreate(dir, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate (second): %v", err)
	}

	if first.DeviceID != second.DeviceID {
		t.Fatalf("device id changed across reload: %s != %s", first.DeviceID, second.DeviceID)
	}
	if first.CertFingerprint != second.CertFingerprint {
		t.Fatal("fingerprint changed across reload")
	}
}

func TestLoadOrCreateRegeneratesOnCorruption(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	if err := os.WriteFile(dir+"/identity.json", []byte(`{"deviceId":"x","certFingerprint":"deadbeef"}`), 0o600); err != nil {
		t.Fatalf("corrupt identity file: %v", err)
	}

	second, err := LoadOrCreate(dir, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate (after corruption): %v", err)
	}
	if second.DeviceID == first.DeviceID {
		t.Fatal("expected a freshly generated device id after corruption")
	}
	if second.DeviceID == "x" {
		t.Fatal("corrupt identity should not have been trusted")
	}
}
