package trust

import (
	"path/filepath"
	"testing"
)

func TestUpsertAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_listeners.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Upsert(Peer{RemoteDeviceID: "listener-1", Name: "Nursery", CertFingerprint: "fp1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	p, ok := s.LookupByFingerprint("fp1")
	if !ok {
		t.Fatal("expected fp1 to be trusted")
	}
	if p.RemoteDeviceID != "listener-1" {
		t.Fatalf("got device id %q", p.RemoteDeviceID)
	}

	if !s.IsTrusted("fp1") {
		t.Fatal("IsTrusted should report true for fp1")
	}
	if s.IsTrusted("unknown") {
		t.Fatal("IsTrusted should report false for unknown fingerprint")
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_listeners.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Upsert(Peer{RemoteDeviceID: "d1", CertFingerprint: "fp1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	if !reopened.IsTrusted("fp1") {
		t.Fatal("expected fp1 to survive reopen")
	}
}

func TestRemoveByFingerprintIsScopedToOnePeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_listeners.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Upsert(Peer{RemoteDeviceID: "d1", CertFingerprint: "fp1"}); err != nil {
		t.Fatalf("Upsert d1: %v", err)
	}
	if err := s.Upsert(Peer{RemoteDeviceID: "d2", CertFingerprint: "fp2"}); err != nil {
		t.Fatalf("Upsert d2: %v", err)
	}

	removed, err := s.RemoveByFingerprint("fp1")
	if err != nil {
		t.Fatalf("RemoveByFingerprint: %v", err)
	}
	if !removed {
		t.Fatal("expected fp1 to be removed")
	}
	if s.IsTrusted("fp1") {
		t.Fatal("fp1 should no longer be trusted")
	}
	if !s.IsTrusted("fp2") {
		t.Fatal("fp2 should still be trusted")
	}
}

func TestRemoveByFingerprintIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_listeners.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	removed, err := s.RemoveByFingerprint("nope")
	if err != nil {
		t.Fatalf("RemoveByFingerprint: %v", err)
	}
	if removed {
		t.Fatal("expected no-op removal to report false")
	}
}
