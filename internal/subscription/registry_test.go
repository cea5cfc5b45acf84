package subscription

import (
	"path/filepath"
	"testing"
)

func TestSubscribeIsPureFunctionOfDeviceAndToken(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "noise_subscriptions.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	first, err := r.Subscribe("device-1", "fp-1", "token-abc", "android", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := r.Subscribe("device-1", "fp-1", "token-abc", "android", 0)
	if err != nil {
		t.Fatalf("Subscribe (replay): %v", err)
	}
	if first.SubscriptionID != second.SubscriptionID {
		t.Fatalf("subscriptionId changed across identical subscribe calls: %s != %s", first.SubscriptionID, second.SubscriptionID)
	}
	if second.SubscriptionID != ID("device-1", "token-abc") {
		t.Fatalf("subscriptionId is not sha256hex(deviceId|fcmToken)")
	}
}

func TestSubscribeDefaultAndMaxLease(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "noise_subscriptions.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	sub, err := r.Subscribe("device-2", "fp-2", "token-2", "ios", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := sub.ExpiresAtEpochSec - sub.CreatedAtEpochSec; got != DefaultLeaseSeconds {
		t.Fatalf("expected default lease %d, got %d", DefaultLeaseSeconds, got)
	}

	clamped, err := r.Subscribe("device-3", "fp-3", "token-3", "web", 999999999)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := clamped.ExpiresAtEpochSec - clamped.CreatedAtEpochSec; got != MaxLeaseSeconds {
		t.Fatalf("expected lease clamped to %d, got %d", MaxLeaseSeconds, got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "noise_subscriptions.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.Subscribe("device-4", "fp-4", "token-4", "android", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	removed, err := r.Unsubscribe("device-4", "token-4", "")
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if !removed {
		t.Fatalf("expected first unsubscribe to remove the subscription")
	}

	removedAgain, err := r.Unsubscribe("device-4", "token-4", "")
	if err != nil {
		t.Fatalf("Unsubscribe (replay): %v", err)
	}
	if removedAgain {
		t.Fatalf("expected second unsubscribe to be a no-op")
	}
}

func TestLookupByDeviceIDReturnsAllSubscriptionsForDevice(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "noise_subscriptions.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.Subscribe("device-5", "fp-5", "token-a", "android", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := r.Subscribe("device-5", "fp-5", "token-b", "android", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs := r.LookupByDeviceID("device-5")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions for device-5, got %d", len(subs))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise_subscriptions.json")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Subscribe("device-6", "fp-6", "token-6", "android", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	r.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, ok := reopened.LookupBySubscriptionID(ID("device-6", "token-6")); !ok {
		t.Fatalf("expected subscription to survive reopen")
	}
}
