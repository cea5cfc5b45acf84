// Package subscription implements the noise subscription registry from
// spec.md §4.8: an in-memory map of NoiseSubscription keyed by subscriptionId
// with a disk-backed mirror, generalizing the teacher's patrickmn/go-cache
// TTL table (the teacher itself never imports go-cache; this follows
// rclone-rclone's use of it for exactly this kind of expiring-entry cache)
// plus a btree index so expiry sweeps don't have to scan every entry.
package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/btree"
	gocache "github.com/patrickmn/go-cache"

	"github.com/cribcall/cribcall/internal/atomicfile"
)

func isNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }

const (
	DefaultLeaseSeconds = 3600
	MaxLeaseSeconds     = 86400
	sweepInterval       = 60 * time.Second
)

// Subscription mirrors the NoiseSubscription record, spec.md §3.
type Subscription struct {
	DeviceID        string `json:"deviceId"`
	CertFingerprint string `json:"certFingerprint"`
	FCMToken        string `json:"fcmToken"`
	Platform        string `json:"platform"`
	SubscriptionID  string `json:"subscriptionId"`
	CreatedAtEpochSec int64 `json:"createdAtEpochSec"`
	ExpiresAtEpochSec int64 `json:"expiresAtEpochSec"`
}

// expiryEntry is what the btree orders on: (expiresAt, subscriptionId) so
// ties don't collide and the sweep can walk entries oldest-first.
type expiryEntry struct {
	expiresAt      int64
	subscriptionID string
}

func (e expiryEntry) Less(than btree.Item) bool {
	o := than.(expiryEntry)
	if e.expiresAt != o.expiresAt {
		return e.expiresAt < o.expiresAt
	}
	return e.subscriptionID < o.subscriptionID
}

// ID computes the subscriptionId for a (deviceId, fcmToken) pair:
// sha256_hex("deviceId|fcmToken"), a pure function per spec.md invariant 4.
func ID(deviceID, fcmToken string) string {
	sum := sha256.Sum256([]byte(deviceID + "|" + fcmToken))
	return hex.EncodeToString(sum[:])
}

// Registry is the monitor-side noise subscription table. Live lookups by
// subscriptionId are served from cache (go-cache, with its own TTL per
// entry so an orphaned entry self-expires even if the sweep loop below is
// slow); byDevice and expiry are secondary indexes over the same data.
type Registry struct {
	mu   sync.Mutex
	path string

	byDevice map[string]map[string]struct{} // deviceId -> set of subscriptionIds
	expiry   *btree.BTree
	cache    *gocache.Cache

	stop chan struct{}
}

// Open loads path (if present) into memory and starts the 60s sweep loop.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		byDevice: make(map[string]map[string]struct{}),
		expiry:   btree.New(32),
		cache:    gocache.New(gocache.NoExpiration, sweepInterval),
		stop:     make(chan struct{}),
	}

	var subs []*Subscription
	if err := atomicfile.ReadJSON(path, &subs); err != nil {
		if !isNotExist(err) {
			return nil, err
		}
	}
	for _, s := range subs {
		r.indexLocked(s)
	}

	go r.sweepLoop()
	return r, nil
}

func (r *Registry) Close() { close(r.stop) }

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep removes anything past its deadline from every index (the cache
// already hides expired entries from lookups, so removeLocked cannot find
// them), walking the btree ascending so it can stop at the first still-live
// entry instead of scanning the whole table.
func (r *Registry) sweep() {
	r.mu.Lock()
	now := time.Now().Unix()
	var expired []expiryEntry
	r.expiry.Ascend(func(item btree.Item) bool {
		e := item.(expiryEntry)
		if e.expiresAt > now {
			return false
		}
		expired = append(expired, e)
		return true
	})
	for _, e := range expired {
		r.expiry.Delete(e)
		if s, live := r.lookupLocked(e.subscriptionID); live && s.ExpiresAtEpochSec != e.expiresAt {
			continue // stale entry of a subscription refreshed since
		}
		r.cache.Delete(e.subscriptionID)
		for deviceID, ids := range r.byDevice {
			delete(ids, e.subscriptionID)
			if len(ids) == 0 {
				delete(r.byDevice, deviceID)
			}
		}
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		r.persist()
	}
}

// indexLocked adds s to every index. Caller holds r.mu.
func (r *Registry) indexLocked(s *Subscription) {
	if r.byDevice[s.DeviceID] == nil {
		r.byDevice[s.DeviceID] = make(map[string]struct{})
	}
	r.byDevice[s.DeviceID][s.SubscriptionID] = struct{}{}
	r.expiry.ReplaceOrInsert(expiryEntry{expiresAt: s.ExpiresAtEpochSec, subscriptionID: s.SubscriptionID})
	r.cache.Set(s.SubscriptionID, s, time.Until(time.Unix(s.ExpiresAtEpochSec, 0)))
}

// removeLocked fully removes a subscription (cache + secondary indexes) and
// reports whether it existed. Caller holds r.mu.
func (r *Registry) removeLocked(id string) bool {
	s, ok := r.lookupLocked(id)
	if !ok {
		return false
	}
	if devices := r.byDevice[s.DeviceID]; devices != nil {
		delete(devices, id)
		if len(devices) == 0 {
			delete(r.byDevice, s.DeviceID)
		}
	}
	r.expiry.Delete(expiryEntry{expiresAt: s.ExpiresAtEpochSec, subscriptionID: id})
	r.cache.Delete(id)
	return true
}

// lookupLocked reads the cache without taking r.mu itself. Caller holds r.mu.
func (r *Registry) lookupLocked(id string) (*Subscription, bool) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Subscription), true
}

// Subscribe inserts or refreshes the subscription for (deviceId, fcmToken),
// per spec.md §4.8: replacing an existing subscription resets its expiry.
func (r *Registry) Subscribe(deviceID, certFingerprint, fcmToken, platform string, leaseSeconds int) (*Subscription, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	if leaseSeconds > MaxLeaseSeconds {
		leaseSeconds = MaxLeaseSeconds
	}

	id := ID(deviceID, fcmToken)
	now := time.Now()

	r.mu.Lock()
	existing, had := r.lookupLocked(id)
	if had {
		r.removeLocked(id)
	}
	createdAt := now.Unix()
	if had {
		createdAt = existing.CreatedAtEpochSec
	}
	sub := &Subscription{
		DeviceID:          deviceID,
		CertFingerprint:   certFingerprint,
		FCMToken:          fcmToken,
		Platform:          platform,
		SubscriptionID:    id,
		CreatedAtEpochSec: createdAt,
		ExpiresAtEpochSec: now.Add(time.Duration(leaseSeconds) * time.Second).Unix(),
	}
	r.indexLocked(sub)
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes the subscription identified by fcmToken or
// subscriptionId (subscriptionId takes precedence if both are given) and
// reports whether anything was removed.
func (r *Registry) Unsubscribe(deviceID, fcmToken, subscriptionID string) (bool, error) {
	id := subscriptionID
	if id == "" {
		id = ID(deviceID, fcmToken)
	}

	r.mu.Lock()
	removed := r.removeLocked(id)
	r.mu.Unlock()

	if !removed {
		return false, nil
	}
	return true, r.persist()
}

// LookupBySubscriptionID returns a snapshot of the subscription, if live.
func (r *Registry) LookupBySubscriptionID(id string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.lookupLocked(id)
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

// LookupByDeviceID returns every live subscription for deviceID.
func (r *Registry) LookupByDeviceID(deviceID string) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byDevice[deviceID]
	out := make([]Subscription, 0, len(ids))
	for id := range ids {
		if s, ok := r.lookupLocked(id); ok {
			out = append(out, *s)
		}
	}
	return out
}

// LookupByFCMToken returns the live subscription for fcmToken, across all
// devices (a token should belong to exactly one device in practice).
func (r *Registry) LookupByFCMToken(fcmToken string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.cache.Items() {
		s, ok := r.lookupLocked(id)
		if ok && s.FCMToken == fcmToken {
			return *s, true
		}
	}
	return Subscription{}, false
}

// All returns a snapshot of every live subscription.
func (r *Registry) All() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.cache.Items()
	out := make([]Subscription, 0, len(items))
	for id := range items {
		if s, ok := r.lookupLocked(id); ok {
			out = append(out, *s)
		}
	}
	return out
}

// RemoveFCMToken removes every subscription registered under fcmToken,
// implementing push.InvalidTokenRemover: the relay reports a token
// permanently invalid (app uninstalled, token rotated without
// resubscribing) and the registry stops holding a lease for it.
func (r *Registry) RemoveFCMToken(fcmToken string) error {
	r.mu.Lock()
	var ids []string
	for id := range r.cache.Items() {
		if s, ok := r.lookupLocked(id); ok && s.FCMToken == fcmToken {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		r.removeLocked(id)
	}
	r.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return r.persist()
}

func (r *Registry) persist() error {
	r.mu.Lock()
	items := r.cache.Items()
	subs := make([]*Subscription, 0, len(items))
	for id := range items {
		if s, ok := r.lookupLocked(id); ok {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()
	return atomicfile.WriteJSON(r.path, subs)
}
