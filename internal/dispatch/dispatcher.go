// Package dispatch implements the event dispatcher from spec.md §4.9: on a
// detected noise event it broadcasts to every connected, trusted listener in
// emission order, enqueues batched pushes for subscribed-but-offline peers,
// and optionally delivers to configured webhooks.
package dispatch

import (
	"context"

	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/push"
	"github.com/cribcall/cribcall/internal/sound"
	"github.com/cribcall/cribcall/internal/subscription"
	"github.com/cribcall/cribcall/internal/trust"
)

// Broadcaster is the subset of the control server the dispatcher needs:
// enumerate currently-open trusted connections and push a message to one.
type Broadcaster interface {
	// OpenDeviceIDs returns the deviceId of every connection currently open.
	OpenDeviceIDs() map[string]bool
	// Enqueue pushes v onto the named connection's outbound queue, if still
	// open. A missing connection is silently ignored (it raced a disconnect).
	Enqueue(deviceID string, v interface{}) error
}

// Dispatcher wires the sound detector's output to connected listeners, the
// push relay, and listener webhooks.
type Dispatcher struct {
	MonitorID   string
	MonitorName string

	broadcaster   Broadcaster
	subscriptions *subscription.Registry
	trustStore    *trust.Store
	pushSender    *push.Sender
	webhookSender *push.WebhookSender
	webhooksOn    bool
	log           logging.Logger
}

func New(monitorID, monitorName string, broadcaster Broadcaster, subscriptions *subscription.Registry, trustStore *trust.Store, pushSender *push.Sender, webhookSender *push.WebhookSender, webhooksOn bool, log logging.Logger) *Dispatcher {
	return &Dispatcher{
		MonitorID:     monitorID,
		MonitorName:   monitorName,
		broadcaster:   broadcaster,
		subscriptions: subscriptions,
		trustStore:    trustStore,
		pushSender:    pushSender,
		webhookSender: webhookSender,
		webhooksOn:    webhooksOn,
		log:           log,
	}
}

// Dispatch is the sound detector's emission callback: broadcast to every
// open trusted connection, then push to subscribed peers that are currently
// offline (batched into one or more relay requests of at most 500 tokens
// each), then optionally fan out to listener webhooks.
func (d *Dispatcher) Dispatch(ctx context.Context, n sound.DetectedNoise) {
	open := d.broadcaster.OpenDeviceIDs()

	frame := noiseEventFrame(n)
	for deviceID := range open {
		if err := d.broadcaster.Enqueue(deviceID, frame); err != nil {
			d.log.Debugf("dispatch: failed to enqueue noise event to %s: %v", deviceID, err)
		}
	}

	if d.pushSender != nil {
		d.dispatchPush(ctx, n, open)
	}

	if d.webhooksOn && d.webhookSender != nil && d.trustStore != nil {
		d.dispatchWebhooks(ctx, n, open)
	}
}

func (d *Dispatcher) dispatchPush(ctx context.Context, n sound.DetectedNoise, open map[string]bool) {
	var offlineTokens []string
	var representativeSubscriptionID string
	for _, sub := range d.subscriptions.All() {
		if open[sub.DeviceID] {
			continue
		}
		offlineTokens = append(offlineTokens, sub.FCMToken)
		representativeSubscriptionID = sub.SubscriptionID
	}
	if len(offlineTokens) == 0 {
		return
	}

	req := push.Request{
		MonitorID:      d.MonitorID,
		MonitorName:    d.MonitorName,
		Timestamp:      n.TimestampMs,
		PeakLevel:      n.PeakLevel,
		SubscriptionID: representativeSubscriptionID,
		FCMTokens:      offlineTokens,
	}
	go func() {
		if err := d.pushSender.Send(ctx, req); err != nil {
			d.log.Errorf("dispatch: push send failed: %v", err)
		}
	}()
}

func (d *Dispatcher) dispatchWebhooks(ctx context.Context, n sound.DetectedNoise, open map[string]bool) {
	for _, peer := range d.trustStore.List() {
		if peer.WebhookURL == "" || open[peer.RemoteDeviceID] {
			continue
		}
		sub, found := firstSubscriptionForDevice(d.subscriptions, peer.RemoteDeviceID)
		if !found {
			continue
		}
		go func(peer *trust.Peer, subscriptionID string) {
			if err := d.webhookSender.Deliver(ctx, peer.WebhookURL, push.WebhookEvent{
				RemoteDeviceID: d.MonitorID,
				MonitorName:    d.MonitorName,
				Timestamp:      n.TimestampMs,
				PeakLevel:      n.PeakLevel,
				SubscriptionID: subscriptionID,
			}); err != nil {
				d.log.Errorf("dispatch: webhook delivery to %s failed: %v", peer.RemoteDeviceID, err)
			}
		}(peer, sub.SubscriptionID)
	}
}

func firstSubscriptionForDevice(reg *subscription.Registry, deviceID string) (subscription.Subscription, bool) {
	subs := reg.LookupByDeviceID(deviceID)
	if len(subs) == 0 {
		return subscription.Subscription{}, false
	}
	return subs[0], true
}

func noiseEventFrame(n sound.DetectedNoise) map[string]interface{} {
	return map[string]interface{}{
		"type":        "NOISE_EVENT",
		"timestampMs": n.TimestampMs,
		"peakLevel":   n.PeakLevel,
	}
}
