package control

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall/internal/apierr"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/subscription"
	"github.com/cribcall/cribcall/internal/trust"
)

const maxControlBodyBytes = 16 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the mTLS control server from spec.md §4.5: the trusted-only
// WebSocket channel plus the health/unpair/subscribe/unsubscribe HTTP
// endpoints.
type Server struct {
	Role          string // "monitor" or "listener", reported by /health
	trustStore    *trust.Store
	subscriptions *subscription.Registry
	log           logging.Logger

	mu    sync.RWMutex
	conns map[string]*Conn // deviceId -> active connection

	knownUntrustedFingerprints map[string]bool
}

// NewServer builds a control server over trustStore and subscriptions.
// knownUntrusted is recorded on the Server but not consulted by it: TLS-layer
// acceptance of known-untrusted certificates is configured separately through
// TLSConfig's knownUntrusted map, and the trusted endpoints here still admit
// only TrustedPeers.
func NewServer(role string, trustStore *trust.Store, subscriptions *subscription.Registry, knownUntrusted []string, log logging.Logger) *Server {
	s := &Server{
		Role:                       role,
		trustStore:                 trustStore,
		subscriptions:              subscriptions,
		log:                        log,
		conns:                      make(map[string]*Conn),
		knownUntrustedFingerprints: make(map[string]bool, len(knownUntrusted)),
	}
	for _, fp := range knownUntrusted {
		s.knownUntrustedFingerprints[fp] = true
	}
	return s
}

// Router returns the chi mux for the control HTTP+WS surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Post("/unpair", s.withTrustedPeer(s.handleUnpair))
	r.Post("/noise/subscribe", s.withTrustedPeer(s.handleSubscribe))
	r.Post("/noise/unsubscribe", s.withTrustedPeer(s.handleUnsubscribe))
	r.Get("/control/ws", s.withTrustedPeer(s.handleWebSocket))
	return r
}

// TLSConfig builds the control server's listener configuration: mutual
// authentication required, with the acceptable client certificate set
// re-evaluated on every handshake against the live trust store (so a newly
// paired or unpaired peer takes effect without a restart), per spec.md
// §4.5's "Rebinding trust".
func TLSConfig(serverCert tls.Certificate, trustStore *trust.Store, knownUntrusted map[string]bool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return apierr.New(apierr.ClientCertificateRequired, "client certificate required")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return apierr.New(apierr.CertificateNotTrusted, "malformed client certificate")
			}
			if time.Now().After(leaf.NotAfter) {
				return apierr.New(apierr.CertificateNotTrusted, "client certificate expired")
			}
			fp := identity.Fingerprint(rawCerts[0])
			for _, der := range trustStore.CertificateDERs() {
				if bytes.Equal(der, rawCerts[0]) {
					return nil
				}
			}
			if knownUntrusted[fp] {
				return nil
			}
			return apierr.New(apierr.CertificateNotTrusted, "certificate is not a trusted peer")
		},
	}
}

// withTrustedPeer classifies the caller's TLS leaf certificate fingerprint
// against the trust store before invoking next, injecting the resolved
// peer into the request context. The TLS layer has already rejected
// anything neither trusted nor known-untrusted (see TLSConfig); this
// middleware additionally distinguishes "untrusted but TLS-acceptable"
// pairing-only connections from genuinely trusted ones, since only the
// latter may reach these endpoints.
func (s *Server) withTrustedPeer(next func(w http.ResponseWriter, r *http.Request, peer *trust.Peer)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			apierr.WriteJSON(w, apierr.New(apierr.ClientCertificateRequired, "client certificate required"))
			return
		}
		fp := identity.Fingerprint(r.TLS.PeerCertificates[0].Raw)
		peer, ok := s.trustStore.LookupByFingerprint(fp)
		if !ok {
			apierr.WriteJSON(w, apierr.New(apierr.Untrusted, "certificate is not a trusted peer"))
			return
		}
		next(w, r, peer)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mTLS := r.TLS != nil && len(r.TLS.PeerCertificates) > 0
	trusted := false
	if mTLS {
		fp := identity.Fingerprint(r.TLS.PeerCertificates[0].Raw)
		trusted = s.trustStore.IsTrusted(fp)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"role":     s.Role,
		"protocol": "http-ws",
		"mTLS":     mTLS,
		"trusted":  trusted,
	})
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request, peer *trust.Peer) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxControlBodyBytes)).Decode(&req)
	targetDeviceID := req.DeviceID
	if targetDeviceID == "" {
		targetDeviceID = peer.RemoteDeviceID
	}

	s.mu.Lock()
	if conn, ok := s.conns[targetDeviceID]; ok {
		delete(s.conns, targetDeviceID)
		go conn.Close()
	}
	s.mu.Unlock()

	removed, err := s.trustStore.RemoveByDeviceID(targetDeviceID)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, err))
		return
	}
	if !removed {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "unpaired": false, "reason": "device_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "unpaired": true, "deviceId": targetDeviceID})
}

type subscribeRequest struct {
	FCMToken             string   `json:"fcmToken"`
	Platform             string   `json:"platform"`
	LeaseSeconds         int      `json:"leaseSeconds"`
	Threshold            *int     `json:"threshold,omitempty"`
	CooldownSeconds      *int     `json:"cooldownSeconds,omitempty"`
	AutoStreamType       string   `json:"autoStreamType,omitempty"`
	AutoStreamDurationSec int     `json:"autoStreamDurationSec,omitempty"`
	DeviceID             *string  `json:"deviceId,omitempty"`
}

var knownSubscribeFields = map[string]bool{
	"fcmToken": true, "platform": true, "leaseSeconds": true, "threshold": true,
	"cooldownSeconds": true, "autoStreamType": true, "autoStreamDurationSec": true,
}

var validPlatforms = map[string]bool{"android": true, "ios": true, "web": true}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, peer *trust.Peer) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBodyBytes+1))
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, err))
		return
	}
	if len(body) > maxControlBodyBytes {
		apierr.WriteJSON(w, apierr.New(apierr.PayloadTooLarge, "request exceeds 16KiB"))
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "malformed JSON body"))
		return
	}
	if _, spoofed := raw["deviceId"]; spoofed {
		apierr.WriteJSON(w, apierr.New(apierr.DeviceIDForbidden, "deviceId is derived from the client certificate"))
		return
	}
	var unknown []string
	for k := range raw {
		if !knownSubscribeFields[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "unrecognized field(s)"))
		return
	}

	var req subscribeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "malformed JSON body"))
		return
	}
	if req.FCMToken == "" {
		apierr.WriteJSON(w, apierr.New(apierr.InvalidFCMToken, "fcmToken is required"))
		return
	}
	if !validPlatforms[req.Platform] {
		apierr.WriteJSON(w, apierr.New(apierr.InvalidPlatform, "platform must be one of android, ios, web"))
		return
	}

	sub, err := s.subscriptions.Subscribe(peer.RemoteDeviceID, peer.CertFingerprint, req.FCMToken, req.Platform, req.LeaseSeconds)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, err))
		return
	}

	// Same clamping as Registry.Subscribe; CreatedAtEpochSec survives a
	// refresh, so expiry minus creation is not the lease just granted.
	acceptedLease := req.LeaseSeconds
	if acceptedLease <= 0 {
		acceptedLease = subscription.DefaultLeaseSeconds
	}
	if acceptedLease > subscription.MaxLeaseSeconds {
		acceptedLease = subscription.MaxLeaseSeconds
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptionId":       sub.SubscriptionID,
		"deviceId":             sub.DeviceID,
		"expiresAt":            time.Unix(sub.ExpiresAtEpochSec, 0).UTC().Format(time.RFC3339),
		"acceptedLeaseSeconds": acceptedLease,
	})
}

type unsubscribeRequest struct {
	FCMToken       string `json:"fcmToken"`
	SubscriptionID string `json:"subscriptionId"`
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request, peer *trust.Peer) {
	var req unsubscribeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBodyBytes)).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "malformed JSON body"))
		return
	}
	if req.FCMToken == "" && req.SubscriptionID == "" {
		apierr.WriteJSON(w, apierr.New(apierr.MissingIdentifier, "fcmToken or subscriptionId is required"))
		return
	}

	removed, err := s.subscriptions.Unsubscribe(peer.RemoteDeviceID, req.FCMToken, req.SubscriptionID)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deviceId": peer.RemoteDeviceID, "unsubscribed": removed})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, peer *trust.Peer) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("control: websocket upgrade failed for %s: %v", peer.RemoteDeviceID, err)
		return
	}

	conn := newConn(ws, peer.CertFingerprint, peer.RemoteDeviceID, s.log)
	s.mu.Lock()
	if old, exists := s.conns[peer.RemoteDeviceID]; exists {
		delete(s.conns, peer.RemoteDeviceID)
		go old.Close()
	}
	s.conns[peer.RemoteDeviceID] = conn
	s.mu.Unlock()

	go conn.writeLoop()

	defer func() {
		s.mu.Lock()
		if s.conns[peer.RemoteDeviceID] == conn {
			delete(s.conns, peer.RemoteDeviceID)
		}
		s.mu.Unlock()
		conn.Close()
	}()

	err = conn.readLoop(func(payload []byte) {
		s.handleChannelMessage(conn, payload)
	})
	if err != nil {
		s.log.Debugf("control: connection %s closed: %v", peer.RemoteDeviceID, err)
	}
}

func (s *Server) handleChannelMessage(conn *Conn, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	switch env.Type {
	case TypePing:
		_ = conn.Enqueue(Pong{Type: TypePong})
	case TypeStartStreamRequest:
		var req StartStreamRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.SessionID == "" {
			return
		}
		// The gate this connection owns for req.SessionID is released by
		// TypeEndStream below, or by Close if the connection drops before
		// the session ends; the media layer (not modeled here) would wait
		// on it to know the session is fully torn down before reusing
		// resources tied to req.SessionID.
		conn.trackStreamSession(req.SessionID)
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICE, TypePinStream:
		// Signaling payloads are accepted and then dropped: the server
		// neither interprets SDP or ICE candidates nor forwards these
		// messages anywhere. Only the session lifecycle tracked at
		// START_STREAM_REQUEST/END_STREAM has an effect.
	case TypeEndStream:
		var req EndStream
		if err := json.Unmarshal(payload, &req); err != nil || req.SessionID == "" {
			return
		}
		conn.untrackStreamSession(req.SessionID)
	default:
		s.log.Debugf("control: unrecognized channel message type %q", env.Type)
	}
}

// OpenDeviceIDs implements dispatch.Broadcaster.
func (s *Server) OpenDeviceIDs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.conns))
	for deviceID := range s.conns {
		out[deviceID] = true
	}
	return out
}

// Enqueue implements dispatch.Broadcaster.
func (s *Server) Enqueue(deviceID string, v interface{}) error {
	s.mu.RLock()
	conn, ok := s.conns[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.Enqueue(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
