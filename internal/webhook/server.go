// Package webhook implements the listener-side receiving half of spec.md
// §4.10's "Listener webhook" contract: a tiny mTLS HTTP server whose only
// route is POST /api/noise-event, reachable only by a monitor whose
// certificate is already in the listener's own trust store. It reuses
// internal/control's TLSConfig/trusted-peer-gating shape rather than
// re-deriving it, since the acceptance rule is identical: trust-store
// membership of the caller's TLS leaf, re-evaluated on every handshake.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cribcall/cribcall/internal/apierr"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/push"
	"github.com/cribcall/cribcall/internal/trust"
)

const maxEventBodyBytes = 16 * 1024

// Server exposes the listener's /api/noise-event receiving endpoint.
type Server struct {
	trustStore *trust.Store
	log        logging.Logger
	onEvent    func(peer *trust.Peer, event push.WebhookEvent)
}

// NewServer builds a webhook receiving server gated by trustStore.
// onEvent, if non-nil, is invoked with every accepted event after it has
// been authenticated as coming from a trusted monitor; a nil onEvent still
// validates and logs the event but does nothing further with it, which is
// what cmd/listener (which has no UI layer to hand events to) passes in
// every mode.
func NewServer(trustStore *trust.Store, onEvent func(peer *trust.Peer, event push.WebhookEvent), log logging.Logger) *Server {
	return &Server{trustStore: trustStore, log: log, onEvent: onEvent}
}

// Router returns the chi mux for the webhook receiving surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/noise-event", s.handleNoiseEvent)
	return r
}

func (s *Server) handleNoiseEvent(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		apierr.WriteJSON(w, apierr.New(apierr.ClientCertificateRequired, "client certificate required"))
		return
	}
	fp := identity.Fingerprint(r.TLS.PeerCertificates[0].Raw)
	peer, ok := s.trustStore.LookupByFingerprint(fp)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.Untrusted, "certificate is not a trusted monitor"))
		return
	}

	var event push.WebhookEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBodyBytes)).Decode(&event); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "malformed noise event body"))
		return
	}

	s.log.Infof("webhook: noise event from %s (%q): peak=%d", peer.RemoteDeviceID, peer.Name, event.PeakLevel)
	if s.onEvent != nil {
		s.onEvent(peer, event)
	}

	w.WriteHeader(http.StatusOK)
}
