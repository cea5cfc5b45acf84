// server.go is the TLS pairing HTTP server from spec.md §4.4: a single POST
// /pair endpoint carrying the pairing message set as JSON bodies, using
// chi for routing the way the teacher's sibling examples route HTTP
// control surfaces (grounded on rclone-rclone's lib/http server wiring,
// since the teacher itself predates any HTTP control plane).
package pairing

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cribcall/cribcall/internal/apierr"
	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/ratelimit"
)

const maxPairingBodyBytes = 64 * 1024

// envelope peeks at the "type" tag of an incoming pairing message before
// unmarshalling the rest into the matching concrete struct.
type envelope struct {
	Type string `json:"type"`
}

// Server exposes the monitor-side pairing HTTP surface.
type Server struct {
	monitor *Monitor
	log     logging.Logger
	limiter *ratelimit.Limiter
}

func NewServer(monitor *Monitor, log logging.Logger) *Server {
	return &Server{monitor: monitor, log: log, limiter: ratelimit.New()}
}

// Close stops the rate limiter's background garbage collector.
func (s *Server) Close() {
	s.limiter.Close()
}

// Router returns the chi mux for the pairing surface, mountable standalone
// or inside a larger router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/pair", s.handlePair)
	return r
}

// TLSConfig is the pairing server's listener configuration: it presents a
// server certificate but does not require a client certificate, since
// listeners are by definition not yet trusted at this stage.
func TLSConfig(serverCert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPairingBodyBytes+1))
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, err))
		return
	}
	if len(body) > maxPairingBodyBytes {
		apierr.WriteJSON(w, apierr.New(apierr.PayloadTooLarge, "pairing message exceeds 64KiB"))
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "malformed pairing message"))
		return
	}

	switch env.Type {
	case TypePinPairingInit:
		s.handlePinPairingInit(w, r, body)
	case TypePinSubmit:
		s.handlePinSubmit(w, r, body)
	default:
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "unrecognized pairing message type"))
	}
}

func (s *Server) handlePinPairingInit(w http.ResponseWriter, r *http.Request, body []byte) {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil && !s.limiter.Allow(ip) {
			apierr.WriteJSON(w, apierr.New(apierr.RateLimited, "too many pairing attempts from this address"))
			return
		}
	}

	var req PinPairingInit
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "malformed PIN_PAIRING_INIT"))
		return
	}

	reply, apiErr := s.monitor.HandleInit(req)
	if apiErr != nil {
		writeRejected(w, "", ReasonNoSession)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handlePinSubmit(w http.ResponseWriter, r *http.Request, body []byte) {
	var req PinSubmit
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.UnknownFields, "malformed PIN_SUBMIT"))
		return
	}

	var peerCertDER []byte
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		peerCertDER = r.TLS.PeerCertificates[0].Raw
		s.log.Debugf("pairing session %s: listener presented a TLS client certificate", req.PairingSessionID)
	}

	accepted, reason := s.monitor.HandleSubmit(r.Context(), req, peerCertDER)
	if reason != "" {
		writeRejected(w, req.PairingSessionID, reason)
		return
	}

	writeJSON(w, http.StatusOK, accepted)
}

func writeRejected(w http.ResponseWriter, sessionID, reason string) {
	writeJSON(w, http.StatusBadRequest, PairRejected{
		Type:             TypePairRejected,
		PairingSessionID: sessionID,
		Reason:           reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// AwaitConfirmation is a Confirmer helper: it blocks on confirmCh until a
// result arrives or ctx is done, translating a timeout into an error so the
// caller treats it as an expiry rather than a rejection. A CLI or UI
// confirmation prompt feeds confirmCh; this just arbitrates against the
// session deadline.
func AwaitConfirmation(ctx context.Context, confirmCh <-chan bool) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case accepted, ok := <-confirmCh:
		if !ok {
			return false, errors.New("pairing: confirmation channel closed")
		}
		return accepted, nil
	}
}
