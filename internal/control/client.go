package control

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall/internal/apierr"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/logging"
)

const (
	pingInterval = 20 * time.Second
	healthTimeout = 10 * time.Second
)

// Client is the control client from spec.md §4.6: connects to a monitor's
// control port, pins the server leaf's fingerprint before trusting anything
// it sends, and exposes healthCheck/requestUnpair/openControlStream.
type Client struct {
	baseURL            string
	httpClient         *http.Client
	wsDialer           *websocket.Dialer
	expectedFingerprint string
	log                logging.Logger
}

// NewClient builds a Client that presents clientCert and will abort with
// fingerprint_mismatch on the first handshake if the server leaf's SHA-256
// fingerprint doesn't equal expectedFingerprint. TLS verification itself is
// skipped (InsecureSkipVerify) because the server's certificate is
// self-signed; the fingerprint pin is the whole trust model, same as the
// pairing client.
func NewClient(host string, controlPort int, clientCert tls.Certificate, expectedFingerprint string, log logging.Logger) *Client {
	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
	c := &Client{
		baseURL: fmt.Sprintf("https://%s:%d", host, controlPort),
		httpClient: &http.Client{
			Timeout:   healthTimeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		wsDialer: &websocket.Dialer{
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: healthTimeout,
		},
		expectedFingerprint: expectedFingerprint,
		log:                 log,
	}
	// Checking the pin inside the handshake means a mismatched server never
	// receives a request.
	tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
		return c.checkPinnedFingerprint(&cs)
	}
	return c
}

// HealthCheck calls GET /health, verifying the server's pinned fingerprint
// on the TLS connection before trusting the response.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkPinnedFingerprint(resp.TLS); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control: health check returned status %d", resp.StatusCode)
	}
	return nil
}

// RequestUnpair calls POST /unpair and reports whether the monitor removed
// this device from its trust store.
func (c *Client) RequestUnpair(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/unpair", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if err := c.checkPinnedFingerprint(resp.TLS); err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("control: unpair returned status %d", resp.StatusCode)
	}

	var body struct {
		Unpaired bool `json:"unpaired"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Unpaired, nil
}

func (c *Client) checkPinnedFingerprint(state *tls.ConnectionState) error {
	if state == nil || len(state.PeerCertificates) == 0 {
		return apierr.New(apierr.FingerprintMismatch, "server presented no certificate")
	}
	got := identity.Fingerprint(state.PeerCertificates[0].Raw)
	if got != c.expectedFingerprint {
		return apierr.New(apierr.FingerprintMismatch, "server certificate fingerprint does not match pinned value")
	}
	return nil
}

// Stream is the listener side of the duplex control channel: framed JSON
// messages over a WebSocket, with an application-level PING every 20s and a
// 30s idle read timeout, mirroring Conn's server-side framing.
type Stream struct {
	ws  *websocket.Conn
	log logging.Logger

	stopPing chan struct{}
}

// OpenControlStream dials GET /control/ws, verifies the pinned fingerprint
// on the resulting TLS connection, and starts the heartbeat loop.
func (c *Client) OpenControlStream(ctx context.Context) (*Stream, error) {
	wsURL := "wss" + c.baseURL[len("https"):] + "/control/ws"

	ws, resp, err := c.wsDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		if err := c.checkPinnedFingerprint(resp.TLS); err != nil {
			ws.Close()
			return nil, err
		}
	}

	s := &Stream{ws: ws, log: c.log, stopPing: make(chan struct{})}
	ws.SetReadDeadline(time.Now().Add(idleTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})
	go s.pingLoop()
	return s, nil
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPing:
			return
		case <-ticker.C:
			if err := s.Send(Ping{Type: TypePing}); err != nil {
				s.log.Debugf("control stream: heartbeat failed: %v", err)
				return
			}
		}
	}
}

// Send marshals v and writes it as a length-prefixed binary frame, matching
// the server's Conn.writeLoop framing.
func (s *Stream) Send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Recv blocks for the next message, decoding its envelope type tag and
// returning the raw payload for the caller to unmarshal further.
func (s *Stream) Recv() (Envelope, []byte, error) {
	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			return Envelope{}, nil, err
		}
		s.ws.SetReadDeadline(time.Now().Add(idleTimeout))

		var payload []byte
		switch messageType {
		case websocket.TextMessage:
			payload = data
		case websocket.BinaryMessage:
			if len(data) < 4 {
				continue
			}
			n := binary.BigEndian.Uint32(data[:4])
			if uint32(len(data)-4) != n {
				continue
			}
			payload = data[4:]
		default:
			continue
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		if env.Type == TypePong {
			continue
		}
		return env, payload, nil
	}
}

// Close stops the heartbeat loop and closes the underlying connection.
func (s *Stream) Close() error {
	close(s.stopPing)
	return s.ws.Close()
}
