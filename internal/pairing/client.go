package pairing

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cribcall/cribcall/internal/identity"
)

// Client runs the listener side of the pairing protocol against a single
// monitor's pairing endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string

	ListenerID              string
	ListenerName            string
	ListenerCertFingerprint string
	MonitorID               string

	lastObservedFingerprint string
	lastObservedCertDER     []byte
}

// NewClient builds a pairing client that trusts only the presented server
// certificate for the duration of the handshake; the caller is expected to
// verify the observed leaf fingerprint against an out-of-band value (e.g. a
// scanned QR payload) before treating PAIR_ACCEPTED as final.
func NewClient(host string, pairingPort int, clientCert tls.Certificate, listenerID, listenerName, listenerCertFingerprint, monitorID string) *Client {
	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true, // leaf pinning, not CA chain verification, per spec.md §4.6
		MinVersion:         tls.VersionTLS12,
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 70 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
		baseURL:                 fmt.Sprintf("https://%s:%d", host, pairingPort),
		ListenerID:              listenerID,
		ListenerName:            listenerName,
		ListenerCertFingerprint: listenerCertFingerprint,
		MonitorID:               monitorID,
	}
}

// Result is what a successful Pair call hands back to the caller for
// display and for inserting into the local trust store.
type Result struct {
	ComparisonCode         string
	MonitorCertFingerprint string
	MonitorCertificateDER  []byte
}

// Pair drives PIN_PAIRING_INIT -> PIN_REQUIRED -> PIN_SUBMIT -> PAIR_ACCEPTED,
// prompting the caller for the PIN via askPIN once the session is open and
// for the human comparison-code check via showCode before the transcript is
// submitted. pairingToken, if non-empty, is carried in PIN_PAIRING_INIT for
// the QR-gated variant and used as the PAKE PIN material directly (askPIN is
// not called in that case).
func (c *Client) Pair(protocolVersion int, pairingToken string, askPIN func() (string, error), showCode func(code string) error) (Result, error) {
	initReq := PinPairingInit{
		Type:                    TypePinPairingInit,
		ListenerID:              c.ListenerID,
		ListenerName:            c.ListenerName,
		ProtocolVersion:         protocolVersion,
		ListenerCertFingerprint: c.ListenerCertFingerprint,
		PairingToken:            pairingToken,
	}
	var required PinRequired
	if err := c.post(initReq, &required); err != nil {
		return Result{}, err
	}

	pin := pairingToken
	if pin == "" {
		var err error
		pin, err = askPIN()
		if err != nil {
			return Result{}, err
		}
	}

	ephemeral, err := newEphemeralKeyPair()
	if err != nil {
		return Result{}, err
	}
	monitorPub, err := decodePeerPublic(required.PakeMsgA)
	if err != nil {
		return Result{}, err
	}
	pairingKey, err := derivePairingKey(ephemeral.private, monitorPub, pin)
	if err != nil {
		return Result{}, err
	}

	pakeMsgB := ephemeral.publicBase64()
	code, err := comparisonCode(comparisonCodeContext{
		MonitorID:        c.MonitorID,
		ListenerID:       c.ListenerID,
		PakeMsgA:         required.PakeMsgA,
		PakeMsgB:         pakeMsgB,
		PairingSessionID: required.PairingSessionID,
	})
	if err != nil {
		return Result{}, err
	}
	if showCode != nil {
		if err := showCode(code); err != nil {
			return Result{}, err
		}
	}

	transcript := pairingTranscript{
		MonitorID:        c.MonitorID,
		ListenerID:       c.ListenerID,
		ListenerCertFingerprint: c.ListenerCertFingerprint,
		PairingSessionID: required.PairingSessionID,
	}
	// MonitorCertFingerprint is the leaf fingerprint observed on the PIN_REQUIRED
	// round trip's TLS connection; it is part of the transcript so a
	// man-in-the-middle swapping the monitor's certificate is detected.
	transcript.MonitorCertFingerprint = c.lastObservedFingerprint

	authTag, err := transcriptAuthTag(pairingKey, transcript)
	if err != nil {
		return Result{}, err
	}

	submitReq := PinSubmit{
		Type:             TypePinSubmit,
		PairingSessionID: required.PairingSessionID,
		PakeMsgB:         pakeMsgB,
		Transcript:       transcript,
		AuthTag:          authTag,
	}
	var accepted PairAccepted
	if err := c.post(submitReq, &accepted); err != nil {
		return Result{}, err
	}

	return Result{
		ComparisonCode:         code,
		MonitorCertFingerprint: accepted.MonitorCertFingerprint,
		MonitorCertificateDER:  c.lastObservedCertDER,
	}, nil
}

func (c *Client) post(req interface{}, reply interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+"/pair", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		c.lastObservedFingerprint = identity.Fingerprint(resp.TLS.PeerCertificates[0].Raw)
		c.lastObservedCertDER = resp.TLS.PeerCertificates[0].Raw
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var rejected PairRejected
		if jsonErr := json.Unmarshal(respBody, &rejected); jsonErr == nil && rejected.Reason != "" {
			return &RejectedError{Reason: rejected.Reason}
		}
		return fmt.Errorf("pairing: unexpected status %d", resp.StatusCode)
	}
	return json.Unmarshal(respBody, reply)
}

// RejectedError wraps a PAIR_REJECTED reason so callers can switch on it.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "pairing rejected: " + e.Reason
}
