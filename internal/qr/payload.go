// Package qr defines the QrPayload wire schema shared between a monitor
// (which renders it) and a listener (which scans it to bootstrap pairing).
// Consumers must accept unknown fields and round-trip-verify
// MonitorCertFingerprint against the TLS leaf observed at the subsequent
// handshake; this package only fixes the schema and its canonical encoding.
package qr

import (
	"encoding/json"

	"github.com/cribcall/cribcall/internal/canon"
)

// Service describes the transport the listener should dial.
type Service struct {
	Protocol     string `json:"protocol"`
	Version      int    `json:"version"`
	ControlPort  int    `json:"controlPort"`
	PairingPort  int    `json:"pairingPort"`
	Transport    string `json:"transport"`
}

// Payload is the canonical-JSON document encoded into the monitor's QR code.
type Payload struct {
	MonitorID              string   `json:"monitorId"`
	MonitorName            string   `json:"monitorName"`
	MonitorCertFingerprint string   `json:"monitorCertFingerprint"`
	MonitorPublicKey       string   `json:"monitorPublicKey"`
	IPs                    []string `json:"ips,omitempty"`
	PairingToken           string   `json:"pairingToken,omitempty"`
	Service                Service  `json:"service"`
}

// Encode renders p as canonical JSON, suitable for embedding in a QR code.
func Encode(p Payload) (string, error) {
	out, err := canon.Canonicalize(p)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decode parses a scanned QR payload. Unknown fields are silently accepted
// since this uses encoding/json's default decode behaviour.
func Decode(data []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(data, &p)
	return p, err
}
