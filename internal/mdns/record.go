// Package mdns fixes the mDNS advertisement record schema
// (_baby-monitor._tcp.local, per spec.md §6) that a monitor advertises and
// a listener browses for. Only the record shape and its TXT encoding are in
// scope here — the actual mDNS responder/browser is an external
// collaborator per spec.md §1.
package mdns

import (
	"fmt"
	"strconv"
)

const ServiceType = "_baby-monitor._tcp.local"

// Advertisement is the resolved record a listener observes while browsing.
type Advertisement struct {
	RemoteDeviceID  string
	MonitorName     string
	CertFingerprint string
	ControlPort     int
	PairingPort     int
	Version         int
	Transport       string
	IP              string
}

// TXTRecord renders the advertisement's TXT keys, per spec.md §6:
// monitorId, monitorName, monitorCertFingerprint, version, transport,
// controlPort, pairingPort.
func (a Advertisement) TXTRecord() map[string]string {
	return map[string]string{
		"monitorId":              a.RemoteDeviceID,
		"monitorName":            a.MonitorName,
		"monitorCertFingerprint": a.CertFingerprint,
		"version":                strconv.Itoa(a.Version),
		"transport":              a.Transport,
		"controlPort":            strconv.Itoa(a.ControlPort),
		"pairingPort":            strconv.Itoa(a.PairingPort),
	}
}

// ParseTXTRecord reconstructs an Advertisement from TXT keys and the
// resolved IP observed during browsing.
func ParseTXTRecord(txt map[string]string, ip string) (Advertisement, error) {
	a := Advertisement{
		RemoteDeviceID:  txt["monitorId"],
		MonitorName:     txt["monitorName"],
		CertFingerprint: txt["monitorCertFingerprint"],
		Transport:       txt["transport"],
		IP:              ip,
	}
	var err error
	if a.Version, err = strconv.Atoi(txt["version"]); err != nil {
		return Advertisement{}, fmt.Errorf("mdns: invalid version: %w", err)
	}
	if a.ControlPort, err = strconv.Atoi(txt["controlPort"]); err != nil {
		return Advertisement{}, fmt.Errorf("mdns: invalid controlPort: %w", err)
	}
	if a.PairingPort, err = strconv.Atoi(txt["pairingPort"]); err != nil {
		return Advertisement{}, fmt.Errorf("mdns: invalid pairingPort: %w", err)
	}
	return a, nil
}
