package config

import (
	"errors"
	"os"

	"github.com/cribcall/cribcall/internal/atomicfile"
)

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// NoiseSettings is the Sound Detector's configuration (spec.md §4.7).
type NoiseSettings struct {
	Threshold     int `json:"threshold"`
	MinDurationMs int `json:"minDurationMs"`
	CooldownSec   int `json:"cooldownSeconds"`
}

// DefaultNoiseSettings returns the detector defaults: threshold 40, a 500 ms
// minimum loud duration and a 10 s cooldown.
func DefaultNoiseSettings() NoiseSettings {
	return NoiseSettings{Threshold: 40, MinDurationMs: 500, CooldownSec: 10}
}

// MonitorSettings is monitor_settings.json.
type MonitorSettings struct {
	DeviceName    string        `json:"deviceName"`
	ControlPort   int           `json:"controlPort"`
	PairingPort   int           `json:"pairingPort"`
	Noise         NoiseSettings `json:"noise"`
	PushRelayURL  string        `json:"pushRelayUrl,omitempty"`
	WebhooksOn    bool          `json:"webhooksEnabled"`
}

// ListenerSettings is listener_settings.json.
type ListenerSettings struct {
	DeviceName  string `json:"deviceName"`
	WebhookPort int    `json:"webhookPort"`
}

// AppSession is app_session.json: the last role, monitoring toggle, and
// device name — the session-restore state the mobile GUI reads at launch.
type AppSession struct {
	LastRole          string `json:"lastRole"`
	MonitoringEnabled bool   `json:"monitoringEnabled"`
	DeviceName        string `json:"deviceName"`
}

func LoadMonitorSettings(path string) (MonitorSettings, error) {
	s := MonitorSettings{ControlPort: 48080, PairingPort: 48081, Noise: DefaultNoiseSettings()}
	err := loadOrDefault(path, &s)
	return s, err
}

func SaveMonitorSettings(path string, s MonitorSettings) error {
	return atomicfile.WriteJSON(path, s)
}

func LoadListenerSettings(path string) (ListenerSettings, error) {
	s := ListenerSettings{WebhookPort: 48082}
	err := loadOrDefault(path, &s)
	return s, err
}

func SaveListenerSettings(path string, s ListenerSettings) error {
	return atomicfile.WriteJSON(path, s)
}

func LoadAppSession(path string) (AppSession, error) {
	var s AppSession
	err := loadOrDefault(path, &s)
	return s, err
}

func SaveAppSession(path string, s AppSession) error {
	return atomicfile.WriteJSON(path, s)
}

// loadOrDefault reads path into v, leaving v at its zero/default value if
// the file does not yet exist.
func loadOrDefault(path string, v interface{}) error {
	err := atomicfile.ReadJSON(path, v)
	if err == nil {
		return nil
	}
	if isNotExist(err) {
		return nil
	}
	return err
}
