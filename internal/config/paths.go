// Package config defines the role-specific data directory layout
// (spec.md §6) and the settings files persisted within it. Every file is
// rewritten atomically via internal/atomicfile, generalizing the teacher's
// Options struct (flags/options.go) from process-lifetime CLI flags to
// disk-persisted, reloadable settings.
package config

import "path/filepath"

// Paths resolves the well-known file names within a role's data directory.
type Paths struct {
	Dir string
}

func NewPaths(dir string) Paths { return Paths{Dir: dir} }

func (p Paths) Identity() string           { return filepath.Join(p.Dir, "identity.json") }
func (p Paths) TrustedListeners() string   { return filepath.Join(p.Dir, "trusted_listeners.json") }
func (p Paths) TrustedMonitors() string    { return filepath.Join(p.Dir, "trusted_monitors.json") }
func (p Paths) NoiseSubscriptions() string { return filepath.Join(p.Dir, "noise_subscriptions.json") }
func (p Paths) MonitorSettings() string    { return filepath.Join(p.Dir, "monitor_settings.json") }
func (p Paths) ListenerSettings() string   { return filepath.Join(p.Dir, "listener_settings.json") }
func (p Paths) AppSession() string         { return filepath.Join(p.Dir, "app_session.json") }
