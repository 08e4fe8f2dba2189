// Package lighting implements the installation's lighting plane: a
// single-threaded cooperative program runtime driven by beats and a
// periodic tick, over a pluggable bulb backend.
package lighting

import (
	"fmt"
	"log/slog"
	"time"
)

// hardwareSmoothMS is the transition length at and above which bulbs
// animate the change in firmware. Programs throttle continuous per-tick
// writes to one every 2 s and stretch transitions to cover the interval,
// so animation stays smooth without flooding the vendor link.
const hardwareSmoothMS = 2000

// BackendStats is a snapshot of a backend's delivery counters, reported
// at shutdown.
type BackendStats struct {
	Commands uint64
	Dropped  uint64
	Errors   uint64
}

// Backend is the vendor contract. Vendor-specific behaviour (rate
// limiting, retries, connection management) lives entirely behind it;
// the engine treats per-call errors as non-fatal and authentication
// failure as fatal to the lighting subsystem only.
type Backend interface {
	// Authenticate connects to the vendor. One-shot, called at startup.
	Authenticate() error
	// SetColor commands one bulb to an HSV state, optionally animated
	// over transitionMS.
	SetColor(bulbID string, hue, saturation, brightness, transitionMS int) error
	// SetAllBaseline returns every mapped bulb to the configured resting
	// state. Errors are handled (and counted) internally.
	SetAllBaseline()
	// BulbForZone maps a zone to its bulb id, or "" when unmapped.
	BulbForZone(zone int) string
	// LatencyEstimate is the typical per-command latency, for
	// diagnostics.
	LatencyEstimate() time.Duration
	// Stats returns delivery counters for the shutdown report.
	Stats() BackendStats
	// Close releases vendor resources.
	Close()
}

// NewBackend constructs the configured backend by name. Vendor protocol
// implementations register here; the console backend is always
// available and is the default.
func NewBackend(cfg *Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "console", "":
		return NewConsoleBackend(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown lighting backend %q", cfg.Backend)
	}
}
