package lighting

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// consoleRateInterval is the console backend's per-bulb command budget.
// Real bulbs tolerate roughly one write per 2 s before queueing or
// dropping; the console backend imitates that so programs developed
// against it behave on hardware.
const consoleRateInterval = 2 * time.Second

// consoleRateBurst allows the instant-attack + fade pair a pulse sends
// back to back.
const consoleRateBurst = 2

// ConsoleBackend logs bulb commands instead of sending them. It is the
// default backend when no vendor is configured, and the test double for
// program behaviour.
type ConsoleBackend struct {
	cfg    *Config
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	stats    BackendStats
}

// NewConsoleBackend creates a console backend over the config's zones.
func NewConsoleBackend(cfg *Config, logger *slog.Logger) *ConsoleBackend {
	return &ConsoleBackend{
		cfg:      cfg,
		logger:   logger.With("subsystem", "lighting-backend", "vendor", "console"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Authenticate always succeeds for the console backend.
func (b *ConsoleBackend) Authenticate() error {
	b.logger.Info("console backend ready", "zones", len(b.cfg.Zones))
	return nil
}

// SetColor logs the command, enforcing the per-bulb rate budget the way
// a vendor link would: over-budget commands are dropped and counted.
func (b *ConsoleBackend) SetColor(bulbID string, hue, saturation, brightness, transitionMS int) error {
	if bulbID == "" {
		return fmt.Errorf("empty bulb id")
	}

	b.mu.Lock()
	lim, ok := b.limiters[bulbID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(consoleRateInterval), consoleRateBurst)
		b.limiters[bulbID] = lim
	}
	if !lim.Allow() {
		b.stats.Dropped++
		b.mu.Unlock()
		b.logger.Debug("command dropped by rate budget", "bulb", bulbID)
		return nil
	}
	b.stats.Commands++
	b.mu.Unlock()

	b.logger.Debug("set color",
		"bulb", bulbID,
		"hue", hue,
		"saturation", saturation,
		"brightness", brightness,
		"transition_ms", transitionMS,
	)
	return nil
}

// SetAllBaseline returns every mapped bulb to the resting state.
func (b *ConsoleBackend) SetAllBaseline() {
	for _, z := range b.cfg.Zones {
		if z.Bulb == "" {
			continue
		}
		if err := b.SetColor(z.Bulb, z.Hue, b.cfg.Effects.BaselineSaturation, b.cfg.Effects.BaselineBrightness, 0); err != nil {
			b.mu.Lock()
			b.stats.Errors++
			b.mu.Unlock()
		}
	}
}

// BulbForZone maps a zone to its configured bulb.
func (b *ConsoleBackend) BulbForZone(zone int) string {
	for _, z := range b.cfg.Zones {
		if z.Zone == zone {
			return z.Bulb
		}
	}
	return ""
}

// LatencyEstimate for a log line is effectively zero.
func (b *ConsoleBackend) LatencyEstimate() time.Duration {
	return time.Millisecond
}

// Stats returns delivery counters.
func (b *ConsoleBackend) Stats() BackendStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close is a no-op for the console backend.
func (b *ConsoleBackend) Close() {}

var _ Backend = (*ConsoleBackend)(nil)
