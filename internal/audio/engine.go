// Package audio implements the installation's audio plane: a low-latency
// voice mixer, the sample library, per-channel routing and effect chains,
// and the ambient loop layer, all driven by OSC events from the beat and
// control ports.
package audio

import (
	"log/slog"
	"sync"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/osc"
)

// staleThreshold drops beats, acquires and releases whose carried
// timestamp is at least this old. End-to-end latency stays audible-tight
// by never playing history.
const staleThreshold = 500 * time.Millisecond

// Engine receives beat-port and control-port messages and turns them into
// mixer voices. One Engine serves all eight channels.
type Engine struct {
	mixer   *Mixer
	lib     *Library
	loops   *LoopManager
	effects *Processor
	logger  *slog.Logger
	stats   *osc.Stats

	enablePanning   bool
	enableIntensity bool

	// routingMu guards only the routing table. It is released before any
	// mixer call: queueing a voice is I/O from the engine's perspective.
	routingMu sync.Mutex
	routing   [osc.NumChannels]int

	// now is the wall clock for timestamp gating. Injectable for tests.
	now func() time.Time
}

// Options configure optional engine behaviours. Both default to off, the
// installation's development posture: centred, unit-gain playback.
type Options struct {
	EnablePanning          bool
	EnableIntensityScaling bool
}

// NewEngine assembles the audio plane around a loaded library.
func NewEngine(mixer *Mixer, lib *Library, effects *Processor, opts Options, logger *slog.Logger, stats *osc.Stats) *Engine {
	e := &Engine{
		mixer:           mixer,
		lib:             lib,
		loops:           NewLoopManager(mixer, lib, logger),
		effects:         effects,
		logger:          logger.With("subsystem", "audio-engine"),
		stats:           stats,
		enablePanning:   opts.EnablePanning,
		enableIntensity: opts.EnableIntensityScaling,
		now:             time.Now,
	}
	return e
}

// Loops exposes the loop manager for status reporting.
func (e *Engine) Loops() *LoopManager {
	return e.loops
}

// Register subscribes the engine's handlers: rhythm events on the beat
// listener, routing and loop control on the control listener.
func (e *Engine) Register(beat, control *osc.Listener) {
	beat.Handle("/beat/{ch}", e.HandleBeat)
	beat.Handle("/acquire/{ch}", e.HandleAcquire)
	beat.Handle("/release/{ch}", e.HandleRelease)
	control.Handle("/route/{ch}", e.HandleRoute)
	control.Handle("/loop/start", e.HandleLoopStart)
	control.Handle("/loop/stop", e.HandleLoopStop)
}

// Routing returns a snapshot of the routing table.
func (e *Engine) Routing() [osc.NumChannels]int {
	e.routingMu.Lock()
	defer e.routingMu.Unlock()
	return e.routing
}

// SetRoute updates one routing entry, rejecting indices whose bank slot
// never loaded. Used by both the OSC handler and the admin API.
func (e *Engine) SetRoute(channel, sample int) bool {
	if channel < 0 || channel >= osc.NumChannels || sample < 0 || sample >= SamplesPerBank {
		e.logger.Warn("route out of range", "channel", channel, "sample", sample)
		return false
	}
	bank := channel % NumBanks
	if !e.lib.HasSample(bank, sample) {
		e.logger.Warn("route to unloaded sample",
			"channel", channel,
			"bank", bank,
			"sample", sample,
		)
		return false
	}
	e.routingMu.Lock()
	e.routing[channel] = sample
	e.routingMu.Unlock()
	e.logger.Info("routing updated", "channel", channel, "bank", bank, "sample", sample)
	return true
}

// stale applies the timestamp gate shared by every rhythm message.
func (e *Engine) stale(timestampMS int64) bool {
	age := e.now().Sub(time.UnixMilli(timestampMS))
	if age >= staleThreshold {
		e.stats.Increment("dropped_messages")
		e.logger.Debug("stale message dropped", "age_ms", age.Milliseconds())
		return true
	}
	return false
}

// HandleBeat plays the routed sample for a beat: effect chain first, then
// constant-power panning, then optional intensity scaling, then a fresh
// mixer voice that overlaps whatever is already sounding.
func (e *Engine) HandleBeat(msg *goosc.Message, ch int) {
	e.stats.Increment("total_messages")

	if ch < 0 || ch >= osc.NumChannels || len(msg.Arguments) < 3 {
		e.stats.Increment("invalid_messages")
		e.logger.Warn("malformed beat", "channel", ch, "args", len(msg.Arguments))
		return
	}
	ts, tsOK := osc.IntArg(msg.Arguments[0])
	bpm, bpmOK := osc.FloatArg(msg.Arguments[1])
	intensity, intOK := osc.FloatArg(msg.Arguments[2])
	if !tsOK || !bpmOK || !intOK || ts < 0 {
		e.stats.Increment("invalid_messages")
		e.logger.Warn("beat with invalid arguments", "channel", ch)
		return
	}
	if e.stale(ts) {
		return
	}
	e.stats.Increment("valid_messages")

	// Read the route under the lock, then drop it: the effect chain and
	// the mixer handoff must not run under the routing lock.
	e.routingMu.Lock()
	sample := e.routing[ch]
	e.routingMu.Unlock()

	bank := ch % NumBanks
	mono := e.lib.Banks[bank][sample]
	if len(mono) == 0 {
		e.logger.Warn("no sample for beat",
			"channel", ch,
			"bank", bank,
			"sample", sample,
		)
		return
	}

	if e.effects != nil {
		mono = e.effects.Process(mono, ch, bpm, intensity)
	}

	stereo := PanMonoToStereo(mono, ChannelPans[ch], e.enablePanning)
	if e.enableIntensity {
		gain := float32(clampUnit(intensity))
		for i := range stereo {
			stereo[i] *= gain
		}
	}

	e.mixer.Play(stereo)
	e.stats.Increment("played_messages")
	e.logger.Debug("beat played",
		"channel", ch,
		"bpm", bpm,
		"intensity", intensity,
		"sample", sample,
	)
}

// HandleAcquire plays the global acquire acknowledgement, panned to the
// acquiring channel's position.
func (e *Engine) HandleAcquire(msg *goosc.Message, ch int) {
	e.stats.Increment("total_messages")

	if ch < 0 || ch >= osc.NumChannels || len(msg.Arguments) < 2 {
		e.stats.Increment("invalid_messages")
		e.logger.Warn("malformed acquire", "channel", ch)
		return
	}
	ts, ok := osc.IntArg(msg.Arguments[0])
	if !ok || ts < 0 {
		e.stats.Increment("invalid_messages")
		return
	}
	if e.stale(ts) {
		return
	}
	e.stats.Increment("valid_messages")

	if len(e.lib.Acquire) == 0 {
		e.logger.Warn("no acquire sample loaded, skipping", "channel", ch)
		return
	}
	stereo := PanMonoToStereo(e.lib.Acquire, ChannelPans[ch], e.enablePanning)
	e.mixer.Play(stereo)
	e.stats.Increment("played_messages")
	e.logger.Debug("acquire played", "channel", ch)
}

// HandleRelease validates and counts a release. Releases are delivered
// but silent; the delivery path stays exercised so a cue can be added
// without a protocol change.
func (e *Engine) HandleRelease(msg *goosc.Message, ch int) {
	e.stats.Increment("total_messages")

	if ch < 0 || ch >= osc.NumChannels || len(msg.Arguments) < 1 {
		e.stats.Increment("invalid_messages")
		e.logger.Warn("malformed release", "channel", ch)
		return
	}
	ts, ok := osc.IntArg(msg.Arguments[0])
	if !ok || ts < 0 {
		e.stats.Increment("invalid_messages")
		return
	}
	if e.stale(ts) {
		return
	}
	e.stats.Increment("valid_messages")
	e.logger.Debug("release received", "channel", ch)
}

// HandleRoute updates the routing table from /route/{ch}.
func (e *Engine) HandleRoute(msg *goosc.Message, ch int) {
	if len(msg.Arguments) < 1 {
		e.stats.Increment("invalid_messages")
		e.logger.Warn("route without sample argument", "channel", ch)
		return
	}
	sample, ok := osc.IntArg(msg.Arguments[0])
	if !ok {
		e.stats.Increment("invalid_messages")
		e.logger.Warn("route with non-integer sample", "channel", ch)
		return
	}
	e.SetRoute(ch, int(sample))
}

// HandleLoopStart starts an ambient loop from /loop/start.
func (e *Engine) HandleLoopStart(msg *goosc.Message, ch int) {
	id, ok := loopIDArg(msg)
	if !ok {
		e.stats.Increment("invalid_messages")
		e.logger.Warn("loop start with invalid id")
		return
	}
	if _, err := e.loops.Start(id); err != nil {
		e.logger.Warn("loop start failed", "loop", id, "error", err)
	}
}

// HandleLoopStop stops an ambient loop from /loop/stop.
func (e *Engine) HandleLoopStop(msg *goosc.Message, ch int) {
	id, ok := loopIDArg(msg)
	if !ok {
		e.stats.Increment("invalid_messages")
		e.logger.Warn("loop stop with invalid id")
		return
	}
	if err := e.loops.Stop(id); err != nil {
		e.logger.Warn("loop stop failed", "loop", id, "error", err)
	}
}

// Shutdown stops all loops and logs statistics.
func (e *Engine) Shutdown() {
	e.loops.StopAll()
	e.stats.Log(e.logger, "audio engine")
}

func loopIDArg(msg *goosc.Message) (int, bool) {
	if len(msg.Arguments) < 1 {
		return 0, false
	}
	id, ok := osc.IntArg(msg.Arguments[0])
	if !ok || id < 0 || id >= NumLoops {
		return 0, false
	}
	return int(id), true
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
