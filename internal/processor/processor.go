// Package processor hosts one detector and one predictor per channel and
// wires them to the OSC bus. Raw /ppg bundles enter here; acquire and
// release events leave here; beats leave through each predictor's own
// emission worker, which owns the output clock.
package processor

import (
	"log/slog"
	"sync"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/detector"
	"github.com/corazonn/amor/internal/osc"
	"github.com/corazonn/amor/internal/predictor"
)

// EventPublisher broadcasts rhythm lifecycle events and beats on the beat
// port. Implemented by the bus in production and by fakes in tests.
type EventPublisher interface {
	predictor.Publisher
	PublishAcquire(channel int, timestampMS int64, bpm float64)
	PublishRelease(channel int, timestampMS int64)
}

// channelState is the per-channel detector -> predictor pipeline.
type channelState struct {
	det     *detector.Detector
	pred    *predictor.Predictor
	emitter *predictor.Emitter

	lastDetState detector.State
	lastPredMode predictor.Mode
}

// Processor ingests /ppg bundles for all eight channels. Channels 0-3 are
// physical sensors; 4-7 are the sampler's virtual channels, hosted
// unconditionally so replayed streams re-enter exactly like live ones.
type Processor struct {
	logger    *slog.Logger
	publisher EventPublisher
	stats     *osc.Stats

	// mu guards the channel pipelines: state is mutated only on the
	// ingest path, and external reads (status, metrics) take the same
	// lock. The lock is never held across an OSC send from Status.
	mu       sync.Mutex
	channels [osc.NumChannels]*channelState

	// now stamps acquire/release events. Injectable for tests.
	now func() time.Time
}

// New creates a processor publishing through the given publisher.
func New(publisher EventPublisher, logger *slog.Logger, stats *osc.Stats) *Processor {
	p := &Processor{
		logger:    logger.With("subsystem", "processor"),
		publisher: publisher,
		stats:     stats,
		now:       time.Now,
	}
	for ch := 0; ch < osc.NumChannels; ch++ {
		cs := &channelState{
			det:     detector.New(ch, logger),
			pred:    predictor.New(ch, logger),
			emitter: predictor.NewEmitter(ch, publisher, logger),
		}
		cs.lastDetState = cs.det.State()
		cs.lastPredMode = cs.pred.Mode()
		p.channels[ch] = cs
	}
	return p
}

// Start launches the per-channel beat emission workers.
func (p *Processor) Start() {
	for _, cs := range p.channels {
		cs.emitter.Start()
	}
}

// Stop shuts the emission workers down.
func (p *Processor) Stop() {
	for _, cs := range p.channels {
		cs.emitter.Stop()
	}
}

// Register subscribes the processor's handlers on the ppg listener.
func (p *Processor) Register(listener *osc.Listener) {
	listener.Handle("/ppg/{ch}", p.HandlePPG)
}

// HandlePPG validates and ingests one /ppg bundle: five 12-bit samples
// plus a sender millisecond timestamp. Per-sample timestamps are
// synthesized at 20 ms spacing.
func (p *Processor) HandlePPG(msg *goosc.Message, ch int) {
	p.stats.Increment("total_messages")

	if ch < 0 || ch >= osc.NumChannels {
		p.stats.Increment("invalid_messages")
		p.logger.Warn("ppg channel out of range", "channel", ch)
		return
	}
	if len(msg.Arguments) != osc.SamplesPerBundle+1 {
		p.stats.Increment("invalid_messages")
		p.logger.Warn("ppg bundle with wrong argument count",
			"channel", ch,
			"args", len(msg.Arguments),
		)
		return
	}

	var samples [osc.SamplesPerBundle]int
	for i := 0; i < osc.SamplesPerBundle; i++ {
		v, ok := osc.IntArg(msg.Arguments[i])
		if !ok {
			p.stats.Increment("invalid_messages")
			p.logger.Warn("ppg sample with wrong type", "channel", ch, "index", i)
			return
		}
		if v < osc.ADCMin || v > osc.ADCMax {
			p.stats.Increment("invalid_messages")
			p.logger.Warn("ppg sample out of range", "channel", ch, "value", v)
			return
		}
		samples[i] = int(v)
	}
	ts, ok := osc.IntArg(msg.Arguments[osc.SamplesPerBundle])
	if !ok || ts < 0 {
		p.stats.Increment("invalid_messages")
		p.logger.Warn("ppg bundle with invalid timestamp", "channel", ch)
		return
	}

	p.stats.Increment("valid_messages")

	// Lifecycle events are collected under the lock and published after
	// it is released: the bus send is I/O and must not run under mu.
	p.mu.Lock()
	var events []lifecycleEvent
	for i, sample := range samples {
		events = append(events, p.ingestSample(ch, sample, ts+int64(i)*osc.SampleIntervalMS)...)
	}
	p.mu.Unlock()

	for _, ev := range events {
		if ev.acquire {
			p.stats.Increment("acquire_messages")
			p.publisher.PublishAcquire(ch, ev.timestampMS, ev.bpm)
			p.logger.Info("rhythm acquired", "channel", ch, "bpm", ev.bpm)
		} else {
			p.stats.Increment("release_messages")
			p.publisher.PublishRelease(ch, ev.timestampMS)
			p.logger.Info("rhythm released", "channel", ch)
		}
	}
}

// lifecycleEvent is a pending acquire or release collected on the ingest
// path for publication outside the processor lock.
type lifecycleEvent struct {
	acquire     bool
	timestampMS int64
	bpm         float64
}

// ingestSample runs one sample through the channel's pipeline and returns
// any lifecycle events for publication by the caller.
func (p *Processor) ingestSample(ch, value int, timestampMS int64) []lifecycleEvent {
	var events []lifecycleEvent
	cs := p.channels[ch]

	// A detector self-reset (sensor reboot or stream gap) coasts the
	// predictor immediately so ghost beats cannot outlive the warmup.
	obs := cs.det.ProcessSample(value, timestampMS)
	if cs.det.WasReset() {
		cs.pred.EnterCoasting()
	}

	// An Active -> Paused transition means signal quality degraded; the
	// predictor free-runs on its last estimate.
	if state := cs.det.State(); state != cs.lastDetState {
		if cs.lastDetState == detector.StateActive && state == detector.StatePaused {
			cs.pred.EnterCoasting()
		}
		cs.lastDetState = state
	}

	if obs != nil {
		cs.pred.ObserveCrossing(obs.TimestampMS)
	}

	// Predictor mode transitions become bus events. The acquire precedes
	// the first post-lock beat because it is queued here, on the ingest
	// path, while beats wait in the emission worker for their lookahead.
	if mode := cs.pred.Mode(); mode != cs.lastPredMode {
		nowMS := p.now().UnixMilli()
		switch {
		case cs.lastPredMode == predictor.ModeInitialization && mode == predictor.ModeLocked:
			events = append(events, lifecycleEvent{acquire: true, timestampMS: nowMS, bpm: cs.pred.BPM()})
		case cs.lastPredMode == predictor.ModeLocked && mode == predictor.ModeCoasting:
			events = append(events, lifecycleEvent{timestampMS: nowMS})
		}
		cs.lastPredMode = mode
	}

	if beat := cs.pred.Update(timestampMS); beat != nil {
		p.stats.Increment("beat_messages")
		cs.emitter.Enqueue(*beat)
	}
	return events
}

// ChannelStatus is an observability snapshot of one channel.
type ChannelStatus struct {
	Channel       int     `json:"channel"`
	DetectorState string  `json:"detector_state"`
	PredictorMode string  `json:"predictor_mode"`
	Confidence    float64 `json:"confidence"`
	BPM           float64 `json:"bpm"`
	BeatsPublished uint64 `json:"beats_published"`
}

// Status returns a snapshot of every channel. Reads run on the ingest
// goroutine's data; callers are the admin API and metrics, which tolerate
// slightly stale values.
func (p *Processor) Status() []ChannelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChannelStatus, 0, osc.NumChannels)
	for ch, cs := range p.channels {
		out = append(out, ChannelStatus{
			Channel:        ch,
			DetectorState:  cs.det.State().String(),
			PredictorMode:  cs.pred.Mode().String(),
			Confidence:     cs.pred.Confidence(),
			BPM:            cs.pred.BPM(),
			BeatsPublished: cs.emitter.Published(),
		})
	}
	return out
}

// BeatsPublished returns the total beats published across channels.
func (p *Processor) BeatsPublished() uint64 {
	var total uint64
	for _, cs := range p.channels {
		total += cs.emitter.Published()
	}
	return total
}
