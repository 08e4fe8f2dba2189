// Package predictor implements the per-sensor phase-locked rhythm model.
//
// The predictor keeps a phase in [0,1) that advances at 1/IBI per
// millisecond of sender time, updated at every incoming sample whether or
// not an observation arrived. Detector crossings are treated as noisy
// observations that correct the inter-beat-interval estimate and the
// phase; the model, not the sensor, is the authoritative source of beat
// timing. Confidence maps to output intensity, giving a natural fade-in
// while acquiring and fade-out while coasting on a lost signal.
package predictor

import (
	"log/slog"
	"sort"
	"time"
)

// Mode is the predictor's operating mode.
type Mode int

const (
	// ModeStopped has no rhythm model; confidence is exactly zero.
	ModeStopped Mode = iota
	// ModeInitialization is collecting bootstrap observations.
	ModeInitialization
	// ModeLocked tracks a rhythm at full confidence.
	ModeLocked
	// ModeCoasting free-runs on the last estimate while confidence decays.
	ModeCoasting
)

// String returns the lower-case mode name.
func (m Mode) String() string {
	switch m {
	case ModeStopped:
		return "stopped"
	case ModeInitialization:
		return "initialization"
	case ModeLocked:
		return "locked"
	case ModeCoasting:
		return "coasting"
	default:
		return "unknown"
	}
}

// Model parameters.
const (
	// IBIMinMS and IBIMaxMS bound the inter-beat interval (150 BPM down
	// to 45 BPM).
	IBIMinMS = 400
	IBIMaxMS = 1333

	// ibiBlendWeight is the exponential-smoothing weight of a new
	// observation: new = 0.9*old + 0.1*observed.
	ibiBlendWeight = 0.1

	// ibiOutlierFactor rejects an observed interval outside
	// [IBI/1.5, IBI*1.5]. Prevents a missed-beat death spiral.
	ibiOutlierFactor = 1.5

	// phaseCorrectionWeight and phaseCorrectionMax bound the per-
	// observation phase correction.
	phaseCorrectionWeight = 0.10
	phaseCorrectionMax    = 0.2

	// observationDebounce accepts crossings at least 0.7*IBI apart.
	observationDebounce = 0.7

	// confidenceRamp is the confidence gained per bootstrap or recovery
	// observation.
	confidenceRamp = 0.2

	// initObservations is the bootstrap observation count.
	initObservations = 5

	// coastingDurationMS is the time for confidence to decay 1 -> 0.
	coastingDurationMS = 10000

	// beatLookaheadMS is the minimum lookahead for downstream device
	// compensation: beats are emitted this far before the phase wrap.
	beatLookaheadMS = 100
)

// Beat is a predicted beat. TimestampMS is unix epoch milliseconds in the
// near future; downstream consumers schedule output for that instant.
type Beat struct {
	TimestampMS int64
	BPM         float64
	Intensity   float64
}

// Predictor is the phase model for one channel. Not safe for concurrent
// use; the channel's ingest path owns it, and external reads go through
// the hosting processor's lock.
type Predictor struct {
	channel int
	logger  *slog.Logger

	mode       Mode
	phase      float64
	ibiMS      float64
	hasIBI     bool
	confidence float64

	hasLastUpdate bool
	lastUpdateMS  int64
	hasLastObs    bool
	lastObsMS     int64

	initObs []int64

	beatEmitted bool

	// Rejection metrics, logged when the model releases or stops.
	debouncedCount  int
	outOfRangeCount int
	outlierCount    int

	// now is the wall clock used to stamp emitted beats. Injectable for
	// tests; phase arithmetic runs purely on sender time.
	now func() time.Time
}

// New creates a stopped predictor for one channel.
func New(channel int, logger *slog.Logger) *Predictor {
	return &Predictor{
		channel: channel,
		logger:  logger.With("subsystem", "predictor", "channel", channel),
		mode:    ModeStopped,
		now:     time.Now,
	}
}

// Mode returns the current mode.
func (p *Predictor) Mode() Mode { return p.mode }

// Confidence returns the current confidence in [0,1].
func (p *Predictor) Confidence() float64 { return p.confidence }

// IBI returns the current inter-beat-interval estimate in milliseconds
// and whether one exists.
func (p *Predictor) IBI() (float64, bool) { return p.ibiMS, p.hasIBI }

// BPM returns the current heart-rate estimate, or 0 without an IBI.
func (p *Predictor) BPM() float64 {
	if !p.hasIBI {
		return 0
	}
	return 60000.0 / p.ibiMS
}

// ObserveCrossing records a detector observation at the given sender
// timestamp. Debouncing uses the current IBI estimate; the observation
// may begin initialization, accumulate bootstrap state, or correct the
// running model depending on mode.
func (p *Predictor) ObserveCrossing(timestampMS int64) {
	if p.hasIBI && p.hasLastObs {
		since := float64(timestampMS - p.lastObsMS)
		if since < observationDebounce*p.ibiMS {
			p.debouncedCount++
			p.logger.Debug("observation debounced",
				"since_ms", since,
				"min_ms", observationDebounce*p.ibiMS,
			)
			return
		}
	}

	switch p.mode {
	case ModeStopped:
		p.beginInitialization(timestampMS)
	case ModeInitialization:
		p.processInitObservation(timestampMS)
	case ModeLocked, ModeCoasting:
		p.processObservation(timestampMS)
	}

	p.lastObsMS = timestampMS
	p.hasLastObs = true
}

// Update advances the phase for one 50 Hz tick of sender time and returns
// a beat when the phase crosses the dynamic lookahead threshold. The
// returned beat carries a future unix timestamp: now + (1-phase)*IBI.
func (p *Predictor) Update(timestampMS int64) *Beat {
	if !p.hasLastUpdate {
		p.lastUpdateMS = timestampMS
		p.hasLastUpdate = true
		return nil
	}

	deltaMS := float64(timestampMS - p.lastUpdateMS)
	p.lastUpdateMS = timestampMS
	if deltaMS < 0 {
		// Out-of-order updates cannot move the model backwards.
		return nil
	}

	if !p.hasIBI {
		return nil
	}

	p.phase += deltaMS / p.ibiMS

	if p.mode == ModeCoasting {
		p.decayConfidence(deltaMS)
	}

	var beat *Beat

	// Dynamic threshold keeps the lookahead constant in wall time across
	// heart rates; clamped so very short IBIs still emit.
	threshold := 1.0 - beatLookaheadMS/p.ibiMS
	if threshold < 0 {
		threshold = 0
	}

	if p.phase >= threshold && !p.beatEmitted && p.confidence > 0 {
		remaining := 1.0 - p.phase
		if remaining < 0 {
			remaining = 0
		}
		beat = &Beat{
			TimestampMS: p.now().UnixMilli() + int64(remaining*p.ibiMS),
			BPM:         60000.0 / p.ibiMS,
			Intensity:   p.confidence,
		}
		p.beatEmitted = true
		p.logger.Debug("beat emitted",
			"bpm", beat.BPM,
			"intensity", beat.Intensity,
		)
	}

	if p.phase >= 1.0 {
		p.phase -= 1.0
		p.beatEmitted = false
	}

	return beat
}

// EnterCoasting moves a locked model into coasting. The hosting processor
// calls this when the detector pauses or resets. A model still
// bootstrapping with a partial IBI estimate coasts too, so partial
// confidence fades out instead of cutting off.
func (p *Predictor) EnterCoasting() {
	switch p.mode {
	case ModeLocked:
		p.mode = ModeCoasting
		p.logger.Info("locked -> coasting")
		p.logRejections()
	case ModeInitialization:
		if p.hasIBI {
			p.mode = ModeCoasting
			p.logger.Info("initialization -> coasting", "confidence", p.confidence)
			p.logRejections()
		}
	}
}

func (p *Predictor) beginInitialization(timestampMS int64) {
	p.mode = ModeInitialization
	p.initObs = p.initObs[:0]
	p.initObs = append(p.initObs, timestampMS)
	p.confidence = confidenceRamp
	p.phase = 0
	p.logger.Info("initialization started")
}

func (p *Predictor) processInitObservation(timestampMS int64) {
	p.initObs = append(p.initObs, timestampMS)

	// Intervals outside the IBI bounds are excluded from the bootstrap
	// median, so a dropped packet mid-bootstrap cannot poison the lock.
	var intervals []float64
	for i := 1; i < len(p.initObs); i++ {
		iv := float64(p.initObs[i] - p.initObs[i-1])
		if iv >= IBIMinMS && iv <= IBIMaxMS {
			intervals = append(intervals, iv)
		}
	}

	p.confidence = min(1.0, float64(len(p.initObs))*confidenceRamp)

	if len(p.initObs) >= initObservations && len(intervals) > 0 {
		sort.Float64s(intervals)
		p.ibiMS = clampIBI(intervals[len(intervals)/2])
		p.hasIBI = true
		p.phase = 0
		p.mode = ModeLocked
		p.confidence = 1.0
		p.logger.Info("locked",
			"ibi_ms", p.ibiMS,
			"bpm", 60000.0/p.ibiMS,
		)
	}
}

func (p *Predictor) processObservation(timestampMS int64) {
	if !p.hasIBI || !p.hasLastObs {
		p.logger.Warn("observation without model baseline, ignoring")
		return
	}

	observed := float64(timestampMS - p.lastObsMS)

	if observed < IBIMinMS || observed > IBIMaxMS {
		p.outOfRangeCount++
		p.logger.Debug("observation rejected: out of range", "observed_ms", observed)
		return
	}

	if observed < p.ibiMS/ibiOutlierFactor || observed > p.ibiMS*ibiOutlierFactor {
		p.outlierCount++
		p.logger.Debug("observation rejected: outlier",
			"observed_ms", observed,
			"ibi_ms", p.ibiMS,
		)
		return
	}

	oldIBI := p.ibiMS
	p.ibiMS = clampIBI((1.0-ibiBlendWeight)*oldIBI + ibiBlendWeight*observed)

	// Phase correction: where the phase should be given the observation,
	// minus where it is, applied with a clamped weight so a single noisy
	// observation cannot jump the model.
	expectedPhase := observed / oldIBI
	phaseErr := clamp(expectedPhase-p.phase, -phaseCorrectionMax, phaseCorrectionMax)
	p.phase += phaseCorrectionWeight * phaseErr

	if p.mode == ModeCoasting {
		p.mode = ModeLocked
		p.confidence = min(1.0, p.confidence+confidenceRamp)
		p.logger.Info("coasting -> locked", "confidence", p.confidence)
	} else {
		p.confidence = 1.0
	}
}

func (p *Predictor) decayConfidence(deltaMS float64) {
	p.confidence -= deltaMS / coastingDurationMS
	if p.confidence <= 0 {
		p.confidence = 0
		p.logRejections()
		p.mode = ModeStopped
		p.hasIBI = false
		p.ibiMS = 0
		p.phase = 0
		p.initObs = p.initObs[:0]
		p.logger.Info("coasting -> stopped")
	}
}

func (p *Predictor) logRejections() {
	total := p.debouncedCount + p.outOfRangeCount + p.outlierCount
	if total == 0 {
		return
	}
	p.logger.Info("observation rejections",
		"debounced", p.debouncedCount,
		"out_of_range", p.outOfRangeCount,
		"outlier", p.outlierCount,
	)
	p.debouncedCount = 0
	p.outOfRangeCount = 0
	p.outlierCount = 0
}

func clampIBI(v float64) float64 {
	return clamp(v, IBIMinMS, IBIMaxMS)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
