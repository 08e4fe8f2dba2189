// Package detector implements the per-sensor signal-quality state machine
// and threshold-crossing detection for raw PPG streams.
//
// The detector owns a rolling window of recent ADC samples, computes a
// MAD-based adaptive threshold, and emits an observation whenever the
// signal crosses the threshold upward in the Active state. It does not
// emit beats — that is the predictor's job. Sensor reboots, stream gaps
// and out-of-order packets are handled internally so the hosting
// processor only has to watch for the one-shot reset flag.
package detector

import (
	"log/slog"
	"sort"
)

// State is the detector's operating state.
type State int

const (
	// StateWarmup accumulates samples until the window is full. No
	// observations are ever emitted in warmup.
	StateWarmup State = iota
	// StateActive performs threshold-crossing detection.
	StateActive
	// StatePaused suspends detection until the signal has been clean for
	// a continuous recovery window.
	StatePaused
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateWarmup:
		return "warmup"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Tuning parameters. These mirror the values proven on the installation's
// 12-bit 50 Hz sensors.
const (
	// thresholdK is the multiplier in threshold = median + k*MAD.
	thresholdK = 4.5
	// madMinQuality rejects flat/noise-floor signals.
	madMinQuality = 40.0
	// saturationThreshold rejects a sensor stuck at one rail.
	saturationThreshold = 0.8
	// saturationBottomRail counts samples <= this as bottom-pinned.
	saturationBottomRail = 10
	// saturationTopRail counts samples >= this as top-pinned.
	saturationTopRail = 4085

	// windowSize is both the warmup length and the MAD window (2 s at 50 Hz).
	windowSize = 100

	// recoveryTimeMS is the continuous clean-signal window required to
	// leave Paused.
	recoveryTimeMS = 2000

	// observationMinIntervalMS debounces observations.
	observationMinIntervalMS = 400

	// messageGapThresholdMS resets the detector on a forward stream gap.
	messageGapThresholdMS = 1000
	// rebootThresholdMS distinguishes a sensor reboot (large backward
	// jump) from an out-of-order packet (small backward jump).
	rebootThresholdMS = 3000
)

// Observation is a threshold crossing detected in the Active state.
type Observation struct {
	// TimestampMS is the sender-local sample timestamp.
	TimestampMS int64
	// Value is the ADC sample that crossed the threshold.
	Value int
	// Threshold is the adaptive threshold that was crossed.
	Threshold float64
	// MAD is the signal-quality metric at the time of the crossing.
	MAD float64
}

// Detector is the per-sensor signal-quality state machine. Not safe for
// concurrent use; each channel's ingest path owns its detector.
type Detector struct {
	channel int
	logger  *slog.Logger

	state   State
	samples []int

	hasPrevious    bool
	previousSample int

	hasLastMessage    bool
	lastMessageMS     int64
	hasLastObs        bool
	lastObservationMS int64

	pausedSinceMS   int64
	hasRecoveryMark bool
	recoveryMarkMS  int64

	wasReset bool
}

// New creates a detector for one channel.
func New(channel int, logger *slog.Logger) *Detector {
	return &Detector{
		channel: channel,
		logger:  logger.With("subsystem", "detector", "channel", channel),
		state:   StateWarmup,
		samples: make([]int, 0, windowSize),
	}
}

// State returns the current state. For observability only.
func (d *Detector) State() State {
	return d.state
}

// WasReset reports whether the detector reset itself (sensor reboot or
// stream gap) since the last call. The flag clears on read.
func (d *Detector) WasReset() bool {
	r := d.wasReset
	d.wasReset = false
	return r
}

// BufferLen returns the current window occupancy.
func (d *Detector) BufferLen() int {
	return len(d.samples)
}

// ProcessSample runs one ADC sample through discontinuity handling, the
// window, and the state machine. It returns a non-nil observation when an
// upward crossing passes debouncing in the Active state.
//
// Callers must feed every sample regardless of the return value; the
// detector needs the full stream for state management.
func (d *Detector) ProcessSample(value int, timestampMS int64) *Observation {
	if d.hasLastMessage {
		if timestampMS < d.lastMessageMS {
			backward := d.lastMessageMS - timestampMS
			if backward > rebootThresholdMS {
				// Large backward jump: the sensor rebooted and restarted
				// its clock. Reset and process this sample as a new session.
				d.logger.Info("sensor reboot detected, resetting",
					"backward_jump_ms", backward,
				)
				d.reset()
			} else {
				// Small backward jump: out-of-order packet. Drop it, and
				// clear debouncing so the next valid sample is not gated
				// against a future timestamp.
				d.logger.Debug("out-of-order sample dropped",
					"timestamp_ms", timestampMS,
					"last_ms", d.lastMessageMS,
				)
				d.hasLastObs = false
				return nil
			}
		} else if timestampMS-d.lastMessageMS > messageGapThresholdMS {
			d.logger.Info("stream gap detected, resetting",
				"gap_ms", timestampMS-d.lastMessageMS,
			)
			d.reset()
		}
	}

	d.lastMessageMS = timestampMS
	d.hasLastMessage = true

	d.samples = append(d.samples, value)
	if len(d.samples) > windowSize {
		d.samples = d.samples[1:]
	}

	return d.step(value, timestampMS)
}

// step advances the state machine for one sample.
func (d *Detector) step(value int, timestampMS int64) *Observation {
	switch d.state {
	case StateWarmup:
		if len(d.samples) >= windowSize {
			d.logger.Info("state transition", "from", StateWarmup, "to", StateActive)
			d.state = StateActive
		}
		// Track the crossing baseline so the first Active sample can
		// already be compared against its predecessor.
		d.previousSample = value
		d.hasPrevious = true

	case StateActive:
		if len(d.samples) >= windowSize {
			_, mad, _ := d.madThreshold()
			sat := d.saturationRatio()
			if mad < madMinQuality || sat > saturationThreshold {
				d.logger.Info("state transition", "from", StateActive, "to", StatePaused,
					"mad", mad, "saturation", sat)
				d.state = StatePaused
				d.pausedSinceMS = timestampMS
				d.hasRecoveryMark = false
				// The crossing baseline still tracks the stream.
				d.previousSample = value
				d.hasPrevious = true
				return nil
			}
		}
		return d.detectCrossing(value, timestampMS)

	case StatePaused:
		if len(d.samples) >= windowSize {
			_, mad, _ := d.madThreshold()
			sat := d.saturationRatio()
			if mad >= madMinQuality && sat <= saturationThreshold {
				// Recovery only advances while quality stays good; the
				// timer runs on sender timestamps so it survives gaps in
				// wall time but not gaps in the stream.
				if !d.hasRecoveryMark {
					d.hasRecoveryMark = true
					d.recoveryMarkMS = timestampMS
				} else if timestampMS-d.recoveryMarkMS >= recoveryTimeMS {
					d.logger.Info("state transition", "from", StatePaused, "to", StateActive,
						"mad", mad)
					d.state = StateActive
					d.hasRecoveryMark = false
				}
			} else {
				d.hasRecoveryMark = false
			}
		}
		d.previousSample = value
		d.hasPrevious = true
	}
	return nil
}

// detectCrossing checks for an upward threshold crossing with debouncing.
func (d *Detector) detectCrossing(value int, timestampMS int64) *Observation {
	if len(d.samples) < windowSize {
		return nil
	}

	median, mad, threshold := d.madThreshold()

	crossed := d.hasPrevious &&
		float64(d.previousSample) < threshold &&
		float64(value) >= threshold

	d.previousSample = value
	d.hasPrevious = true

	if !crossed {
		return nil
	}

	if d.hasLastObs {
		if since := timestampMS - d.lastObservationMS; since < observationMinIntervalMS {
			d.logger.Debug("crossing debounced", "since_ms", since)
			return nil
		}
	}

	d.lastObservationMS = timestampMS
	d.hasLastObs = true

	d.logger.Debug("threshold crossing",
		"value", value,
		"threshold", threshold,
		"median", median,
		"mad", mad,
	)

	return &Observation{
		TimestampMS: timestampMS,
		Value:       value,
		Threshold:   threshold,
		MAD:         mad,
	}
}

// madThreshold computes (median, MAD, threshold) over the window. MAD has
// a 50% breakdown point, so transient spikes and rhythmic clipping do not
// distort the threshold.
func (d *Detector) madThreshold() (median, mad, threshold float64) {
	sorted := make([]float64, len(d.samples))
	for i, v := range d.samples {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)
	median = quantileSorted(sorted)

	for i, v := range sorted {
		sorted[i] = abs(v - median)
	}
	sort.Float64s(sorted)
	mad = quantileSorted(sorted)

	return median, mad, median + thresholdK*mad
}

// saturationRatio returns the larger of the bottom- and top-rail sample
// fractions. Rhythmic clipping alternating between rails stays below the
// threshold; a stuck sensor does not.
func (d *Detector) saturationRatio() float64 {
	if len(d.samples) < windowSize {
		return 0
	}
	bottom, top := 0, 0
	for _, v := range d.samples {
		if v <= saturationBottomRail {
			bottom++
		}
		if v >= saturationTopRail {
			top++
		}
	}
	n := float64(len(d.samples))
	b, t := float64(bottom)/n, float64(top)/n
	if b > t {
		return b
	}
	return t
}

// reset returns the detector to Warmup, clearing everything except the
// last-message timestamp, which must survive to detect the next
// discontinuity.
func (d *Detector) reset() {
	d.state = StateWarmup
	d.samples = d.samples[:0]
	d.hasPrevious = false
	d.hasLastObs = false
	d.hasRecoveryMark = false
	d.wasReset = true
}

func quantileSorted(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
