package lighting

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// Env is the per-call environment handed to program callbacks. Programs
// never hold it between calls: the backend handle is injected per call
// so a program switch can never leave a stale vendor reference alive.
type Env struct {
	Backend Backend
	Config  *Config
	Logger  *slog.Logger
	// NowMS is the wall clock in unix milliseconds. Injectable so the
	// state-machine programs are testable without sleeping.
	NowMS func() int64
}

// Program is one beat-driven lighting behaviour. State lives in the
// program value itself, typed per variant; the runtime serializes all
// callbacks under its program lock, so no internal locking is needed.
type Program interface {
	Name() string
	// Init prepares state and puts bulbs in the program's starting look.
	Init(env *Env)
	// OnBeat reacts to one beat on a zone.
	OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64)
	// OnTick advances continuous animation; dt is the time since the
	// previous tick in seconds.
	OnTick(env *Env, dt float64)
	// Cleanup returns bulbs to baseline before a program switch.
	Cleanup(env *Env)
}

// programRegistry maps config names to constructors.
var programRegistry = map[string]func(ProgramParams) Program{
	"fast_attack":          func(p ProgramParams) Program { return &FastAttack{} },
	"slow_pulse":           func(p ProgramParams) Program { return NewSlowPulse() },
	"rotating_gradient":    func(p ProgramParams) Program { return NewRotatingGradient(p) },
	"breathing_sync":       func(p ProgramParams) Program { return NewBreathingSync(p) },
	"convergence":          func(p ProgramParams) Program { return NewConvergence(p) },
	"wave_chase":           func(p ProgramParams) Program { return NewWaveChase(p) },
	"intensity_reactive":   func(p ProgramParams) Program { return NewIntensityReactive(p) },
	"intensity_slow_pulse": func(p ProgramParams) Program { return NewIntensitySlowPulse(p) },
}

// NewProgram constructs a registered program by name.
func NewProgram(name string, params ProgramParams) (Program, error) {
	ctor, ok := programRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown lighting program %q", name)
	}
	return ctor(params), nil
}

// ProgramNames lists the registered program names, sorted.
func ProgramNames() []string {
	names := make([]string, 0, len(programRegistry))
	for name := range programRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fadeDurationMS returns the beat-adaptive fade length: the smallest
// integer multiple of the IBI not shorter than the 2 s hardware-smooth
// floor. Slow hearts fade over one long beat, fast hearts over several
// short ones, and the transition always animates in firmware.
func fadeDurationMS(bpm float64) int {
	ibi := 60000.0 / bpm
	beats := math.Ceil(float64(hardwareSmoothMS) / ibi)
	return int(beats * ibi)
}

// hueFromBPM maps heart rate to hue: 40 BPM is a calm 240 degrees, 120
// BPM a hot 0, linearly with clamped input.
func hueFromBPM(bpm float64) int {
	b := bpm
	if b < 40 {
		b = 40
	} else if b > 120 {
		b = 120
	}
	return int((120 - b) * 3)
}

// pulse sends the canonical instant-attack/smooth-fade pair for a beat.
func pulse(env *Env, bulbID string, hue, saturation int, bpm float64) {
	eff := env.Config.Effects
	fade := fadeDurationMS(bpm)
	if err := env.Backend.SetColor(bulbID, hue, saturation, eff.PulseMax, 0); err != nil {
		env.Logger.Debug("pulse attack failed", "bulb", bulbID, "error", err)
		return
	}
	if err := env.Backend.SetColor(bulbID, hue, saturation, eff.BaselineBrightness, fade); err != nil {
		env.Logger.Debug("pulse fade failed", "bulb", bulbID, "error", err)
	}
}
