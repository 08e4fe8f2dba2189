package lighting

import (
	"math"
	"time"
)

// FastAttack snaps to peak brightness on every beat and fades back to
// baseline over the beat-adaptive fade window. Stateless.
type FastAttack struct{}

func (*FastAttack) Name() string { return "fast_attack" }

func (*FastAttack) Init(env *Env) {
	env.Backend.SetAllBaseline()
}

func (*FastAttack) OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64) {
	if bpm <= 0 {
		return
	}
	bulb := env.Backend.BulbForZone(zone)
	if bulb == "" {
		return
	}
	pulse(env, bulb, env.Config.ZoneHue(zone), env.Config.Effects.BaselineSaturation, bpm)
}

func (*FastAttack) OnTick(env *Env, dt float64) {}

func (*FastAttack) Cleanup(env *Env) {
	env.Backend.SetAllBaseline()
}

// slowPulsePhase is one zone's position in the SlowPulse state machine.
type slowPulsePhase int

const (
	atBaseline slowPulsePhase = iota
	fadeInActive
	atPeakWaiting
	fadeOutActive
)

type slowPulseZone struct {
	phase      slowPulsePhase
	startedMS  int64
	durationMS int
	hue        int
	saturation int
}

// SlowPulse runs a per-zone four-phase state machine: a beat at baseline
// starts a fade to peak, a beat at peak starts the fade home, and beats
// during an active fade are ignored. The zone freezes at whichever end
// it reached until the next beat.
type SlowPulse struct {
	zones [NumZones]slowPulseZone
}

// NewSlowPulse creates the state machine with all zones at baseline.
func NewSlowPulse() *SlowPulse {
	return &SlowPulse{}
}

func (*SlowPulse) Name() string { return "slow_pulse" }

func (s *SlowPulse) Init(env *Env) {
	env.Backend.SetAllBaseline()
	for z := range s.zones {
		s.zones[z] = slowPulseZone{}
	}
}

func (s *SlowPulse) OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64) {
	if bpm <= 0 || zone < 0 || zone >= NumZones {
		return
	}
	zs := &s.zones[zone]
	if zs.phase != atBaseline && zs.phase != atPeakWaiting {
		return
	}
	bulb := env.Backend.BulbForZone(zone)
	if bulb == "" {
		return
	}

	eff := env.Config.Effects
	hue := env.Config.ZoneHue(zone)
	fade := fadeDurationMS(bpm)
	zs.durationMS = fade
	zs.startedMS = env.NowMS()
	zs.hue = hue
	zs.saturation = eff.BaselineSaturation

	if zs.phase == atBaseline {
		env.Backend.SetColor(bulb, hue, eff.BaselineSaturation, eff.PulseMax, fade)
		zs.phase = fadeInActive
	} else {
		env.Backend.SetColor(bulb, hue, eff.BaselineSaturation, eff.BaselineBrightness, fade)
		zs.phase = fadeOutActive
	}
}

func (s *SlowPulse) OnTick(env *Env, dt float64) {
	now := env.NowMS()
	for z := range s.zones {
		zs := &s.zones[z]
		switch zs.phase {
		case fadeInActive:
			if now-zs.startedMS >= int64(zs.durationMS) {
				zs.phase = atPeakWaiting
			}
		case fadeOutActive:
			if now-zs.startedMS >= int64(zs.durationMS) {
				zs.phase = atBaseline
			}
		}
	}
}

func (s *SlowPulse) Cleanup(env *Env) {
	env.Backend.SetAllBaseline()
}

// RotatingGradient rotates a 360-degree hue wheel across the zones with
// fixed 90-degree spacing; beats overlay a FastAttack pulse at the
// zone's current gradient hue. Bulb writes are throttled to one per 2 s
// with a transition covering the interval.
type RotatingGradient struct {
	offset    float64
	speed     float64 // degrees per second
	sinceSync float64 // seconds since the last bulb write
}

// NewRotatingGradient creates a gradient rotating at the configured
// speed (default 30 deg/s).
func NewRotatingGradient(p ProgramParams) *RotatingGradient {
	speed := p.RotationSpeed
	if speed == 0 {
		speed = 30
	}
	return &RotatingGradient{speed: speed}
}

func (*RotatingGradient) Name() string { return "rotating_gradient" }

const gradientZoneSpacing = 90.0

func (g *RotatingGradient) Init(env *Env) {
	env.Backend.SetAllBaseline()
	g.offset = 0
	g.sinceSync = 0
}

func (g *RotatingGradient) zoneHue(zone int) int {
	return int(math.Mod(float64(zone)*gradientZoneSpacing+g.offset, 360))
}

func (g *RotatingGradient) OnTick(env *Env, dt float64) {
	g.offset = math.Mod(g.offset+g.speed*dt, 360)

	g.sinceSync += dt
	if g.sinceSync < hardwareSmoothMS/1000.0 {
		return
	}
	g.sinceSync = 0

	eff := env.Config.Effects
	for zone := 0; zone < NumZones; zone++ {
		bulb := env.Backend.BulbForZone(zone)
		if bulb == "" {
			continue
		}
		env.Backend.SetColor(bulb, g.zoneHue(zone), eff.BaselineSaturation, eff.BaselineBrightness, hardwareSmoothMS)
	}
}

func (g *RotatingGradient) OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64) {
	if bpm <= 0 {
		return
	}
	bulb := env.Backend.BulbForZone(zone)
	if bulb == "" {
		return
	}
	pulse(env, bulb, g.zoneHue(zone), env.Config.Effects.BaselineSaturation, bpm)
}

func (g *RotatingGradient) Cleanup(env *Env) {
	env.Backend.SetAllBaseline()
}

// BreathingSync drives every zone with one sinusoid whose rate is the
// mean of the four last-known per-channel BPMs. Beats update the mean
// but never pulse individually.
type BreathingSync struct {
	recentBPMs  [NumZones]float64
	breathPhase float64
	baseHue     int
	minBri      int
	maxBri      int
	sinceSync   float64
}

// NewBreathingSync creates the program with every zone assumed at 60 BPM.
func NewBreathingSync(p ProgramParams) *BreathingSync {
	b := &BreathingSync{
		baseHue: p.BaseHue,
		minBri:  p.MinBrightness,
		maxBri:  p.MaxBrightness,
	}
	if b.baseHue == 0 {
		b.baseHue = 200
	}
	if b.minBri == 0 {
		b.minBri = 20
	}
	if b.maxBri == 0 {
		b.maxBri = 60
	}
	for z := range b.recentBPMs {
		b.recentBPMs[z] = 60
	}
	return b
}

func (*BreathingSync) Name() string { return "breathing_sync" }

func (b *BreathingSync) Init(env *Env) {
	env.Backend.SetAllBaseline()
	b.breathPhase = 0
	b.sinceSync = 0
}

func (b *BreathingSync) meanBPM() float64 {
	var sum float64
	for _, v := range b.recentBPMs {
		sum += v
	}
	return sum / NumZones
}

func (b *BreathingSync) OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64) {
	if bpm <= 0 || zone < 0 || zone >= NumZones {
		return
	}
	b.recentBPMs[zone] = bpm
}

func (b *BreathingSync) OnTick(env *Env, dt float64) {
	breathRate := b.meanBPM() / 60.0
	b.breathPhase = math.Mod(b.breathPhase+breathRate*dt, 1.0)

	b.sinceSync += dt
	if b.sinceSync < hardwareSmoothMS/1000.0 {
		return
	}
	b.sinceSync = 0

	// Aim the transition at where the breath will be when it lands.
	futurePhase := math.Mod(b.breathPhase+breathRate*hardwareSmoothMS/1000.0, 1.0)
	span := float64(b.maxBri - b.minBri)
	target := b.minBri + int(span*(0.5+0.5*math.Sin(futurePhase*2*math.Pi)))

	for zone := 0; zone < NumZones; zone++ {
		bulb := env.Backend.BulbForZone(zone)
		if bulb == "" {
			continue
		}
		env.Backend.SetColor(bulb, b.baseHue, env.Config.Effects.BaselineSaturation, target, hardwareSmoothMS)
	}
}

func (b *BreathingSync) Cleanup(env *Env) {
	env.Backend.SetAllBaseline()
}

// Convergence watches for pairs of participants whose BPMs sit within a
// relative threshold; converged zones snap to a unified gold hue while
// the rest drift home at 20 deg/s. Beats pulse at each zone's current
// hue.
type Convergence struct {
	recentBPMs [NumZones]float64
	zoneHues   [NumZones]float64
	threshold  float64
	goldHue    int
	goldSat    int
	converged  [NumZones]bool
}

// NewConvergence creates the detector with the configured threshold
// (default 5% relative).
func NewConvergence(p ProgramParams) *Convergence {
	c := &Convergence{
		threshold: p.ConvergenceThreshold,
		goldHue:   p.ConvergenceHue,
		goldSat:   p.ConvergenceSat,
	}
	if c.threshold == 0 {
		c.threshold = 0.05
	}
	if c.goldHue == 0 {
		c.goldHue = 45
	}
	if c.goldSat == 0 {
		c.goldSat = 90
	}
	for z := range c.recentBPMs {
		c.recentBPMs[z] = 60
	}
	return c
}

func (*Convergence) Name() string { return "convergence" }

func (c *Convergence) Init(env *Env) {
	env.Backend.SetAllBaseline()
	for z := 0; z < NumZones; z++ {
		c.zoneHues[z] = float64(env.Config.ZoneHue(z))
		c.converged[z] = false
	}
}

// ConvergedZones returns which zones are currently part of a converged
// pair. Exposed for status reporting.
func (c *Convergence) ConvergedZones() [NumZones]bool {
	return c.converged
}

func (c *Convergence) OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64) {
	if bpm <= 0 || zone < 0 || zone >= NumZones {
		return
	}
	c.recentBPMs[zone] = bpm

	var converged [NumZones]bool
	for i := 0; i < NumZones; i++ {
		for j := i + 1; j < NumZones; j++ {
			lo := math.Min(c.recentBPMs[i], c.recentBPMs[j])
			if lo <= 0 {
				continue
			}
			if math.Abs(c.recentBPMs[i]-c.recentBPMs[j])/lo < c.threshold {
				converged[i] = true
				converged[j] = true
			}
		}
	}
	c.converged = converged

	for z := 0; z < NumZones; z++ {
		if converged[z] {
			c.zoneHues[z] = float64(c.goldHue)
		}
	}

	bulb := env.Backend.BulbForZone(zone)
	if bulb == "" {
		return
	}
	sat := env.Config.Effects.BaselineSaturation
	if converged[zone] {
		sat = c.goldSat
	}
	pulse(env, bulb, int(c.zoneHues[zone]), sat, bpm)
}

// convergenceDriftRate is how fast non-converged zones return to their
// default hue, in degrees per second.
const convergenceDriftRate = 20.0

func (c *Convergence) OnTick(env *Env, dt float64) {
	for z := 0; z < NumZones; z++ {
		if c.converged[z] {
			continue
		}
		defaultHue := float64(env.Config.ZoneHue(z))
		current := c.zoneHues[z]
		if current == defaultHue {
			continue
		}
		// Shortest arc home.
		diff := math.Mod(defaultHue-current+540, 360) - 180
		step := convergenceDriftRate * dt
		if math.Abs(diff) <= step {
			c.zoneHues[z] = defaultHue
		} else {
			c.zoneHues[z] = math.Mod(current+math.Copysign(step, diff)+360, 360)
		}
	}
}

func (c *Convergence) Cleanup(env *Env) {
	env.Backend.SetAllBaseline()
}

// WaveChase turns a beat on one channel into a cascade: the origin zone
// pulses immediately and the following zones pulse in circular order at
// the configured stagger.
type WaveChase struct {
	staggerMS int
}

// NewWaveChase creates a chase with the configured stagger (default
// 500 ms).
func NewWaveChase(p ProgramParams) *WaveChase {
	staggerMS := p.StaggerMS
	if staggerMS == 0 {
		staggerMS = 500
	}
	return &WaveChase{staggerMS: staggerMS}
}

func (*WaveChase) Name() string { return "wave_chase" }

func (w *WaveChase) Init(env *Env) {
	env.Backend.SetAllBaseline()
}

func (w *WaveChase) OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64) {
	if bpm <= 0 || zone < 0 || zone >= NumZones {
		return
	}
	sat := env.Config.Effects.BaselineSaturation
	for offset := 0; offset < NumZones; offset++ {
		target := (zone + offset) % NumZones
		bulb := env.Backend.BulbForZone(target)
		if bulb == "" {
			continue
		}
		hue := env.Config.ZoneHue(target)
		if offset == 0 {
			pulse(env, bulb, hue, sat, bpm)
			continue
		}
		// Delayed pulses go straight to the backend from a timer; the
		// backend contract is concurrency-safe and the pulse carries
		// everything it needs, so no program state is touched late.
		backend := env.Backend
		e := &Env{Backend: backend, Config: env.Config, Logger: env.Logger, NowMS: env.NowMS}
		delay := time.Duration(offset*w.staggerMS) * time.Millisecond
		b, h := bulb, hue
		time.AfterFunc(delay, func() {
			pulse(e, b, h, sat, bpm)
		})
	}
}

func (w *WaveChase) OnTick(env *Env, dt float64) {}

func (w *WaveChase) Cleanup(env *Env) {
	env.Backend.SetAllBaseline()
}

// IntensityReactive maps heart rate to hue and signal intensity to
// saturation. Between beats the stored intensity decays exponentially per
// tick (floor 0.1), so the saturation written at each 2 s sync fades;
// brightness is not decayed: sync writes use the baseline brightness.
type IntensityReactive struct {
	zoneIntensity [NumZones]float64
	zoneHue       [NumZones]int
	minSat        int
	maxSat        int
	sinceSync     float64
}

// NewIntensityReactive creates the program with mid intensities.
func NewIntensityReactive(p ProgramParams) *IntensityReactive {
	r := &IntensityReactive{minSat: p.MinSaturation, maxSat: p.MaxSaturation}
	if r.minSat == 0 {
		r.minSat = 50
	}
	if r.maxSat == 0 {
		r.maxSat = 100
	}
	for z := range r.zoneIntensity {
		r.zoneIntensity[z] = 0.5
	}
	return r
}

func (*IntensityReactive) Name() string { return "intensity_reactive" }

func (r *IntensityReactive) Init(env *Env) {
	env.Backend.SetAllBaseline()
}

func (r *IntensityReactive) saturation(intensity float64) int {
	return r.minSat + int(intensity*float64(r.maxSat-r.minSat))
}

func (r *IntensityReactive) OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64) {
	if bpm <= 0 || zone < 0 || zone >= NumZones {
		return
	}
	r.zoneIntensity[zone] = intensity
	hue := hueFromBPM(bpm)
	r.zoneHue[zone] = hue

	bulb := env.Backend.BulbForZone(zone)
	if bulb == "" {
		return
	}
	pulse(env, bulb, hue, r.saturation(intensity), bpm)
}

func (r *IntensityReactive) OnTick(env *Env, dt float64) {
	for z := 0; z < NumZones; z++ {
		decayed := r.zoneIntensity[z] * math.Pow(0.95, dt*10)
		if decayed < 0.1 {
			decayed = 0.1
		}
		r.zoneIntensity[z] = decayed
	}

	r.sinceSync += dt
	if r.sinceSync < hardwareSmoothMS/1000.0 {
		return
	}
	r.sinceSync = 0

	eff := env.Config.Effects
	for z := 0; z < NumZones; z++ {
		bulb := env.Backend.BulbForZone(z)
		if bulb == "" {
			continue
		}
		env.Backend.SetColor(bulb, r.zoneHue[z], r.saturation(r.zoneIntensity[z]), eff.BaselineBrightness, hardwareSmoothMS)
	}
}

func (r *IntensityReactive) Cleanup(env *Env) {
	env.Backend.SetAllBaseline()
}

// IntensitySlowPulse is SlowPulse's fade state machine with
// IntensityReactive's hue and saturation mapping.
type IntensitySlowPulse struct {
	zones  [NumZones]slowPulseZone
	minSat int
	maxSat int
}

// NewIntensitySlowPulse creates the combined program.
func NewIntensitySlowPulse(p ProgramParams) *IntensitySlowPulse {
	s := &IntensitySlowPulse{minSat: p.MinSaturation, maxSat: p.MaxSaturation}
	if s.minSat == 0 {
		s.minSat = 50
	}
	if s.maxSat == 0 {
		s.maxSat = 100
	}
	return s
}

func (*IntensitySlowPulse) Name() string { return "intensity_slow_pulse" }

func (s *IntensitySlowPulse) Init(env *Env) {
	env.Backend.SetAllBaseline()
	for z := range s.zones {
		s.zones[z] = slowPulseZone{hue: 200, saturation: 75}
	}
}

func (s *IntensitySlowPulse) OnBeat(env *Env, zone int, timestampMS int64, bpm, intensity float64) {
	if bpm <= 0 || zone < 0 || zone >= NumZones {
		return
	}
	zs := &s.zones[zone]
	if zs.phase != atBaseline && zs.phase != atPeakWaiting {
		return
	}
	bulb := env.Backend.BulbForZone(zone)
	if bulb == "" {
		return
	}

	zs.hue = hueFromBPM(bpm)
	zs.saturation = s.minSat + int(intensity*float64(s.maxSat-s.minSat))

	eff := env.Config.Effects
	fade := fadeDurationMS(bpm)
	zs.durationMS = fade
	zs.startedMS = env.NowMS()

	if zs.phase == atBaseline {
		env.Backend.SetColor(bulb, zs.hue, zs.saturation, eff.PulseMax, fade)
		zs.phase = fadeInActive
	} else {
		env.Backend.SetColor(bulb, zs.hue, zs.saturation, eff.BaselineBrightness, fade)
		zs.phase = fadeOutActive
	}
}

func (s *IntensitySlowPulse) OnTick(env *Env, dt float64) {
	now := env.NowMS()
	for z := range s.zones {
		zs := &s.zones[z]
		switch zs.phase {
		case fadeInActive:
			if now-zs.startedMS >= int64(zs.durationMS) {
				zs.phase = atPeakWaiting
			}
		case fadeOutActive:
			if now-zs.startedMS >= int64(zs.durationMS) {
				zs.phase = atBaseline
			}
		}
	}
}

func (s *IntensitySlowPulse) Cleanup(env *Env) {
	env.Backend.SetAllBaseline()
}
