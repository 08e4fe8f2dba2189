package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// EffectsConfig is the audio_effects section of samples.yaml.
type EffectsConfig struct {
	Enable bool `yaml:"enable"`
	// Chains maps a physical channel (0-3) to its ordered effect list.
	Chains map[int][]EffectConfig `yaml:"ppg_effects"`
}

// EffectConfig configures one effect in a chain. Unused parameters keep
// their zero value and the effect falls back to its defaults.
type EffectConfig struct {
	Type string `yaml:"type"`

	// Reverb: room size follows BPM over RoomRange across BPMMin..BPMMax.
	RoomRange [2]float64 `yaml:"room_range"`
	Damping   float64    `yaml:"damping"`
	WetLevel  float64    `yaml:"wet_level"`
	DryLevel  float64    `yaml:"dry_level"`

	// Phaser: rate_hz = RateBase + intensity*RateIntensityScale.
	RateBase           float64 `yaml:"rate_base"`
	RateIntensityScale float64 `yaml:"rate_intensity_scale"`
	Depth              float64 `yaml:"depth"`
	CentreFrequency    float64 `yaml:"centre_frequency"`

	// Delay: delay_seconds = (60/bpm) * Subdivisions when BPMSync.
	BPMSync      bool    `yaml:"bpm_sync"`
	Subdivisions float64 `yaml:"subdivisions"`
	DelayBase    float64 `yaml:"delay_base"`
	Feedback     float64 `yaml:"feedback"`
	Mix          float64 `yaml:"mix"`

	// Chorus: rate_hz = (bpm/60) * RateScale when BPMSync.
	RateScale     float64 `yaml:"rate_scale"`
	CentreDelayMS float64 `yaml:"centre_delay_ms"`

	// LowPass: cutoff maps inversely from BPM over CutoffRange across
	// BPMMin..BPMMax (bright at rest, warm when excited).
	CutoffRange [2]float64 `yaml:"cutoff_range"`

	// Shared BPM input range for mapped parameters.
	BPMMin float64 `yaml:"bpm_min"`
	BPMMax float64 `yaml:"bpm_max"`
}

// Effect processes a mono buffer per beat, with parameters derived from
// the beat's BPM and intensity at that moment. Implementations return a
// new buffer and leave the input untouched.
type Effect interface {
	Name() string
	Process(mono []float32, bpm, intensity float64) []float32
}

// canonicalOrder fixes the rebuild order of a chain regardless of the
// order effects were toggled in.
var canonicalOrder = []string{"reverb", "phaser", "delay", "chorus", "lowpass"}

// newEffect builds one effect from its config at the given sample rate.
func newEffect(cfg EffectConfig, sampleRate int) (Effect, error) {
	switch cfg.Type {
	case "reverb":
		return newReverb(cfg, sampleRate), nil
	case "phaser":
		return newPhaser(cfg, sampleRate), nil
	case "delay":
		return newDelay(cfg, sampleRate), nil
	case "chorus":
		return newChorus(cfg, sampleRate), nil
	case "lowpass":
		return newLowPass(cfg, sampleRate), nil
	default:
		return nil, fmt.Errorf("unknown effect type %q", cfg.Type)
	}
}

// defaultEffectConfig supplies minimal parameters for effects toggled on
// without ever having been configured.
func defaultEffectConfig(name string) EffectConfig {
	cfg := EffectConfig{Type: name, BPMMin: 40, BPMMax: 120}
	switch name {
	case "reverb":
		cfg.RoomRange = [2]float64{0.3, 0.8}
		cfg.Damping = 0.5
		cfg.WetLevel = 0.33
		cfg.DryLevel = 0.67
	case "phaser":
		cfg.RateBase = 0.5
		cfg.RateIntensityScale = 2.0
		cfg.Depth = 1.0
		cfg.CentreFrequency = 1300
		cfg.Mix = 0.5
	case "delay":
		cfg.BPMSync = true
		cfg.Subdivisions = 1.0
		cfg.Feedback = 0.4
		cfg.Mix = 0.3
	case "chorus":
		cfg.BPMSync = true
		cfg.RateScale = 0.02
		cfg.Depth = 0.5
		cfg.CentreDelayMS = 7.0
		cfg.Mix = 0.5
	case "lowpass":
		cfg.BPMMin = 60
		cfg.CutoffRange = [2]float64{8000, 3000}
	}
	return cfg
}

// Processor owns the per-channel effect chains. Toggling an effect
// rebuilds that channel's chain in canonical order from the last-known
// configuration of each effect.
type Processor struct {
	sampleRate int
	logger     *slog.Logger

	mu      sync.Mutex
	chains  [NumBanks][]Effect
	active  [NumBanks]map[string]bool
	configs map[string]EffectConfig
}

// NewProcessor builds chains from config for each physical channel.
func NewProcessor(cfg EffectsConfig, sampleRate int, logger *slog.Logger) *Processor {
	p := &Processor{
		sampleRate: sampleRate,
		logger:     logger.With("subsystem", "effects"),
		configs:    make(map[string]EffectConfig),
	}
	for ch := 0; ch < NumBanks; ch++ {
		p.active[ch] = make(map[string]bool)
	}
	for ch, chain := range cfg.Chains {
		if ch < 0 || ch >= NumBanks {
			p.logger.Warn("effect chain for invalid channel, skipping", "channel", ch)
			continue
		}
		for _, ec := range chain {
			if _, err := newEffect(ec, sampleRate); err != nil {
				p.logger.Warn("skipping effect", "channel", ch, "error", err)
				continue
			}
			p.active[ch][ec.Type] = true
			if _, seen := p.configs[ec.Type]; !seen {
				p.configs[ec.Type] = ec
			}
		}
		p.rebuildLocked(ch)
	}
	return p
}

// Process runs a mono sample through the channel's chain. A failing
// effect is skipped and the dry signal carries on; playback never stops
// because a parameter went bad.
func (p *Processor) Process(mono []float32, channel int, bpm, intensity float64) []float32 {
	bank := channel % NumBanks
	p.mu.Lock()
	chain := p.chains[bank]
	p.mu.Unlock()

	out := mono
	for _, e := range chain {
		processed := func() (res []float32) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Warn("effect panicked, passing dry signal",
						"effect", e.Name(),
						"channel", channel,
						"panic", r,
					)
					res = nil
				}
			}()
			return e.Process(out, bpm, intensity)
		}()
		if processed != nil {
			out = processed
		}
	}
	return out
}

// Toggle flips one effect on a channel and rebuilds the chain.
func (p *Processor) Toggle(channel int, name string) error {
	if channel < 0 || channel >= NumBanks {
		return fmt.Errorf("channel must be 0-%d, got %d", NumBanks-1, channel)
	}
	known := false
	for _, n := range canonicalOrder {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown effect %q", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[channel][name] {
		delete(p.active[channel], name)
	} else {
		p.active[channel][name] = true
	}
	p.rebuildLocked(channel)
	return nil
}

// ActiveEffects returns the channel's active effect names in chain order.
func (p *Processor) ActiveEffects(channel int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.chains[channel%NumBanks] {
		out = append(out, e.Name())
	}
	return out
}

// rebuildLocked reconstructs a channel's chain in canonical order from
// stored configs, falling back to defaults for never-configured effects.
// Caller holds mu.
func (p *Processor) rebuildLocked(channel int) {
	var chain []Effect
	for _, name := range canonicalOrder {
		if !p.active[channel][name] {
			continue
		}
		cfg, ok := p.configs[name]
		if !ok {
			cfg = defaultEffectConfig(name)
		}
		e, err := newEffect(cfg, p.sampleRate)
		if err != nil {
			p.logger.Warn("rebuild skipped effect", "effect", name, "error", err)
			continue
		}
		chain = append(chain, e)
	}
	p.chains[channel] = chain
}

// ---- Reverb ----

// reverb is a small Schroeder reverberator: four parallel feedback combs
// into two series allpasses. Room size follows BPM through a linear
// clamped map onto the comb feedback.
type reverb struct {
	cfg        EffectConfig
	sampleRate int
}

var combDelaysMS = [4]float64{29.7, 37.1, 41.1, 43.7}

func newReverb(cfg EffectConfig, sampleRate int) *reverb {
	if cfg.RoomRange == [2]float64{} {
		cfg.RoomRange = [2]float64{0.3, 0.8}
	}
	if cfg.BPMMax == 0 {
		cfg.BPMMin, cfg.BPMMax = 40, 120
	}
	if cfg.WetLevel == 0 && cfg.DryLevel == 0 {
		cfg.WetLevel, cfg.DryLevel = 0.33, 0.67
	}
	if cfg.Damping == 0 {
		cfg.Damping = 0.5
	}
	return &reverb{cfg: cfg, sampleRate: sampleRate}
}

func (r *reverb) Name() string { return "reverb" }

func (r *reverb) Process(mono []float32, bpm, intensity float64) []float32 {
	roomSize := MapLinear(bpm, r.cfg.BPMMin, r.cfg.BPMMax, r.cfg.RoomRange[0], r.cfg.RoomRange[1])
	feedback := 0.7 + 0.28*roomSize
	damp := r.cfg.Damping

	out := make([]float32, len(mono))
	wet := make([]float64, len(mono))

	for _, delayMS := range combDelaysMS {
		n := int(delayMS / 1000 * float64(r.sampleRate))
		if n < 1 {
			n = 1
		}
		buf := make([]float64, n)
		var filtered float64
		idx := 0
		for i, x := range mono {
			y := buf[idx]
			filtered = y*(1-damp) + filtered*damp
			buf[idx] = float64(x) + filtered*feedback
			idx++
			if idx == n {
				idx = 0
			}
			wet[i] += y * 0.25
		}
	}

	for _, delayMS := range [2]float64{5.0, 1.7} {
		n := int(delayMS / 1000 * float64(r.sampleRate))
		if n < 1 {
			n = 1
		}
		buf := make([]float64, n)
		idx := 0
		const g = 0.5
		for i := range wet {
			x := wet[i]
			y := buf[idx] - g*x
			buf[idx] = x + g*y
			idx++
			if idx == n {
				idx = 0
			}
			wet[i] = y
		}
	}

	for i, x := range mono {
		out[i] = float32(float64(x)*r.cfg.DryLevel + wet[i]*r.cfg.WetLevel)
	}
	return out
}

// ---- Phaser ----

// phaser cascades four first-order allpass stages swept by an LFO whose
// rate scales with beat intensity.
type phaser struct {
	cfg        EffectConfig
	sampleRate int
}

func newPhaser(cfg EffectConfig, sampleRate int) *phaser {
	if cfg.RateBase == 0 {
		cfg.RateBase = 0.5
	}
	if cfg.Depth == 0 {
		cfg.Depth = 1.0
	}
	if cfg.CentreFrequency == 0 {
		cfg.CentreFrequency = 1300
	}
	if cfg.Mix == 0 {
		cfg.Mix = 0.5
	}
	return &phaser{cfg: cfg, sampleRate: sampleRate}
}

func (p *phaser) Name() string { return "phaser" }

func (p *phaser) Process(mono []float32, bpm, intensity float64) []float32 {
	rate := p.cfg.RateBase + intensity*p.cfg.RateIntensityScale
	if rate < 0.1 {
		rate = 0.1
	}

	out := make([]float32, len(mono))
	var state [4]float64
	lfoStep := 2 * math.Pi * rate / float64(p.sampleRate)
	lfo := 0.0
	fs := float64(p.sampleRate)

	for i, x := range mono {
		sweep := p.cfg.CentreFrequency * (1 + 0.5*p.cfg.Depth*math.Sin(lfo))
		lfo += lfoStep
		// First-order allpass coefficient for the swept frequency.
		tanArg := math.Pi * sweep / fs
		if tanArg > 1.5 {
			tanArg = 1.5
		}
		tn := math.Tan(tanArg)
		a := (tn - 1) / (tn + 1)

		y := float64(x)
		for s := range state {
			ap := a*y + state[s]
			state[s] = y - a*ap
			y = ap
		}
		out[i] = float32(float64(x)*(1-p.cfg.Mix) + y*p.cfg.Mix)
	}
	return out
}

// ---- Delay ----

// delay is a feedback echo. With BPM sync the delay time tracks the
// heartbeat: (60/bpm)*subdivisions, clamped to [10 ms, 5 s].
type delay struct {
	cfg        EffectConfig
	sampleRate int
}

func newDelay(cfg EffectConfig, sampleRate int) *delay {
	if cfg.Subdivisions == 0 {
		cfg.Subdivisions = 1.0
	}
	if cfg.Feedback == 0 {
		cfg.Feedback = 0.4
	}
	if cfg.Mix == 0 {
		cfg.Mix = 0.3
	}
	if cfg.DelayBase == 0 {
		cfg.DelayBase = 0.5
	}
	return &delay{cfg: cfg, sampleRate: sampleRate}
}

func (d *delay) Name() string { return "delay" }

func (d *delay) delaySeconds(bpm float64) float64 {
	secs := d.cfg.DelayBase
	if d.cfg.BPMSync {
		b := bpm
		if b < 40 {
			b = 40
		} else if b > 180 {
			b = 180
		}
		secs = 60.0 / b * d.cfg.Subdivisions
	}
	if secs < 0.01 {
		secs = 0.01
	} else if secs > 5 {
		secs = 5
	}
	return secs
}

func (d *delay) Process(mono []float32, bpm, intensity float64) []float32 {
	n := int(d.delaySeconds(bpm) * float64(d.sampleRate))
	if n < 1 {
		n = 1
	}
	buf := make([]float64, n)
	out := make([]float32, len(mono))
	idx := 0
	for i, x := range mono {
		echoed := buf[idx]
		buf[idx] = float64(x) + echoed*d.cfg.Feedback
		idx++
		if idx == n {
			idx = 0
		}
		out[i] = float32(float64(x)*(1-d.cfg.Mix) + echoed*d.cfg.Mix)
	}
	return out
}

// ---- Chorus ----

// chorus modulates a short delay line around a centre delay; the LFO rate
// tracks the heartbeat when synced, clamped to [0.01, 10] Hz.
type chorus struct {
	cfg        EffectConfig
	sampleRate int
}

func newChorus(cfg EffectConfig, sampleRate int) *chorus {
	if cfg.RateScale == 0 {
		cfg.RateScale = 0.02
	}
	if cfg.Depth == 0 {
		cfg.Depth = 0.5
	}
	if cfg.CentreDelayMS == 0 {
		cfg.CentreDelayMS = 7.0
	}
	if cfg.Mix == 0 {
		cfg.Mix = 0.5
	}
	if cfg.RateBase == 0 {
		cfg.RateBase = 1.0
	}
	return &chorus{cfg: cfg, sampleRate: sampleRate}
}

func (c *chorus) Name() string { return "chorus" }

func (c *chorus) rateHz(bpm float64) float64 {
	rate := c.cfg.RateBase
	if c.cfg.BPMSync {
		b := bpm
		if b < 40 {
			b = 40
		} else if b > 180 {
			b = 180
		}
		rate = b / 60.0 * c.cfg.RateScale
	}
	if rate < 0.01 {
		rate = 0.01
	} else if rate > 10 {
		rate = 10
	}
	return rate
}

func (c *chorus) Process(mono []float32, bpm, intensity float64) []float32 {
	fs := float64(c.sampleRate)
	centre := c.cfg.CentreDelayMS / 1000 * fs
	depth := centre * 0.5 * c.cfg.Depth
	bufLen := int(centre+depth) + 2
	buf := make([]float64, bufLen)

	out := make([]float32, len(mono))
	lfoStep := 2 * math.Pi * c.rateHz(bpm) / fs
	lfo := 0.0
	w := 0

	for i, x := range mono {
		buf[w] = float64(x)
		offset := centre + depth*math.Sin(lfo)
		lfo += lfoStep

		read := float64(w) - offset
		for read < 0 {
			read += float64(bufLen)
		}
		r0 := int(read)
		frac := read - float64(r0)
		r1 := r0 + 1
		if r1 >= bufLen {
			r1 = 0
		}
		wet := buf[r0]*(1-frac) + buf[r1]*frac

		out[i] = float32(float64(x)*(1-c.cfg.Mix) + wet*c.cfg.Mix)
		w++
		if w == bufLen {
			w = 0
		}
	}
	return out
}

// ---- LowPass ----

// lowPass is a one-pole filter whose cutoff maps inversely from BPM: the
// faster the heart, the warmer the sound.
type lowPass struct {
	cfg        EffectConfig
	sampleRate int
}

func newLowPass(cfg EffectConfig, sampleRate int) *lowPass {
	if cfg.CutoffRange == [2]float64{} {
		cfg.CutoffRange = [2]float64{8000, 3000}
	}
	if cfg.BPMMax == 0 {
		cfg.BPMMin, cfg.BPMMax = 60, 120
	}
	return &lowPass{cfg: cfg, sampleRate: sampleRate}
}

func (lp *lowPass) Name() string { return "lowpass" }

func (lp *lowPass) Process(mono []float32, bpm, intensity float64) []float32 {
	cutoff := MapLinear(bpm, lp.cfg.BPMMin, lp.cfg.BPMMax, lp.cfg.CutoffRange[0], lp.cfg.CutoffRange[1])
	if cutoff < 100 {
		cutoff = 100
	} else if cutoff > 20000 {
		cutoff = 20000
	}

	a := 1 - math.Exp(-2*math.Pi*cutoff/float64(lp.sampleRate))
	out := make([]float32, len(mono))
	var y float64
	for i, x := range mono {
		y += a * (float64(x) - y)
		out[i] = float32(y)
	}
	return out
}
