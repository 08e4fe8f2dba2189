package lighting

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/osc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// colorCall is one recorded SetColor command.
type colorCall struct {
	Bulb         string
	Hue          int
	Saturation   int
	Brightness   int
	TransitionMS int
}

// fakeBackend records every command without rate limiting.
type fakeBackend struct {
	cfg *Config

	mu        sync.Mutex
	calls     []colorCall
	baselines int
	authErr   error
	closed    bool
}

func newFakeBackend(cfg *Config) *fakeBackend {
	return &fakeBackend{cfg: cfg}
}

func (f *fakeBackend) Authenticate() error { return f.authErr }

func (f *fakeBackend) SetColor(bulbID string, hue, saturation, brightness, transitionMS int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, colorCall{bulbID, hue, saturation, brightness, transitionMS})
	return nil
}

func (f *fakeBackend) SetAllBaseline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baselines++
}

func (f *fakeBackend) BulbForZone(zone int) string {
	for _, z := range f.cfg.Zones {
		if z.Zone == zone {
			return z.Bulb
		}
	}
	return ""
}

func (f *fakeBackend) LatencyEstimate() time.Duration { return 0 }
func (f *fakeBackend) Stats() BackendStats            { return BackendStats{} }
func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeBackend) snapshot() []colorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]colorCall(nil), f.calls...)
}

func (f *fakeBackend) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// testEnv builds an Env over a fake backend with a controllable clock.
func testEnv(cfg *Config, backend Backend, nowMS *int64) *Env {
	return &Env{
		Backend: backend,
		Config:  cfg,
		Logger:  testLogger(),
		NowMS:   func() int64 { return *nowMS },
	}
}

func TestFadeDurationRule(t *testing.T) {
	// Smallest integer multiple of IBI >= 2000 ms.
	tests := []struct {
		bpm  float64
		want int
	}{
		{30, 2000},  // IBI 2000: one beat
		{75, 2400},  // IBI 800: three beats
		{60, 2000},  // IBI 1000: two beats
		{120, 2000}, // IBI 500: four beats
		{50, 2400},  // IBI 1200: two beats
	}
	for _, tt := range tests {
		if got := fadeDurationMS(tt.bpm); got != tt.want {
			t.Errorf("fadeDurationMS(%f) = %d, want %d", tt.bpm, got, tt.want)
		}
	}
}

func TestHueFromBPM(t *testing.T) {
	if got := hueFromBPM(40); got != 240 {
		t.Errorf("hueFromBPM(40) = %d, want 240", got)
	}
	if got := hueFromBPM(120); got != 0 {
		t.Errorf("hueFromBPM(120) = %d, want 0", got)
	}
	if got := hueFromBPM(80); got != 120 {
		t.Errorf("hueFromBPM(80) = %d, want 120", got)
	}
	// Clamped inputs.
	if got := hueFromBPM(20); got != 240 {
		t.Errorf("hueFromBPM(20) = %d, want 240 (clamped)", got)
	}
	if got := hueFromBPM(200); got != 0 {
		t.Errorf("hueFromBPM(200) = %d, want 0 (clamped)", got)
	}
}

func TestFastAttackPulse(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	var now int64 = 1000
	env := testEnv(cfg, backend, &now)

	p := &FastAttack{}
	p.Init(env)
	p.OnBeat(env, 1, now, 75, 1.0)

	calls := backend.snapshot()
	if len(calls) != 2 {
		t.Fatalf("fast attack sent %d commands, want 2", len(calls))
	}
	// Instant attack to peak, then smooth fade to baseline over the
	// BPM-adaptive window.
	if calls[0].Brightness != cfg.Effects.PulseMax || calls[0].TransitionMS != 0 {
		t.Errorf("attack call = %+v", calls[0])
	}
	if calls[1].Brightness != cfg.Effects.BaselineBrightness || calls[1].TransitionMS != 2400 {
		t.Errorf("fade call = %+v", calls[1])
	}
	if calls[0].Bulb != backend.BulbForZone(1) {
		t.Errorf("pulsed bulb %s, want zone 1's", calls[0].Bulb)
	}
}

func TestSlowPulseStateMachine(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	var now int64 = 10_000
	env := testEnv(cfg, backend, &now)

	p := NewSlowPulse()
	p.Init(env)

	// Beat at baseline: fade-in starts.
	p.OnBeat(env, 0, now, 60, 1.0)
	if p.zones[0].phase != fadeInActive {
		t.Fatalf("phase after first beat = %v, want fadeInActive", p.zones[0].phase)
	}
	calls := backend.snapshot()
	if len(calls) != 1 || calls[0].Brightness != cfg.Effects.PulseMax || calls[0].TransitionMS != 2000 {
		t.Fatalf("fade-in call = %+v", calls)
	}

	// Beats during the fade are ignored.
	backend.reset()
	p.OnBeat(env, 0, now, 60, 1.0)
	if len(backend.snapshot()) != 0 {
		t.Error("beat during fade-in sent commands")
	}

	// Tick before completion: still fading.
	now += 1000
	p.OnTick(env, 1.0)
	if p.zones[0].phase != fadeInActive {
		t.Error("fade completed early")
	}

	// Tick after the fade window: at peak, waiting.
	now += 1100
	p.OnTick(env, 1.1)
	if p.zones[0].phase != atPeakWaiting {
		t.Fatalf("phase after fade window = %v, want atPeakWaiting", p.zones[0].phase)
	}

	// Beat at peak: fade-out starts.
	backend.reset()
	p.OnBeat(env, 0, now, 60, 1.0)
	if p.zones[0].phase != fadeOutActive {
		t.Fatalf("phase = %v, want fadeOutActive", p.zones[0].phase)
	}
	calls = backend.snapshot()
	if len(calls) != 1 || calls[0].Brightness != cfg.Effects.BaselineBrightness {
		t.Fatalf("fade-out call = %+v", calls)
	}

	// Completion returns to baseline.
	now += 2100
	p.OnTick(env, 2.1)
	if p.zones[0].phase != atBaseline {
		t.Errorf("phase = %v, want atBaseline", p.zones[0].phase)
	}

	// Zones are independent: a beat on zone 2 is unaffected.
	p.OnBeat(env, 2, now, 60, 1.0)
	if p.zones[2].phase != fadeInActive || p.zones[0].phase != atBaseline {
		t.Error("zone state machines are not independent")
	}
}

func TestRotatingGradientSpacingAndThrottle(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	var now int64 = 0
	env := testEnv(cfg, backend, &now)

	p := NewRotatingGradient(ProgramParams{RotationSpeed: 90})
	p.Init(env)

	// Sub-2s ticks rotate internal state but send nothing.
	for i := 0; i < 19; i++ {
		p.OnTick(env, 0.1)
	}
	if len(backend.snapshot()) != 0 {
		t.Fatal("gradient wrote bulbs inside the 2 s throttle window")
	}

	// Crossing the 2 s mark writes all four zones with 90-degree spacing
	// and hardware-smooth transitions.
	p.OnTick(env, 0.1)
	calls := backend.snapshot()
	if len(calls) != NumZones {
		t.Fatalf("gradient sync wrote %d zones, want %d", len(calls), NumZones)
	}
	for i := 1; i < len(calls); i++ {
		diff := (calls[i].Hue - calls[i-1].Hue + 360) % 360
		if diff != 90 {
			t.Errorf("inter-zone hue spacing = %d, want 90", diff)
		}
	}
	for _, c := range calls {
		if c.TransitionMS != hardwareSmoothMS {
			t.Errorf("gradient transition = %d, want %d", c.TransitionMS, hardwareSmoothMS)
		}
	}
	// 2 s at 90 deg/s rotated the wheel 180 degrees.
	if calls[0].Hue != 180 {
		t.Errorf("zone 0 hue after 2 s = %d, want 180", calls[0].Hue)
	}
}

func TestBreathingSyncUsesMeanBPM(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	var now int64 = 0
	env := testEnv(cfg, backend, &now)

	p := NewBreathingSync(ProgramParams{})
	p.Init(env)

	// Beats update the mean but never pulse.
	p.OnBeat(env, 0, now, 80, 1.0)
	p.OnBeat(env, 1, now, 100, 1.0)
	if len(backend.snapshot()) != 0 {
		t.Fatal("breathing sync pulsed on beat")
	}
	if got := p.meanBPM(); got != (80+100+60+60)/4.0 {
		t.Errorf("mean BPM = %f", got)
	}

	// The 2 s sync writes all zones the same brightness.
	for i := 0; i < 21; i++ {
		p.OnTick(env, 0.1)
	}
	calls := backend.snapshot()
	if len(calls) != NumZones {
		t.Fatalf("breathing sync wrote %d zones", len(calls))
	}
	for _, c := range calls[1:] {
		if c.Brightness != calls[0].Brightness {
			t.Error("zones breathing out of sync")
		}
	}
}

func TestConvergenceDetection(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	var now int64 = 0
	env := testEnv(cfg, backend, &now)

	p := NewConvergence(ProgramParams{})
	p.Init(env)

	// Zones 0 and 1 within 5% relative: converged. Zones 2 and 3 stay at
	// the 60 BPM default, which also pairs them; push them apart first.
	p.OnBeat(env, 2, now, 90, 1.0)
	p.OnBeat(env, 3, now, 130, 1.0)
	p.OnBeat(env, 0, now, 72, 1.0)
	p.OnBeat(env, 1, now, 74, 1.0)

	conv := p.ConvergedZones()
	if !conv[0] || !conv[1] {
		t.Errorf("zones 0/1 not converged: %v", conv)
	}
	if conv[2] || conv[3] {
		t.Errorf("zones 2/3 falsely converged: %v", conv)
	}
	if p.zoneHues[0] != float64(p.goldHue) || p.zoneHues[1] != float64(p.goldHue) {
		t.Error("converged zones did not snap to gold")
	}

	// 74 vs 72: |2|/72 = 2.8% < 5%. 90 vs 94.5 would be the edge; check
	// a pair just outside the threshold stays apart.
	p.OnBeat(env, 2, now, 90, 1.0)
	p.OnBeat(env, 3, now, 95, 1.0) // 5/90 = 5.6%
	if conv := p.ConvergedZones(); conv[2] || conv[3] {
		t.Error("5.6%% apart treated as converged")
	}
}

func TestConvergenceDriftBack(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	var now int64 = 0
	env := testEnv(cfg, backend, &now)

	p := NewConvergence(ProgramParams{})
	p.Init(env)

	// Converge zones 0/1, then break the pair and watch hue drift home
	// at 20 deg/s.
	p.OnBeat(env, 2, now, 90, 1.0)
	p.OnBeat(env, 3, now, 130, 1.0)
	p.OnBeat(env, 0, now, 72, 1.0)
	p.OnBeat(env, 1, now, 74, 1.0)
	p.OnBeat(env, 1, now, 110, 1.0) // breaks convergence

	start := p.zoneHues[0]
	p.OnTick(env, 1.0)
	moved := math.Abs(p.zoneHues[0] - start)
	if moved == 0 {
		t.Fatal("hue did not drift after convergence broke")
	}
	if moved > 20.001 {
		t.Errorf("drift rate %f deg/s exceeds 20", moved)
	}
}

func TestWaveChaseCascade(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	var now int64 = 0
	env := testEnv(cfg, backend, &now)

	p := NewWaveChase(ProgramParams{StaggerMS: 10})
	p.Init(env)
	p.OnBeat(env, 1, now, 75, 1.0)

	// Origin zone pulses immediately (2 calls); the other three arrive
	// staggered by 10 ms each.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(backend.snapshot()) >= 2*NumZones {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	calls := backend.snapshot()
	if len(calls) != 2*NumZones {
		t.Fatalf("cascade sent %d calls, want %d", len(calls), 2*NumZones)
	}
	// First pulse is the origin zone's bulb.
	if calls[0].Bulb != backend.BulbForZone(1) {
		t.Errorf("cascade origin = %s, want zone 1", calls[0].Bulb)
	}
	// All four zones were pulsed.
	pulsed := map[string]bool{}
	for _, c := range calls {
		pulsed[c.Bulb] = true
	}
	if len(pulsed) != NumZones {
		t.Errorf("cascade reached %d zones, want %d", len(pulsed), NumZones)
	}
}

func TestIntensityReactiveMapping(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	var now int64 = 0
	env := testEnv(cfg, backend, &now)

	p := NewIntensityReactive(ProgramParams{})
	p.Init(env)
	p.OnBeat(env, 0, now, 40, 1.0)

	calls := backend.snapshot()
	if len(calls) != 2 {
		t.Fatalf("pulse calls = %d", len(calls))
	}
	if calls[0].Hue != 240 {
		t.Errorf("hue at 40 BPM = %d, want 240", calls[0].Hue)
	}
	if calls[0].Saturation != 100 {
		t.Errorf("saturation at intensity 1 = %d, want 100", calls[0].Saturation)
	}

	// Intensity decays between beats.
	before := p.zoneIntensity[0]
	p.OnTick(env, 0.1)
	if p.zoneIntensity[0] >= before {
		t.Error("intensity did not decay on tick")
	}
}

func newTestEngine(t *testing.T, cfg *Config, backend Backend) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, backend, testLogger(), osc.NewStats())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func beatMsg(ch int, tsMS int64, bpm, intensity float64) *goosc.Message {
	msg := goosc.NewMessage(osc.BeatAddr(ch))
	msg.Append(tsMS)
	msg.Append(float32(bpm))
	msg.Append(float32(intensity))
	return msg
}

func TestEngineBeatGating(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	e := newTestEngine(t, cfg, backend)
	e.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	now := e.now().UnixMilli()

	backend.reset() // drop Init's baseline noise

	e.HandleBeat(beatMsg(0, now-500, 75, 1.0), 0)
	if len(backend.snapshot()) != 0 {
		t.Error("500 ms old beat produced a lighting pulse")
	}
	e.HandleBeat(beatMsg(0, now-499, 75, 1.0), 0)
	if len(backend.snapshot()) == 0 {
		t.Error("499 ms old beat did not pulse")
	}
}

func TestEngineVirtualChannelMapsToZone(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	e := newTestEngine(t, cfg, backend)
	e.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	now := e.now().UnixMilli()
	backend.reset()

	// Channel 6 drives zone 2.
	e.HandleBeat(beatMsg(6, now, 75, 1.0), 6)
	calls := backend.snapshot()
	if len(calls) == 0 || calls[0].Bulb != backend.BulbForZone(2) {
		t.Errorf("channel 6 beat pulsed %+v, want zone 2", calls)
	}
}

func TestEngineProgramSwitch(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	e := newTestEngine(t, cfg, backend)

	if e.ProgramName() != "fast_attack" {
		t.Fatalf("initial program = %s", e.ProgramName())
	}

	before := func() int {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.baselines
	}()

	if err := e.SwitchProgram("slow_pulse"); err != nil {
		t.Fatalf("SwitchProgram: %v", err)
	}
	if e.ProgramName() != "slow_pulse" {
		t.Errorf("program after switch = %s", e.ProgramName())
	}

	// Cleanup of the outgoing program plus init of the incoming one both
	// return bulbs to baseline.
	after := func() int {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.baselines
	}()
	if after < before+2 {
		t.Errorf("switch produced %d baseline calls, want >= 2", after-before)
	}

	if err := e.SwitchProgram("no_such_program"); err == nil {
		t.Error("unknown program accepted")
	}
	if e.ProgramName() != "slow_pulse" {
		t.Error("failed switch replaced the program")
	}
}

func TestEngineAuthFailure(t *testing.T) {
	cfg := DefaultConfig()
	backend := newFakeBackend(cfg)
	backend.authErr = errTest
	if _, err := NewEngine(cfg, backend, testLogger(), osc.NewStats()); err == nil {
		t.Error("authentication failure did not fail engine construction")
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "test error" }

func TestProgramRegistryComplete(t *testing.T) {
	want := []string{
		"breathing_sync", "convergence", "fast_attack", "intensity_reactive",
		"intensity_slow_pulse", "rotating_gradient", "slow_pulse", "wave_chase",
	}
	got := ProgramNames()
	if len(got) != len(want) {
		t.Fatalf("registry = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("registry = %v, want %v", got, want)
		}
	}
	for _, name := range want {
		if _, err := NewProgram(name, ProgramParams{}); err != nil {
			t.Errorf("NewProgram(%s): %v", name, err)
		}
	}
}

func TestConsoleBackendRateBudget(t *testing.T) {
	cfg := DefaultConfig()
	b := NewConsoleBackend(cfg, testLogger())
	if err := b.Authenticate(); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	bulb := cfg.Zones[0].Bulb
	// The burst allows the attack+fade pair; the third immediate write
	// is dropped by the per-bulb budget.
	for i := 0; i < 3; i++ {
		if err := b.SetColor(bulb, 100, 75, 50, 0); err != nil {
			t.Fatalf("SetColor: %v", err)
		}
	}
	stats := b.Stats()
	if stats.Commands != 2 {
		t.Errorf("commands = %d, want 2", stats.Commands)
	}
	if stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}

	// Another bulb has its own budget.
	other := cfg.Zones[1].Bulb
	if err := b.SetColor(other, 0, 0, 0, 0); err != nil {
		t.Fatalf("SetColor other: %v", err)
	}
	if got := b.Stats().Commands; got != 3 {
		t.Errorf("commands after second bulb = %d, want 3", got)
	}
}
