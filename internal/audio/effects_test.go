package audio

import (
	"math"
	"testing"
)

func impulse(n int) []float32 {
	buf := make([]float32, n)
	buf[0] = 1
	return buf
}

func TestProcessorCanonicalOrder(t *testing.T) {
	p := NewProcessor(EffectsConfig{}, 48000, testLogger())

	// Toggle in scrambled order; the chain must rebuild canonically.
	for _, name := range []string{"lowpass", "reverb", "chorus", "phaser", "delay"} {
		if err := p.Toggle(0, name); err != nil {
			t.Fatalf("Toggle(%s): %v", name, err)
		}
	}
	got := p.ActiveEffects(0)
	want := []string{"reverb", "phaser", "delay", "chorus", "lowpass"}
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chain = %v, want %v", got, want)
		}
	}

	// Toggling one off removes only it.
	p.Toggle(0, "delay")
	got = p.ActiveEffects(0)
	if len(got) != 4 {
		t.Fatalf("chain after removing delay = %v", got)
	}
	for _, name := range got {
		if name == "delay" {
			t.Error("delay still in chain after toggle off")
		}
	}
}

func TestProcessorRejectsInvalid(t *testing.T) {
	p := NewProcessor(EffectsConfig{}, 48000, testLogger())
	if err := p.Toggle(0, "flanger"); err == nil {
		t.Error("unknown effect accepted")
	}
	if err := p.Toggle(7, "reverb"); err == nil {
		t.Error("out-of-range channel accepted")
	}
}

func TestProcessorDryWhenEmpty(t *testing.T) {
	p := NewProcessor(EffectsConfig{}, 48000, testLogger())
	in := impulse(64)
	out := p.Process(in, 0, 75, 1.0)
	for i := range in {
		if out[i] != in[i] {
			t.Fatal("empty chain modified the signal")
		}
	}
}

func TestDelayBPMSync(t *testing.T) {
	d := newDelay(EffectConfig{Type: "delay", BPMSync: true, Subdivisions: 1, Feedback: 0.4, Mix: 1.0}, 1000)

	// At 60 BPM the echo of an impulse lands one second (1000 samples) in.
	in := impulse(2100)
	out := d.Process(in, 60, 1.0)
	if out[1000] == 0 {
		t.Error("no echo at the BPM-synced delay time")
	}
	for i := 1; i < 1000; i++ {
		if out[i] != 0 {
			t.Fatalf("energy before the delay time at sample %d", i)
		}
	}
	// Feedback: second echo at two seconds, quieter.
	if out[2000] == 0 {
		t.Error("no feedback echo")
	}
	if math.Abs(float64(out[2000])) >= math.Abs(float64(out[1000])) {
		t.Error("feedback echo not attenuated")
	}
}

func TestDelayClampsExtremes(t *testing.T) {
	d := newDelay(EffectConfig{Type: "delay", BPMSync: true, Subdivisions: 0.001}, 48000)
	if secs := d.delaySeconds(180); secs < 0.01 {
		t.Errorf("delay below 10 ms: %f", secs)
	}
	d2 := newDelay(EffectConfig{Type: "delay", BPMSync: true, Subdivisions: 100}, 48000)
	if secs := d2.delaySeconds(40); secs > 5 {
		t.Errorf("delay above 5 s: %f", secs)
	}
}

func TestLowPassAttenuatesHighFrequencies(t *testing.T) {
	lp := newLowPass(EffectConfig{Type: "lowpass", CutoffRange: [2]float64{8000, 3000}, BPMMin: 60, BPMMax: 120}, 48000)

	// A Nyquist-rate alternation is far above any mapped cutoff.
	in := make([]float32, 512)
	for i := range in {
		if i%2 == 0 {
			in[i] = 1
		} else {
			in[i] = -1
		}
	}
	out := lp.Process(in, 120, 1.0)

	var inPower, outPower float64
	for i := 256; i < 512; i++ {
		inPower += float64(in[i]) * float64(in[i])
		outPower += float64(out[i]) * float64(out[i])
	}
	if outPower >= inPower/4 {
		t.Errorf("lowpass barely attenuated: in %f, out %f", inPower, outPower)
	}
}

func TestLowPassInverseBPMMapping(t *testing.T) {
	lp := newLowPass(EffectConfig{Type: "lowpass", CutoffRange: [2]float64{8000, 3000}, BPMMin: 60, BPMMax: 120}, 48000)

	// Higher BPM maps to a lower cutoff, so a mid-band tone comes out
	// quieter at 120 BPM than at 60 BPM.
	in := make([]float32, 1024)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 5000 * float64(i) / 48000))
	}
	calm := lp.Process(in, 60, 1.0)
	excited := lp.Process(in, 120, 1.0)

	var calmPower, excitedPower float64
	for i := 512; i < 1024; i++ {
		calmPower += float64(calm[i]) * float64(calm[i])
		excitedPower += float64(excited[i]) * float64(excited[i])
	}
	if excitedPower >= calmPower {
		t.Errorf("inverse mapping broken: excited %f >= calm %f", excitedPower, calmPower)
	}
}

func TestReverbAddsTail(t *testing.T) {
	r := newReverb(defaultEffectConfig("reverb"), 48000)
	in := impulse(4800)
	out := r.Process(in, 75, 1.0)
	if len(out) != len(in) {
		t.Fatalf("reverb changed length: %d -> %d", len(in), len(out))
	}
	var tail float64
	for i := 2400; i < 4800; i++ {
		tail += math.Abs(float64(out[i]))
	}
	if tail == 0 {
		t.Error("reverb produced no tail")
	}
}

func TestPhaserPreservesLength(t *testing.T) {
	p := newPhaser(defaultEffectConfig("phaser"), 48000)
	in := impulse(1024)
	out := p.Process(in, 75, 0.8)
	if len(out) != len(in) {
		t.Fatalf("phaser changed length")
	}
	nonZero := false
	for _, s := range out {
		if s != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Error("phaser silenced the signal")
	}
}

func TestChorusPreservesLength(t *testing.T) {
	c := newChorus(defaultEffectConfig("chorus"), 48000)
	in := make([]float32, 2048)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 48000))
	}
	out := c.Process(in, 75, 1.0)
	if len(out) != len(in) {
		t.Fatalf("chorus changed length")
	}
}

func TestProcessDoesNotMutateInput(t *testing.T) {
	p := NewProcessor(EffectsConfig{}, 48000, testLogger())
	p.Toggle(0, "reverb")
	p.Toggle(0, "delay")

	in := impulse(256)
	ref := append([]float32(nil), in...)
	p.Process(in, 0, 75, 1.0)
	for i := range in {
		if in[i] != ref[i] {
			t.Fatal("Process mutated its input buffer")
		}
	}
}
