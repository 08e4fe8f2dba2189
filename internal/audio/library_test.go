package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// writeTestWAV creates a 16-bit PCM WAV file and returns its path. Sample
// values are int16 per channel, interleaved by the caller's channel count.
func writeTestWAV(t *testing.T, dir, name string, sampleRate uint32, channels uint16, frames []int16) string {
	t.Helper()

	var fmtBuf bytes.Buffer
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&fmtBuf, binary.LittleEndian, channels)
	binary.Write(&fmtBuf, binary.LittleEndian, sampleRate)
	byteRate := sampleRate * uint32(channels) * 2
	binary.Write(&fmtBuf, binary.LittleEndian, byteRate)
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(16))

	var dataBuf bytes.Buffer
	for _, s := range frames {
		binary.Write(&dataBuf, binary.LittleEndian, s)
	}

	var buf bytes.Buffer
	riffSize := uint32(4 + 8 + fmtBuf.Len() + 8 + dataBuf.Len())
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(fmtBuf.Len()))
	buf.Write(fmtBuf.Bytes())
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataBuf.Len()))
	buf.Write(dataBuf.Bytes())

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing test wav: %v", err)
	}
	return path
}

func TestLoadLibrary(t *testing.T) {
	dir := t.TempDir()
	mono := writeTestWAV(t, dir, "mono.wav", 48000, 1, []int16{16384, -16384, 8192})
	stereo := writeTestWAV(t, dir, "stereo.wav", 48000, 2, []int16{1000, 2000, 3000, 4000})
	acquire := writeTestWAV(t, dir, "acquire.wav", 48000, 1, []int16{32000})

	cfg := &LibraryConfig{
		PPGSamples: map[int][]string{
			0: {mono, stereo},
		},
		AcquireSample: acquire,
	}
	cfg.AmbientLoops.Latching = []string{mono}
	cfg.AmbientLoops.Momentary = []string{mono}

	lib, err := LoadLibrary(cfg, testLogger())
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if lib.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", lib.SampleRate)
	}
	if len(lib.Banks[0][0]) != 3 {
		t.Errorf("mono sample length = %d, want 3", len(lib.Banks[0][0]))
	}
	// Multichannel files flatten to the first channel: 2 frames.
	if len(lib.Banks[0][1]) != 2 {
		t.Errorf("stereo flattened length = %d, want 2", len(lib.Banks[0][1]))
	}
	if len(lib.Acquire) != 1 {
		t.Errorf("acquire length = %d, want 1", len(lib.Acquire))
	}
	if len(lib.Loops[0]) == 0 || len(lib.Loops[16]) == 0 {
		t.Error("loops did not load into their id ranges")
	}
	if !lib.HasSample(0, 0) || lib.HasSample(0, 2) || lib.HasSample(5, 0) {
		t.Error("HasSample misreports")
	}
	// Amplitude scaling: 16384/32768 = 0.5.
	if v := lib.Banks[0][0][0]; v < 0.49 || v > 0.51 {
		t.Errorf("decoded amplitude = %f, want ~0.5", v)
	}
}

func TestLoadLibraryRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeTestWAV(t, dir, "good.wav", 48000, 1, []int16{1000})
	mismatched := writeTestWAV(t, dir, "rate.wav", 44100, 1, []int16{1000})
	empty := writeTestWAV(t, dir, "empty.wav", 48000, 1, nil)

	cfg := &LibraryConfig{
		PPGSamples: map[int][]string{
			0: {good, mismatched, empty, filepath.Join(dir, "missing.wav")},
		},
	}
	lib, err := LoadLibrary(cfg, testLogger())
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if !lib.HasSample(0, 0) {
		t.Error("good file did not load")
	}
	// Mismatched, empty, and missing files are skipped, not fatal.
	for i := 1; i < 4; i++ {
		if lib.HasSample(0, i) {
			t.Errorf("bad file %d loaded", i)
		}
	}
}

func TestLoadLibraryFailsWithNoFiles(t *testing.T) {
	cfg := &LibraryConfig{}
	if _, err := LoadLibrary(cfg, testLogger()); err == nil {
		t.Error("library with zero files did not fail")
	}
}

func TestLoadLibraryConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "samples.yaml")
	content := `
ppg_samples:
  0:
    - sounds/kick.wav
  1:
    - sounds/snare.wav
acquire_sample: sounds/chime.wav
ambient_loops:
  latching:
    - sounds/pad.wav
  momentary:
    - sounds/riser.wav
audio_effects:
  enable: true
  ppg_effects:
    0:
      - type: reverb
        room_range: [0.3, 0.8]
        bpm_min: 40
        bpm_max: 120
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadLibraryConfig(path)
	if err != nil {
		t.Fatalf("LoadLibraryConfig: %v", err)
	}
	if cfg.PPGSamples[0][0] != "sounds/kick.wav" {
		t.Errorf("ppg_samples[0] = %v", cfg.PPGSamples[0])
	}
	if cfg.AcquireSample != "sounds/chime.wav" {
		t.Errorf("acquire_sample = %s", cfg.AcquireSample)
	}
	if len(cfg.AmbientLoops.Latching) != 1 || len(cfg.AmbientLoops.Momentary) != 1 {
		t.Error("ambient loops not parsed")
	}
	if !cfg.Effects.Enable || len(cfg.Effects.Chains[0]) != 1 {
		t.Error("effects config not parsed")
	}
	if cfg.Effects.Chains[0][0].RoomRange != [2]float64{0.3, 0.8} {
		t.Errorf("room_range = %v", cfg.Effects.Chains[0][0].RoomRange)
	}
}
