package audio

import (
	"fmt"
	"log/slog"
	"os"

	wav "github.com/youpy/go-wav"
	"gopkg.in/yaml.v3"
)

// Sample-set geometry: four banks of eight beat samples, one global
// acquire acknowledgement, and 32 ambient loops split by type.
const (
	NumBanks       = 4
	SamplesPerBank = 8
	NumLoops       = 32
	// LatchingMaxID is the last latching loop id; 16-31 are momentary.
	LatchingMaxID = 15
)

// LibraryConfig is the parsed samples.yaml. Paths are relative to the
// working directory unless absolute.
type LibraryConfig struct {
	// PPGSamples maps bank id (0-3) to up to eight file paths.
	PPGSamples map[int][]string `yaml:"ppg_samples"`
	// AcquireSample is the global acquire acknowledgement file.
	AcquireSample string `yaml:"acquire_sample"`
	// AmbientLoops lists the latching (ids 0-15) and momentary (16-31)
	// loop files in id order.
	AmbientLoops struct {
		Latching  []string `yaml:"latching"`
		Momentary []string `yaml:"momentary"`
	} `yaml:"ambient_loops"`
	// Effects configures the per-channel effect chains.
	Effects EffectsConfig `yaml:"audio_effects"`
}

// LoadLibraryConfig parses a samples.yaml file.
func LoadLibraryConfig(path string) (*LibraryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading samples config: %w", err)
	}
	var cfg LibraryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing samples config: %w", err)
	}
	return &cfg, nil
}

// Library holds every decoded sample as mono float32 at a single sample
// rate. The rate of the first file that loads successfully fixes the
// engine's rate; later files at other rates are rejected with a warning
// and the rest still load.
type Library struct {
	Banks      [NumBanks][SamplesPerBank][]float32
	Acquire    []float32
	Loops      [NumLoops][]float32
	SampleRate int

	logger *slog.Logger
	loaded int
}

// LoadLibrary decodes every configured file. It fails only when no file
// at all could be loaded, because without one the output rate is unknown.
func LoadLibrary(cfg *LibraryConfig, logger *slog.Logger) (*Library, error) {
	lib := &Library{logger: logger.With("subsystem", "sample-library")}

	if cfg.AcquireSample != "" {
		if data, ok := lib.loadFile(cfg.AcquireSample); ok {
			lib.Acquire = data
		}
	}

	for bank := 0; bank < NumBanks; bank++ {
		for i, path := range cfg.PPGSamples[bank] {
			if i >= SamplesPerBank {
				lib.logger.Warn("bank has more than eight samples, extra ignored", "bank", bank)
				break
			}
			if data, ok := lib.loadFile(path); ok {
				lib.Banks[bank][i] = data
			}
		}
	}

	loopID := 0
	for _, path := range cfg.AmbientLoops.Latching {
		if loopID > LatchingMaxID {
			break
		}
		if data, ok := lib.loadFile(path); ok {
			lib.Loops[loopID] = data
		}
		loopID++
	}
	loopID = LatchingMaxID + 1
	for _, path := range cfg.AmbientLoops.Momentary {
		if loopID >= NumLoops {
			break
		}
		if data, ok := lib.loadFile(path); ok {
			lib.Loops[loopID] = data
		}
		loopID++
	}

	if lib.SampleRate == 0 {
		return nil, fmt.Errorf("no valid audio files found: at least one sample or loop must load to fix the engine sample rate")
	}
	lib.logger.Info("sample library loaded",
		"files", lib.loaded,
		"sample_rate", lib.SampleRate,
	)
	return lib, nil
}

// HasSample reports whether a bank slot holds audio.
func (l *Library) HasSample(bank, sample int) bool {
	if bank < 0 || bank >= NumBanks || sample < 0 || sample >= SamplesPerBank {
		return false
	}
	return len(l.Banks[bank][sample]) > 0
}

// loadFile decodes one WAV file to mono float32. Multichannel files are
// flattened to the first channel. Missing, empty, and rate-mismatched
// files are skipped with a warning so one bad file never takes the set
// down.
func (l *Library) loadFile(path string) ([]float32, bool) {
	f, err := os.Open(path)
	if err != nil {
		l.logger.Warn("sample file missing, skipping", "path", path, "error", err)
		return nil, false
	}
	defer f.Close()

	r := wav.NewReader(f)
	format, err := r.Format()
	if err != nil {
		l.logger.Warn("unreadable wav header, skipping", "path", path, "error", err)
		return nil, false
	}

	var mono []float32
	for {
		samples, err := r.ReadSamples()
		if len(samples) == 0 {
			break
		}
		for _, s := range samples {
			mono = append(mono, float32(r.FloatValue(s, 0)))
		}
		if err != nil {
			break
		}
	}

	if len(mono) == 0 {
		l.logger.Warn("empty audio file, skipping", "path", path)
		return nil, false
	}

	rate := int(format.SampleRate)
	if l.SampleRate == 0 {
		l.SampleRate = rate
	} else if l.SampleRate != rate {
		l.logger.Warn("sample rate mismatch, skipping",
			"path", path,
			"rate", rate,
			"engine_rate", l.SampleRate,
		)
		return nil, false
	}

	l.loaded++
	return mono, true
}
