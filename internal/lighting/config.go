package lighting

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NumZones is the number of spatial lighting regions, one per physical
// sensor.
const NumZones = 4

// ZoneConfig maps one zone to a bulb and its resting hue.
type ZoneConfig struct {
	Zone int    `yaml:"zone"`
	Name string `yaml:"name"`
	Hue  int    `yaml:"hue"`
	Bulb string `yaml:"bulb"`
}

// EffectSettings are the shared brightness/saturation levels programs
// pulse between.
type EffectSettings struct {
	BaselineBrightness int `yaml:"baseline_brightness"`
	PulseMax           int `yaml:"pulse_max"`
	BaselineSaturation int `yaml:"baseline_saturation"`
	BaselineHue        int `yaml:"baseline_hue"`
}

// ProgramParams are per-program tunables from the config file. Unused
// fields keep their zero value and programs substitute defaults.
type ProgramParams struct {
	RotationSpeed        float64 `yaml:"rotation_speed"`
	StaggerMS            int     `yaml:"stagger_ms"`
	BaseHue              int     `yaml:"base_hue"`
	MinBrightness        int     `yaml:"min_brightness"`
	MaxBrightness        int     `yaml:"max_brightness"`
	MinSaturation        int     `yaml:"min_saturation"`
	MaxSaturation        int     `yaml:"max_saturation"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
	ConvergenceHue       int     `yaml:"convergence_hue"`
	ConvergenceSat       int     `yaml:"convergence_saturation"`
}

// Config is the parsed lighting.yaml.
type Config struct {
	Zones   []ZoneConfig   `yaml:"zones"`
	Effects EffectSettings `yaml:"effects"`
	Program struct {
		Name   string        `yaml:"name"`
		Params ProgramParams `yaml:"config"`
	} `yaml:"program"`
	Backend string `yaml:"backend"`
}

// LoadConfig parses a lighting.yaml file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lighting config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing lighting config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultConfig returns a config with four zones mapped to placeholder
// bulb ids "zone-0" to "zone-3", used when no lighting.yaml is supplied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Effects.BaselineBrightness == 0 {
		c.Effects.BaselineBrightness = 40
	}
	if c.Effects.PulseMax == 0 {
		c.Effects.PulseMax = 70
	}
	if c.Effects.BaselineSaturation == 0 {
		c.Effects.BaselineSaturation = 75
	}
	if c.Effects.BaselineHue == 0 {
		c.Effects.BaselineHue = 120
	}
	if c.Program.Name == "" {
		c.Program.Name = "fast_attack"
	}
	if c.Backend == "" {
		c.Backend = "console"
	}
	if len(c.Zones) == 0 {
		for z := 0; z < NumZones; z++ {
			c.Zones = append(c.Zones, ZoneConfig{
				Zone: z,
				Name: fmt.Sprintf("zone-%d", z),
				Hue:  (c.Effects.BaselineHue + z*60) % 360,
				Bulb: fmt.Sprintf("zone-%d", z),
			})
		}
	}
}

// ZoneHue returns the configured resting hue for a zone.
func (c *Config) ZoneHue(zone int) int {
	for _, z := range c.Zones {
		if z.Zone == zone {
			return z.Hue
		}
	}
	return c.Effects.BaselineHue
}

// ZoneName returns the display name for a zone.
func (c *Config) ZoneName(zone int) string {
	for _, z := range c.Zones {
		if z.Zone == zone {
			return z.Name
		}
	}
	return fmt.Sprintf("zone-%d", zone)
}
