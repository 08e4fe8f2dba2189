// Package config parses the engine's runtime configuration from CLI
// flags and environment variables. Precedence: flags > env > defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the amor engine.
type Config struct {
	DataDir       string
	PPGPort       int
	BeatPort      int
	ControlPort   int
	HTTPPort      int
	BroadcastAddr string

	SamplesConfig  string
	LightingConfig string

	EnablePanning   bool
	EnableIntensity bool
	DisableAudio    bool

	LogLevel  string
	LogFormat string

	AdminToken string // static credential exchanged for a JWT at /api/login
	JWTSecret  string // hex-encoded 32-byte HS256 signing secret
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultPPGPort     = 8000
	defaultBeatPort    = 8001
	defaultControlPort = 8003
	defaultHTTPPort    = 8080
	defaultBroadcast   = "255.255.255.255"
	defaultSamples     = "config/samples.yaml"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// envPrefix is the prefix for all amor environment variables.
const envPrefix = "AMOR_"

// Load parses configuration from CLI flags and environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("amor", flag.ContinueOnError)
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the store and capture files")
	fs.IntVar(&cfg.PPGPort, "ppg-port", defaultPPGPort, "UDP port for raw PPG input")
	fs.IntVar(&cfg.BeatPort, "beat-port", defaultBeatPort, "UDP port for beat/acquire/release broadcast")
	fs.IntVar(&cfg.ControlPort, "control-port", defaultControlPort, "UDP port for sequencer/sampler control")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP admin/metrics listen port")
	fs.StringVar(&cfg.BroadcastAddr, "broadcast-addr", defaultBroadcast, "destination address for bus broadcasts")
	fs.StringVar(&cfg.SamplesConfig, "samples-config", defaultSamples, "path to the sample-bank YAML")
	fs.StringVar(&cfg.LightingConfig, "lighting-config", "", "path to the lighting YAML (empty uses built-in defaults)")
	fs.BoolVar(&cfg.EnablePanning, "enable-panning", false, "enable per-channel stereo panning")
	fs.BoolVar(&cfg.EnableIntensity, "enable-intensity-scaling", false, "scale beat volume by model confidence")
	fs.BoolVar(&cfg.DisableAudio, "disable-audio", false, "run without an audio device (lighting/sequencer only)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.AdminToken, "admin-token", "", "static admin credential for the HTTP API")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin JWT signing (auto-generated if empty)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line, preserving the precedence
// flags > env > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	str := func(flagName, envName string, dst *string) {
		if set[flagName] {
			return
		}
		if val, ok := os.LookupEnv(envPrefix + envName); ok && val != "" {
			*dst = val
		}
	}
	num := func(flagName, envName string, dst *int) {
		if set[flagName] {
			return
		}
		if val, ok := os.LookupEnv(envPrefix + envName); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}
	boolean := func(flagName, envName string, dst *bool) {
		if set[flagName] {
			return
		}
		if val, ok := os.LookupEnv(envPrefix + envName); ok && val != "" {
			if v, err := strconv.ParseBool(val); err == nil {
				*dst = v
			}
		}
	}

	str("data-dir", "DATA_DIR", &cfg.DataDir)
	num("ppg-port", "PPG_PORT", &cfg.PPGPort)
	num("beat-port", "BEAT_PORT", &cfg.BeatPort)
	num("control-port", "CONTROL_PORT", &cfg.ControlPort)
	num("http-port", "HTTP_PORT", &cfg.HTTPPort)
	str("broadcast-addr", "BROADCAST_ADDR", &cfg.BroadcastAddr)
	str("samples-config", "SAMPLES_CONFIG", &cfg.SamplesConfig)
	str("lighting-config", "LIGHTING_CONFIG", &cfg.LightingConfig)
	boolean("enable-panning", "ENABLE_PANNING", &cfg.EnablePanning)
	boolean("enable-intensity-scaling", "ENABLE_INTENSITY_SCALING", &cfg.EnableIntensity)
	boolean("disable-audio", "DISABLE_AUDIO", &cfg.DisableAudio)
	str("log-level", "LOG_LEVEL", &cfg.LogLevel)
	str("log-format", "LOG_FORMAT", &cfg.LogFormat)
	str("admin-token", "ADMIN_TOKEN", &cfg.AdminToken)
	str("jwt-secret", "JWT_SECRET", &cfg.JWTSecret)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	ports := map[string]int{
		"ppg-port":     c.PPGPort,
		"beat-port":    c.BeatPort,
		"control-port": c.ControlPort,
		"http-port":    c.HTTPPort,
	}
	seen := map[int]string{}
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
		if other, dup := seen[port]; dup {
			return fmt.Errorf("%s and %s cannot share port %d", name, other, port)
		}
		seen[port] = name
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	c.LogFormat = strings.ToLower(c.LogFormat)
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	return nil
}

// SlogHandler returns a handler configured with the selected format and
// level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level for the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JWTSecretBytes returns the decoded signing secret. When none is
// configured a random ephemeral key is generated with a warning: issued
// tokens will not survive a restart.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
