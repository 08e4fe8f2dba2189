package config

import (
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PPGPort != 8000 || cfg.BeatPort != 8001 || cfg.ControlPort != 8003 || cfg.HTTPPort != 8080 {
		t.Errorf("default ports = %d/%d/%d/%d", cfg.PPGPort, cfg.BeatPort, cfg.ControlPort, cfg.HTTPPort)
	}
	if cfg.BroadcastAddr != "255.255.255.255" {
		t.Errorf("broadcast addr = %s", cfg.BroadcastAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log defaults = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.EnablePanning || cfg.EnableIntensity {
		t.Error("panning/intensity scaling enabled by default")
	}
}

func TestFlagsOverride(t *testing.T) {
	cfg, err := Load([]string{
		"-ppg-port", "9000",
		"-log-level", "DEBUG",
		"-enable-panning",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PPGPort != 9000 {
		t.Errorf("ppg-port = %d", cfg.PPGPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log-level not normalized: %s", cfg.LogLevel)
	}
	if !cfg.EnablePanning {
		t.Error("enable-panning flag ignored")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AMOR_BEAT_PORT", "9100")
	t.Setenv("AMOR_LOG_FORMAT", "json")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BeatPort != 9100 {
		t.Errorf("env beat-port = %d", cfg.BeatPort)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("env log-format = %s", cfg.LogFormat)
	}
}

func TestFlagBeatsEnv(t *testing.T) {
	t.Setenv("AMOR_PPG_PORT", "9999")
	cfg, err := Load([]string{"-ppg-port", "9001"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PPGPort != 9001 {
		t.Errorf("flag did not beat env: %d", cfg.PPGPort)
	}
}

func TestValidation(t *testing.T) {
	if _, err := Load([]string{"-ppg-port", "0"}); err == nil {
		t.Error("port 0 accepted")
	}
	if _, err := Load([]string{"-ppg-port", "8001"}); err == nil {
		t.Error("duplicate ports accepted")
	}
	if _, err := Load([]string{"-log-level", "loud"}); err == nil {
		t.Error("invalid log level accepted")
	}
	if _, err := Load([]string{"-log-format", "xml"}); err == nil {
		t.Error("invalid log format accepted")
	}
}

func TestJWTSecret(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Unset: ephemeral key generated and stored back.
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes: %v", err)
	}
	if len(key) != 32 || cfg.JWTSecret == "" {
		t.Errorf("ephemeral key length = %d", len(key))
	}

	// Explicit valid key round-trips.
	cfg2, _ := Load([]string{"-jwt-secret", cfg.JWTSecret})
	key2, err := cfg2.JWTSecretBytes()
	if err != nil {
		t.Fatalf("explicit secret: %v", err)
	}
	if string(key2) != string(key) {
		t.Error("explicit secret did not round-trip")
	}

	// Wrong length rejected.
	cfg3, _ := Load([]string{"-jwt-secret", "abcd"})
	if _, err := cfg3.JWTSecretBytes(); err == nil {
		t.Error("short secret accepted")
	}
}
