// Command amor runs the installation engine: the sensor processor, the
// audio and lighting planes, the sampler, the sequencer, and the admin
// HTTP surface, all in one process tied together by the OSC bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corazonn/amor/internal/api"
	"github.com/corazonn/amor/internal/audio"
	"github.com/corazonn/amor/internal/config"
	"github.com/corazonn/amor/internal/lighting"
	"github.com/corazonn/amor/internal/metrics"
	"github.com/corazonn/amor/internal/osc"
	"github.com/corazonn/amor/internal/processor"
	"github.com/corazonn/amor/internal/sampler"
	"github.com/corazonn/amor/internal/sequencer"
	"github.com/corazonn/amor/internal/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	logger.Info("starting amor",
		"ppg_port", cfg.PPGPort,
		"beat_port", cfg.BeatPort,
		"control_port", cfg.ControlPort,
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
	)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	// Bus endpoints. Every listener shares its port via SO_REUSEPORT so
	// external tooling (viewers, capture) can bind alongside the engine.
	beatPub, err := osc.NewBroadcaster(cfg.BroadcastAddr, cfg.BeatPort, logger)
	if err != nil {
		return fmt.Errorf("opening beat publisher: %w", err)
	}
	defer beatPub.Close()
	ppgPub, err := osc.NewBroadcaster(cfg.BroadcastAddr, cfg.PPGPort, logger)
	if err != nil {
		return fmt.Errorf("opening ppg publisher: %w", err)
	}
	defer ppgPub.Close()
	controlPub, err := osc.NewBroadcaster(cfg.BroadcastAddr, cfg.ControlPort, logger)
	if err != nil {
		return fmt.Errorf("opening control publisher: %w", err)
	}
	defer controlPub.Close()

	processorStats := osc.NewStats()
	audioStats := osc.NewStats()
	lightingStats := osc.NewStats()
	samplerStats := osc.NewStats()
	sequencerStats := osc.NewStats()
	busStats := osc.NewStats()

	ppgListener, err := osc.NewListener(cfg.PPGPort, logger, busStats)
	if err != nil {
		return fmt.Errorf("binding ppg port: %w", err)
	}
	defer ppgListener.Close()
	beatListener, err := osc.NewListener(cfg.BeatPort, logger, busStats)
	if err != nil {
		return fmt.Errorf("binding beat port: %w", err)
	}
	defer beatListener.Close()
	controlListener, err := osc.NewListener(cfg.ControlPort, logger, busStats)
	if err != nil {
		return fmt.Errorf("binding control port: %w", err)
	}
	defer controlListener.Close()

	// Sensor processing plane.
	proc := processor.New(processor.NewBusPublisher(beatPub), logger, processorStats)
	proc.Register(ppgListener)
	proc.Start()
	defer proc.Stop()

	// Audio plane. A missing device or empty sample set is fatal unless
	// audio was explicitly disabled.
	var (
		audioEngine *audio.Engine
		mixer       *audio.Mixer
		effects     *audio.Processor
	)
	if !cfg.DisableAudio {
		libCfg, err := audio.LoadLibraryConfig(cfg.SamplesConfig)
		if err != nil {
			return fmt.Errorf("loading samples config: %w", err)
		}
		lib, err := audio.LoadLibrary(libCfg, logger)
		if err != nil {
			return fmt.Errorf("loading sample library: %w", err)
		}
		mixer = audio.NewMixer(lib.SampleRate, logger)
		output, err := audio.NewOutput(mixer, logger)
		if err != nil {
			return fmt.Errorf("starting audio output: %w", err)
		}
		defer output.Close()

		if libCfg.Effects.Enable {
			effects = audio.NewProcessor(libCfg.Effects, lib.SampleRate, logger)
		}
		audioEngine = audio.NewEngine(mixer, lib, effects, audio.Options{
			EnablePanning:          cfg.EnablePanning,
			EnableIntensityScaling: cfg.EnableIntensity,
		}, logger, audioStats)
		audioEngine.Register(beatListener, controlListener)
		defer audioEngine.Shutdown()
	} else {
		logger.Info("audio disabled by configuration")
	}

	// Lighting plane. Per the recovery policy a lighting failure is
	// fatal only to lighting: the rest of the installation carries on.
	var lightingEngine *lighting.Engine
	{
		lightCfg := lighting.DefaultConfig()
		if cfg.LightingConfig != "" {
			lightCfg, err = lighting.LoadConfig(cfg.LightingConfig)
			if err != nil {
				return fmt.Errorf("loading lighting config: %w", err)
			}
		}
		backend, err := lighting.NewBackend(lightCfg, logger)
		if err != nil {
			logger.Error("lighting backend unavailable, continuing without lighting", "error", err)
		} else if engine, err := lighting.NewEngine(lightCfg, backend, logger, lightingStats); err != nil {
			logger.Error("lighting engine failed, continuing without lighting", "error", err)
		} else {
			lightingEngine = engine
			lightingEngine.Register(beatListener)
			lightingEngine.Start()
			defer lightingEngine.Stop()
		}
	}

	// Sampler: record on demand, replay on virtual channels.
	smp := sampler.New(sampler.NewBusPublisher(ppgPub, controlPub), logger, samplerStats)
	smp.OnCapture = func(meta sampler.CaptureMeta) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.InsertCapture(ctx, store.Capture{
			Channel:  meta.Channel,
			Records:  meta.Records,
			Bytes:    meta.Bytes,
			Duration: meta.Duration.Milliseconds(),
		}); err != nil {
			logger.Warn("indexing capture", "error", err)
		}
	}
	smp.Register(controlListener, ppgListener)
	smp.Start()
	defer smp.Stop()

	// Sequencer: grid state and LED reflection.
	seq := sequencer.New(sequencer.NewBusPublisher(controlPub), logger, sequencerStats)
	seq.Register(controlListener)
	seq.PublishInitialState()

	// Admin surface: status, control, captures, metrics.
	allStats := map[string]*osc.Stats{
		"processor": processorStats,
		"audio":     audioStats,
		"lighting":  lightingStats,
		"sampler":   samplerStats,
		"sequencer": sequencerStats,
		"bus":       busStats,
	}
	registry := prometheus.NewRegistry()
	var voiceSource metrics.VoiceSource
	var loopSource metrics.LoopSource
	if mixer != nil {
		voiceSource = mixer
	}
	if audioEngine != nil {
		loopSource = audioEngine.Loops()
	}
	registry.MustRegister(metrics.NewCollector(proc, voiceSource, loopSource, allStats, startTime))

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return fmt.Errorf("preparing admin auth: %w", err)
	}
	deps := api.Deps{
		Channels: proc,
		Store:    db,
		Registry: registry,
	}
	if audioEngine != nil {
		deps.Routes = audioEngine
		deps.Loops = audioEngine.Loops()
	}
	if effects != nil {
		deps.Effects = effects
	}
	if lightingEngine != nil {
		deps.Lighting = lightingEngine
	}
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewServer(deps, cfg.AdminToken, jwtSecret, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	// Receive loops last: everything is registered before traffic flows.
	ppgListener.Start()
	beatListener.Start()
	controlListener.Start()

	logger.Info("amor running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Persist end-of-run statistics before the deferred teardown runs.
	for subsystem, stats := range allStats {
		stats.Log(logger, subsystem)
		if err := db.InsertRunStats(shutdownCtx, subsystem, stats.Snapshot()); err != nil {
			logger.Warn("persisting run stats", "subsystem", subsystem, "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}
