package lighting

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/osc"
)

// tickInterval is the cooperative runtime's animation clock.
const tickInterval = 100 * time.Millisecond

// staleThreshold drops beats whose carried timestamp is at least this
// old; a lighting pulse half a second late reads as wrong, not slow.
const staleThreshold = 500 * time.Millisecond

// Engine is the lighting runtime: exactly one active program plus its
// state, a dedicated tick goroutine, and the beat handler, serialized by
// the program lock so no callback ever observes state mid-mutation by
// another.
type Engine struct {
	cfg     *Config
	backend Backend
	logger  *slog.Logger
	stats   *osc.Stats

	// programMu serializes program callbacks and switches.
	programMu sync.Mutex
	program   Program

	done chan struct{}
	wg   sync.WaitGroup

	// now is the wall clock for gating and program state machines.
	now func() time.Time
}

// NewEngine authenticates the backend and initializes the configured
// program. Authentication failure is fatal to the lighting subsystem;
// the caller decides whether the rest of the installation continues.
func NewEngine(cfg *Config, backend Backend, logger *slog.Logger, stats *osc.Stats) (*Engine, error) {
	if err := backend.Authenticate(); err != nil {
		return nil, fmt.Errorf("lighting backend authentication: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("subsystem", "lighting-engine"),
		stats:   stats,
		done:    make(chan struct{}),
		now:     time.Now,
	}

	program, err := NewProgram(cfg.Program.Name, cfg.Program.Params)
	if err != nil {
		return nil, err
	}
	e.program = program
	e.withEnv(func(env *Env) { program.Init(env) })
	e.logger.Info("lighting engine ready",
		"program", program.Name(),
		"backend", cfg.Backend,
		"latency_estimate", backend.LatencyEstimate(),
	)
	return e, nil
}

// Start launches the tick goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.tickLoop()
}

// Stop halts the tick loop, cleans up the active program and reports
// backend statistics.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()

	e.programMu.Lock()
	if e.program != nil {
		prog := e.program
		e.withEnv(func(env *Env) { prog.Cleanup(env) })
	}
	e.programMu.Unlock()

	stats := e.backend.Stats()
	e.logger.Info("lighting engine stopped",
		"commands", stats.Commands,
		"dropped", stats.Dropped,
		"errors", stats.Errors,
	)
	e.backend.Close()
}

// Register subscribes the beat handler on the beat listener.
func (e *Engine) Register(beat *osc.Listener) {
	beat.Handle("/beat/{ch}", e.HandleBeat)
}

// ProgramName returns the active program's name.
func (e *Engine) ProgramName() string {
	e.programMu.Lock()
	defer e.programMu.Unlock()
	return e.program.Name()
}

// SwitchProgram cleans up the outgoing program and initializes the new
// one atomically under the program lock.
func (e *Engine) SwitchProgram(name string) error {
	next, err := NewProgram(name, e.cfg.Program.Params)
	if err != nil {
		return err
	}

	e.programMu.Lock()
	defer e.programMu.Unlock()
	old := e.program
	e.withEnv(func(env *Env) { old.Cleanup(env) })
	e.program = next
	e.withEnv(func(env *Env) { next.Init(env) })
	e.logger.Info("lighting program switched", "from", old.Name(), "to", next.Name())
	return nil
}

// HandleBeat routes one /beat message into the active program.
func (e *Engine) HandleBeat(msg *goosc.Message, ch int) {
	e.stats.Increment("total_messages")

	if ch < 0 || ch >= osc.NumChannels || len(msg.Arguments) < 3 {
		e.stats.Increment("invalid_messages")
		return
	}
	ts, tsOK := osc.IntArg(msg.Arguments[0])
	bpm, bpmOK := osc.FloatArg(msg.Arguments[1])
	intensity, intOK := osc.FloatArg(msg.Arguments[2])
	if !tsOK || !bpmOK || !intOK || ts < 0 {
		e.stats.Increment("invalid_messages")
		return
	}

	if age := e.now().Sub(time.UnixMilli(ts)); age >= staleThreshold {
		e.stats.Increment("dropped_messages")
		e.logger.Debug("stale beat dropped", "age_ms", age.Milliseconds())
		return
	}
	e.stats.Increment("valid_messages")

	zone := ch % NumZones

	e.programMu.Lock()
	prog := e.program
	e.withEnv(func(env *Env) { prog.OnBeat(env, zone, ts, bpm, intensity) })
	e.programMu.Unlock()
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	last := e.now()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			now := e.now()
			dt := now.Sub(last).Seconds()
			last = now

			e.programMu.Lock()
			prog := e.program
			e.withEnv(func(env *Env) { prog.OnTick(env, dt) })
			e.programMu.Unlock()
		}
	}
}

// withEnv runs fn with a freshly-built per-call environment. Programs
// receive the backend by injection each time and never store it.
func (e *Engine) withEnv(fn func(*Env)) {
	fn(&Env{
		Backend: e.backend,
		Config:  e.cfg,
		Logger:  e.logger,
		NowMS:   func() int64 { return e.now().UnixMilli() },
	})
}
