// Package sequencer holds the grid-controller state: per-sensor sample
// selection, loop toggles, and the LED feedback that mirrors both onto
// the hardware. Button events arrive as OSC from the grid bridge; the
// sequencer translates them into routing and loop-control messages for
// the audio engine and LED updates for the bridge.
package sequencer

import (
	"log/slog"
	"sync"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/osc"
)

// Grid geometry: rows 0-3 select samples per sensor, rows 4-5 carry the
// latching loops (ids 0-15), rows 6-7 the momentary loops (ids 16-31).
const (
	GridSize     = 8
	loopRowBase  = 4
	latchingRows = 2
)

// Launchpad palette indices and LED modes used for feedback.
const (
	ledOff        = 0
	ledDimWhite   = 1
	ledGreen      = 21
	ledOrange     = 9
	ledRed        = 5
	ledModeStatic = 0
	ledModePulse  = 1
)

// Publisher is the sequencer's output surface on the control port.
type Publisher interface {
	PublishRoute(channel, sample int)
	PublishLoopStart(loopID int)
	PublishLoopStop(loopID int)
	PublishLED(row, col, color, mode int)
}

// Sequencer owns the grid state. One lock covers both tables; LED and
// routing messages are published after it is released.
type Sequencer struct {
	publisher Publisher
	logger    *slog.Logger
	stats     *osc.Stats

	mu         sync.Mutex
	sampleMap  [osc.NumPhysicalChannels]int
	loopStatus [32]bool
}

// New creates a sequencer with every sensor on sample 0 and all loops
// off.
func New(publisher Publisher, logger *slog.Logger, stats *osc.Stats) *Sequencer {
	return &Sequencer{
		publisher: publisher,
		logger:    logger.With("subsystem", "sequencer"),
		stats:     stats,
	}
}

// Register subscribes the sequencer's handlers on the control listener.
func (s *Sequencer) Register(control *osc.Listener) {
	control.Handle("/select/{ch}", s.HandleSelect)
	control.Handle("/loop/toggle", s.HandleLoopToggle)
	control.Handle("/loop/momentary", s.HandleLoopMomentary)
	control.Handle("/sampler/status/recording", s.HandleSamplerRecordingStatus)
	control.Handle("/sampler/status/assignment", s.HandleSamplerAssignmentStatus)
	control.Handle("/sampler/status/playback", s.HandleSamplerPlaybackStatus)
}

// PublishInitialState pushes the boot routing (everything on sample 0)
// and the matching LED layout.
func (s *Sequencer) PublishInitialState() {
	for ch := 0; ch < osc.NumPhysicalChannels; ch++ {
		s.publisher.PublishRoute(ch, 0)
		for col := 0; col < GridSize; col++ {
			if col == 0 {
				s.publisher.PublishLED(ch, col, ledGreen, ledModePulse)
			} else {
				s.publisher.PublishLED(ch, col, ledDimWhite, ledModeStatic)
			}
		}
	}
	for row := loopRowBase; row < GridSize; row++ {
		for col := 0; col < GridSize; col++ {
			s.publisher.PublishLED(row, col, ledOff, ledModeStatic)
		}
	}
}

// SampleMap returns a snapshot of the selection state.
func (s *Sequencer) SampleMap() [osc.NumPhysicalChannels]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleMap
}

// LoopStatus returns a snapshot of the loop toggle state.
func (s *Sequencer) LoopStatus() [32]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopStatus
}

// HandleSelect processes a sample-selection press: /select/{ch} col.
// Selecting the already-selected column is a no-op; otherwise the
// routing update and both LED changes go out.
func (s *Sequencer) HandleSelect(msg *goosc.Message, ch int) {
	if ch < 0 || ch >= osc.NumPhysicalChannels {
		s.stats.Increment("invalid_messages")
		s.logger.Warn("select for invalid sensor", "channel", ch)
		return
	}
	col, ok := intArg(msg, 0)
	if !ok || col < 0 || col >= GridSize {
		s.stats.Increment("invalid_messages")
		s.logger.Warn("select with invalid column", "channel", ch, "args", msg.Arguments)
		return
	}

	s.mu.Lock()
	prev := s.sampleMap[ch]
	if prev == col {
		s.mu.Unlock()
		return
	}
	s.sampleMap[ch] = col
	s.mu.Unlock()

	s.stats.Increment("select_messages")
	s.publisher.PublishRoute(ch, col)
	s.publisher.PublishLED(ch, prev, ledDimWhite, ledModeStatic)
	s.publisher.PublishLED(ch, col, ledGreen, ledModePulse)
	s.logger.Info("sample selected", "channel", ch, "sample", col)
}

// HandleLoopToggle flips a latching loop: /loop/toggle id.
func (s *Sequencer) HandleLoopToggle(msg *goosc.Message, _ int) {
	id, ok := intArg(msg, 0)
	if !ok || id < 0 || id >= 32 {
		s.stats.Increment("invalid_messages")
		s.logger.Warn("loop toggle with invalid id", "args", msg.Arguments)
		return
	}

	s.mu.Lock()
	s.loopStatus[id] = !s.loopStatus[id]
	active := s.loopStatus[id]
	s.mu.Unlock()

	s.stats.Increment("loop_messages")
	row, col := loopCell(id)
	if active {
		s.publisher.PublishLoopStart(id)
		s.publisher.PublishLED(row, col, ledOrange, ledModeStatic)
	} else {
		s.publisher.PublishLoopStop(id)
		s.publisher.PublishLED(row, col, ledOff, ledModeStatic)
	}
	s.logger.Info("loop toggled", "loop", id, "active", active)
}

// HandleLoopMomentary processes a held loop: /loop/momentary id state.
func (s *Sequencer) HandleLoopMomentary(msg *goosc.Message, _ int) {
	id, idOK := intArg(msg, 0)
	state, stateOK := intArg(msg, 1)
	if !idOK || !stateOK || id < 0 || id >= 32 || (state != 0 && state != 1) {
		s.stats.Increment("invalid_messages")
		s.logger.Warn("momentary with invalid arguments", "args", msg.Arguments)
		return
	}

	pressed := state == 1
	s.mu.Lock()
	s.loopStatus[id] = pressed
	s.mu.Unlock()

	s.stats.Increment("loop_messages")
	row, col := loopCell(id)
	if pressed {
		s.publisher.PublishLoopStart(id)
		s.publisher.PublishLED(row, col, ledOrange, ledModeStatic)
	} else {
		s.publisher.PublishLoopStop(id)
		s.publisher.PublishLED(row, col, ledOff, ledModeStatic)
	}
}

// Scene-column LED reflection of the sampler's state machine. The scene
// buttons themselves publish /sampler/* directly; the sequencer only
// mirrors the status broadcasts onto their LEDs.

// HandleSamplerRecordingStatus lights the source sensor's scene LED red
// while a recording runs.
func (s *Sequencer) HandleSamplerRecordingStatus(msg *goosc.Message, _ int) {
	ch, chOK := intArg(msg, 0)
	active, actOK := intArg(msg, 1)
	if !chOK || !actOK || ch < 0 || ch >= osc.NumPhysicalChannels {
		return
	}
	if active == 1 {
		s.publisher.PublishLED(ch, GridSize-1, ledRed, ledModePulse)
	} else {
		s.publisher.PublishLED(ch, GridSize-1, ledOff, ledModeStatic)
	}
}

// HandleSamplerAssignmentStatus pulses the virtual-channel scene column
// while an assignment is pending.
func (s *Sequencer) HandleSamplerAssignmentStatus(msg *goosc.Message, _ int) {
	active, ok := intArg(msg, 0)
	if !ok {
		return
	}
	color, mode := ledOff, ledModeStatic
	if active == 1 {
		color, mode = ledOrange, ledModePulse
	}
	for row := loopRowBase; row < GridSize; row++ {
		s.publisher.PublishLED(row, GridSize-1, color, mode)
	}
}

// HandleSamplerPlaybackStatus lights a virtual channel's scene LED while
// it plays.
func (s *Sequencer) HandleSamplerPlaybackStatus(msg *goosc.Message, _ int) {
	ch, chOK := intArg(msg, 0)
	active, actOK := intArg(msg, 1)
	if !chOK || !actOK || ch < osc.NumPhysicalChannels || ch >= osc.NumChannels {
		return
	}
	row := loopRowBase + (ch - osc.NumPhysicalChannels) % (GridSize - loopRowBase)
	if active == 1 {
		s.publisher.PublishLED(row, GridSize-1, ledGreen, ledModeStatic)
	} else {
		s.publisher.PublishLED(row, GridSize-1, ledOff, ledModeStatic)
	}
}

// loopCell maps a loop id to its grid cell: latching loops fill rows 4-5,
// momentary loops rows 6-7.
func loopCell(id int) (row, col int) {
	return loopRowBase + id/GridSize, id % GridSize
}

func intArg(msg *goosc.Message, idx int) (int, bool) {
	if len(msg.Arguments) <= idx {
		return 0, false
	}
	v, ok := osc.IntArg(msg.Arguments[idx])
	return int(v), ok
}
