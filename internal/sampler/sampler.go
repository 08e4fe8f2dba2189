// Package sampler implements live recording of a sensor's raw PPG stream
// and its replay on a virtual channel. A recorded buffer assigned to a
// virtual channel id (4-7) re-enters the processor as if a fifth sensor
// had appeared.
package sampler

import (
	"log/slog"
	"sync"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/capture"
	"github.com/corazonn/amor/internal/osc"
)

// State is the sampler's control state.
type State int

const (
	// StateIdle has no recording or pending assignment.
	StateIdle State = iota
	// StateRecording is capturing one source channel.
	StateRecording
	// StateAssignment holds a finished buffer awaiting a destination.
	StateAssignment
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateAssignment:
		return "assignment"
	default:
		return "unknown"
	}
}

// Timers. Both are monotonic-clock deadlines checked from a poll loop,
// not armed timers, so they survive process sleeps.
const (
	// recordingCap auto-stops a runaway recording.
	recordingCap = 60 * time.Second
	// assignmentExpiry discards an unclaimed buffer.
	assignmentExpiry = 30 * time.Second
	// deadlinePoll is how often the deadlines are checked.
	deadlinePoll = 250 * time.Millisecond
)

// Publisher is the sampler's output surface: replayed /ppg bundles plus
// the status broadcasts the sequencer reflects on the grid.
type Publisher interface {
	PublishPPG(channel int, rec capture.Record)
	PublishRecordingStatus(channel, active int)
	PublishAssignmentStatus(active int)
	PublishPlaybackStatus(channel, active int)
}

// CaptureMeta describes one finished recording, for the capture index.
type CaptureMeta struct {
	Channel  int
	Records  int
	Bytes    int
	Duration time.Duration
}

// Sampler is the record/assign/replay state machine. All transitions run
// under one lock; replay itself happens on per-channel goroutines.
type Sampler struct {
	publisher Publisher
	logger    *slog.Logger
	stats     *osc.Stats

	// OnCapture, when set, receives metadata for each finished
	// recording. Wired to the capture index by the engine.
	OnCapture func(CaptureMeta)

	mu             sync.Mutex
	state          State
	source         int
	buffer         *capture.Buffer
	recordStarted  time.Time
	recordDeadline time.Time
	assignDeadline time.Time
	playing        map[int]*virtualChannel

	done chan struct{}
	wg   sync.WaitGroup

	// now is the monotonic-friendly clock. Injectable for tests.
	now func() time.Time
}

// New creates an idle sampler.
func New(publisher Publisher, logger *slog.Logger, stats *osc.Stats) *Sampler {
	return &Sampler{
		publisher: publisher,
		logger:    logger.With("subsystem", "sampler"),
		stats:     stats,
		playing:   make(map[int]*virtualChannel),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the deadline poll loop.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(deadlinePoll)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.CheckDeadlines()
			}
		}
	}()
}

// Stop halts replay and the poll loop.
func (s *Sampler) Stop() {
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	channels := make([]*virtualChannel, 0, len(s.playing))
	for _, vc := range s.playing {
		channels = append(channels, vc)
	}
	s.playing = make(map[int]*virtualChannel)
	s.mu.Unlock()

	for _, vc := range channels {
		vc.stop()
	}
	s.stats.Log(s.logger, "sampler")
}

// Register subscribes the sampler's handlers: control messages on the
// control listener, raw PPG on the ppg listener.
func (s *Sampler) Register(control, ppg *osc.Listener) {
	control.Handle("/sampler/record/toggle", s.HandleRecordToggle)
	control.Handle("/sampler/assign", s.HandleAssign)
	control.Handle("/sampler/toggle", s.HandleToggle)
	ppg.Handle("/ppg/{ch}", s.HandlePPG)
}

// State returns the current control state.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PlayingChannels returns the active virtual channel ids.
func (s *Sampler) PlayingChannels() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.playing))
	for ch := range s.playing {
		out = append(out, ch)
	}
	return out
}

// HandleRecordToggle starts or stops a recording of a physical channel.
func (s *Sampler) HandleRecordToggle(msg *goosc.Message, _ int) {
	src, ok := intArg(msg, 0)
	if !ok || src < 0 || src >= osc.NumPhysicalChannels {
		s.stats.Increment("invalid_messages")
		s.logger.Warn("record toggle with invalid source", "args", msg.Arguments)
		return
	}
	s.ToggleRecord(src)
}

// ToggleRecord drives the Idle<->Recording<->Assignment transitions for
// one source channel. Status broadcasts happen after the lock is
// released: bus sends are I/O and never run under a component lock.
func (s *Sampler) ToggleRecord(src int) {
	var publish []func()

	s.mu.Lock()
	switch s.state {
	case StateIdle:
		buf, err := capture.NewBuffer(uint8(src))
		if err != nil {
			s.mu.Unlock()
			s.logger.Warn("starting capture buffer", "error", err)
			return
		}
		s.state = StateRecording
		s.source = src
		s.buffer = buf
		s.recordStarted = s.now()
		s.recordDeadline = s.recordStarted.Add(recordingCap)
		s.logger.Info("recording started", "source", src)
		publish = append(publish, func() { s.publisher.PublishRecordingStatus(src, 1) })

	case StateRecording:
		if src != s.source {
			// Concurrent-record prevention: a toggle for another channel
			// while recording is ignored.
			s.logger.Debug("record toggle for other channel ignored",
				"recording", s.source,
				"requested", src,
			)
		} else {
			publish = s.finishRecordingLocked()
		}

	case StateAssignment:
		s.logger.Debug("record toggle ignored in assignment mode", "requested", src)
	}
	s.mu.Unlock()

	for _, fn := range publish {
		fn()
	}
}

// finishRecordingLocked moves Recording -> Assignment and returns the
// deferred status broadcasts. Caller holds mu.
func (s *Sampler) finishRecordingLocked() []func() {
	src := s.source
	meta := CaptureMeta{
		Channel:  src,
		Records:  s.buffer.Records(),
		Bytes:    s.buffer.Len(),
		Duration: s.now().Sub(s.recordStarted),
	}
	s.state = StateAssignment
	s.assignDeadline = s.now().Add(assignmentExpiry)
	s.logger.Info("recording stopped, awaiting assignment",
		"source", src,
		"records", meta.Records,
		"bytes", meta.Bytes,
	)

	onCapture := s.OnCapture
	return []func(){
		func() { s.publisher.PublishRecordingStatus(src, 0) },
		func() { s.publisher.PublishAssignmentStatus(1) },
		func() {
			if onCapture != nil {
				onCapture(meta)
			}
		},
	}
}

// HandleAssign assigns the pending buffer to a virtual channel.
func (s *Sampler) HandleAssign(msg *goosc.Message, _ int) {
	dest, ok := intArg(msg, 0)
	if !ok || dest < osc.NumPhysicalChannels || dest >= osc.NumChannels {
		s.stats.Increment("invalid_messages")
		s.logger.Warn("assign with invalid destination", "args", msg.Arguments)
		return
	}
	s.Assign(dest)
}

// Assign starts replaying the pending buffer on dest. An already-playing
// dest is stopped first. Outside assignment mode the message is ignored.
func (s *Sampler) Assign(dest int) {
	s.mu.Lock()

	if s.state != StateAssignment {
		s.mu.Unlock()
		s.logger.Debug("assign outside assignment mode", "dest", dest)
		return
	}

	buf := s.buffer
	s.buffer = nil
	s.state = StateIdle

	old := s.playing[dest]
	delete(s.playing, dest)
	s.mu.Unlock()

	s.publisher.PublishAssignmentStatus(0)

	if old != nil {
		old.stop()
		s.publisher.PublishPlaybackStatus(dest, 0)
	}

	records, err := buf.Decode()
	if err != nil || len(records) == 0 {
		s.logger.Warn("assigned buffer unusable", "dest", dest, "error", err)
		return
	}

	vc := newVirtualChannel(dest, records, s.publisher, s.logger)

	s.mu.Lock()
	s.playing[dest] = vc
	s.mu.Unlock()

	vc.start()
	s.publisher.PublishPlaybackStatus(dest, 1)
	s.logger.Info("virtual channel started",
		"dest", dest,
		"source", buf.Channel(),
		"records", len(records),
	)
}

// HandleToggle stops an active virtual channel.
func (s *Sampler) HandleToggle(msg *goosc.Message, _ int) {
	dest, ok := intArg(msg, 0)
	if !ok || dest < osc.NumPhysicalChannels || dest >= osc.NumChannels {
		s.stats.Increment("invalid_messages")
		s.logger.Warn("toggle with invalid destination", "args", msg.Arguments)
		return
	}
	s.TogglePlayback(dest)
}

// TogglePlayback stops dest if playing; a toggle for an idle dest is a
// no-op.
func (s *Sampler) TogglePlayback(dest int) {
	s.mu.Lock()
	vc := s.playing[dest]
	delete(s.playing, dest)
	s.mu.Unlock()

	if vc == nil {
		return
	}
	vc.stop()
	s.publisher.PublishPlaybackStatus(dest, 0)
	s.logger.Info("virtual channel stopped", "dest", dest)
}

// HandlePPG captures raw bundles for the channel being recorded.
func (s *Sampler) HandlePPG(msg *goosc.Message, ch int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording || ch != s.source {
		return
	}
	if len(msg.Arguments) != osc.SamplesPerBundle+1 {
		return
	}

	var rec capture.Record
	for i := 0; i < osc.SamplesPerBundle; i++ {
		v, ok := osc.IntArg(msg.Arguments[i])
		if !ok {
			return
		}
		rec.Samples[i] = int32(v)
	}
	ts, ok := osc.IntArg(msg.Arguments[osc.SamplesPerBundle])
	if !ok {
		return
	}
	rec.TimestampMS = int32(ts)

	if err := s.buffer.Append(rec); err != nil {
		s.logger.Warn("appending capture record", "error", err)
	}
	s.stats.Increment("captured_bundles")
}

// CheckDeadlines enforces the recording cap and the assignment expiry.
// Called from the poll loop and directly by tests.
func (s *Sampler) CheckDeadlines() {
	var publish []func()

	s.mu.Lock()
	now := s.now()
	switch s.state {
	case StateRecording:
		if now.After(s.recordDeadline) {
			s.logger.Info("recording cap reached, auto-stopping", "source", s.source)
			publish = s.finishRecordingLocked()
		}
	case StateAssignment:
		if now.After(s.assignDeadline) {
			s.logger.Info("assignment mode expired, buffer discarded")
			s.state = StateIdle
			s.buffer = nil
			publish = append(publish, func() { s.publisher.PublishAssignmentStatus(0) })
		}
	}
	s.mu.Unlock()

	for _, fn := range publish {
		fn()
	}
}

func intArg(msg *goosc.Message, idx int) (int, bool) {
	if len(msg.Arguments) <= idx {
		return 0, false
	}
	v, ok := osc.IntArg(msg.Arguments[idx])
	return int(v), ok
}
