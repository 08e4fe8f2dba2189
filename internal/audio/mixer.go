package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Voice is a handle to a playing buffer in the mixer's voice arena.
type Voice int

// voiceNone is the handle returned when no voice was started (an empty
// buffer). Stop ignores it.
const voiceNone Voice = -1

// voice is one arena slot. Buffers are interleaved stereo float32.
type voice struct {
	data   []float32
	pos    int
	loop   bool
	active bool
}

// Mixer sums an open set of voices into a single stereo stream. It
// implements io.Reader producing interleaved stereo float32 little-endian
// frames, the format the audio output layer consumes; the output layer's
// realtime thread calls Read while control threads start and stop voices.
//
// Starting a voice never interrupts another: voices overlap freely and
// one-shot voices retire themselves when their buffer drains. Loop voices
// wrap until stopped.
type Mixer struct {
	sampleRate int
	logger     *slog.Logger

	mu     sync.Mutex
	voices []voice
	free   []int

	started uint64
	drained uint64
}

// NewMixer creates a mixer producing frames at the given sample rate.
func NewMixer(sampleRate int, logger *slog.Logger) *Mixer {
	return &Mixer{
		sampleRate: sampleRate,
		logger:     logger.With("subsystem", "mixer"),
	}
}

// SampleRate returns the output rate in Hz.
func (m *Mixer) SampleRate() int {
	return m.sampleRate
}

// Play queues an interleaved stereo buffer as a new one-shot voice and
// returns its handle. The buffer is handed off: callers must not mutate
// it afterwards.
func (m *Mixer) Play(stereo []float32) Voice {
	return m.start(stereo, false)
}

// PlayLoop queues a buffer that wraps until stopped.
func (m *Mixer) PlayLoop(stereo []float32) Voice {
	return m.start(stereo, true)
}

func (m *Mixer) start(stereo []float32, loop bool) Voice {
	if len(stereo) == 0 {
		return voiceNone
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var slot int
	if n := len(m.free); n > 0 {
		slot = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		m.voices = append(m.voices, voice{})
		slot = len(m.voices) - 1
	}
	m.voices[slot] = voice{data: stereo, loop: loop, active: true}
	m.started++
	return Voice(slot)
}

// Stop silences a voice. Stopping a negative or out-of-range handle, or
// one whose slot is free, is a no-op. Handles are slot indices and slots
// are reused, so a handle kept after its voice drained stops whichever
// voice now occupies that slot.
func (m *Mixer) Stop(v Voice) {
	if v < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(v) >= len(m.voices) || !m.voices[int(v)].active {
		return
	}
	m.retire(int(v))
}

// retire frees a slot. Caller holds mu.
func (m *Mixer) retire(slot int) {
	m.voices[slot] = voice{}
	m.free = append(m.free, slot)
}

// ActiveVoices returns the number of currently playing voices.
func (m *Mixer) ActiveVoices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.voices {
		if m.voices[i].active {
			n++
		}
	}
	return n
}

// VoicesStarted returns the lifetime count of started voices.
func (m *Mixer) VoicesStarted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Read fills p with mixed interleaved stereo float32 LE frames. Called
// from the audio output's realtime goroutine; the voice list is summed
// under the mixer lock, which is only ever held for slice arithmetic, so
// control-path contention cannot starve the callback.
func (m *Mixer) Read(p []byte) (int, error) {
	// Align to whole stereo frames so channels never slip out of phase.
	n := len(p) / 8 * 8
	samples := n / 4

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < samples; i++ {
		var sum float64
		for vi := range m.voices {
			v := &m.voices[vi]
			if !v.active {
				continue
			}
			sum += float64(v.data[v.pos])
			v.pos++
			if v.pos >= len(v.data) {
				if v.loop {
					v.pos = 0
				} else {
					m.drained++
					m.retire(vi)
				}
			}
		}
		// Hard clip; overlapping voices may exceed full scale.
		if sum > 1.0 {
			sum = 1.0
		} else if sum < -1.0 {
			sum = -1.0
		}
		binary.LittleEndian.PutUint32(p[4*i:], math.Float32bits(float32(sum)))
	}
	return n, nil
}
