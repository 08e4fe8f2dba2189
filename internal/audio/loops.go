package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Voice limits per loop type. When a start would exceed a type's limit
// the oldest-started loop of that type is stopped first.
const (
	LatchingLimit  = 6
	MomentaryLimit = 4
)

// LoopManager runs the ambient loop layer: 32 loops, ids 0-15 latching
// (toggle on/off) and 16-31 momentary (held), with type-partitioned voice
// limits and oldest-first ejection. Loops play centred, unpanned and
// unscaled, wrapping until stopped.
//
// The manager's lock covers only its bookkeeping; mixer calls are made
// outside it so the realtime path is never blocked behind loop control.
type LoopManager struct {
	mixer  *Mixer
	lib    *Library
	logger *slog.Logger

	mu             sync.Mutex
	active         map[int]Voice
	latchingOrder  []int
	momentaryOrder []int
}

// NewLoopManager creates a manager over the library's loop set.
func NewLoopManager(mixer *Mixer, lib *Library, logger *slog.Logger) *LoopManager {
	return &LoopManager{
		mixer:  mixer,
		lib:    lib,
		logger: logger.With("subsystem", "loop-manager"),
		active: make(map[int]Voice),
	}
}

// IsLatching reports whether a loop id is the latching type.
func IsLatching(loopID int) bool {
	return loopID <= LatchingMaxID
}

// Start begins a loop, ejecting the oldest loop of the same type when the
// type's voice limit is reached. Starting an already-active loop is a
// no-op; a start that fails to produce audio does not eject anything.
// Returns the ejected loop id, or -1.
func (lm *LoopManager) Start(loopID int) (int, error) {
	if loopID < 0 || loopID >= NumLoops {
		return -1, fmt.Errorf("loop id must be in [0, %d], got %d", NumLoops-1, loopID)
	}
	buf := lm.lib.Loops[loopID]
	if len(buf) == 0 {
		return -1, fmt.Errorf("loop %d not loaded", loopID)
	}

	lm.mu.Lock()
	if _, ok := lm.active[loopID]; ok {
		lm.mu.Unlock()
		return -1, nil
	}
	lm.mu.Unlock()

	// Queue the new loop before ejecting: if starting fails nothing is
	// lost. The mixer call runs without the manager lock.
	stereo := PanMonoToStereo(buf, 0, false)
	v := lm.mixer.PlayLoop(stereo)
	if v < 0 {
		return -1, fmt.Errorf("mixer rejected loop %d", loopID)
	}

	ejected := -1
	var ejectedVoice Voice

	lm.mu.Lock()
	order := &lm.latchingOrder
	limit := LatchingLimit
	if !IsLatching(loopID) {
		order = &lm.momentaryOrder
		limit = MomentaryLimit
	}
	if len(*order) >= limit && len(*order) > 0 {
		ejected = (*order)[0]
		*order = (*order)[1:]
		ejectedVoice = lm.active[ejected]
		delete(lm.active, ejected)
	}
	lm.active[loopID] = v
	*order = append(*order, loopID)
	lm.mu.Unlock()

	if ejected >= 0 {
		lm.mixer.Stop(ejectedVoice)
		lm.logger.Info("loop voice limit reached, ejected oldest",
			"started", loopID,
			"ejected", ejected,
		)
	}
	return ejected, nil
}

// Stop ends a loop. Stopping an inactive loop is a no-op.
func (lm *LoopManager) Stop(loopID int) error {
	if loopID < 0 || loopID >= NumLoops {
		return fmt.Errorf("loop id must be in [0, %d], got %d", NumLoops-1, loopID)
	}

	lm.mu.Lock()
	v, ok := lm.active[loopID]
	if ok {
		delete(lm.active, loopID)
		order := &lm.latchingOrder
		if !IsLatching(loopID) {
			order = &lm.momentaryOrder
		}
		for i, id := range *order {
			if id == loopID {
				*order = append((*order)[:i], (*order)[i+1:]...)
				break
			}
		}
	}
	lm.mu.Unlock()

	if ok {
		lm.mixer.Stop(v)
	}
	return nil
}

// StopAll ends every active loop. Used at shutdown.
func (lm *LoopManager) StopAll() {
	lm.mu.Lock()
	voices := make([]Voice, 0, len(lm.active))
	for _, v := range lm.active {
		voices = append(voices, v)
	}
	lm.active = make(map[int]Voice)
	lm.latchingOrder = nil
	lm.momentaryOrder = nil
	lm.mu.Unlock()

	for _, v := range voices {
		lm.mixer.Stop(v)
	}
}

// IsActive reports whether a loop is currently playing.
func (lm *LoopManager) IsActive(loopID int) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.active[loopID]
	return ok
}

// ActiveCounts returns the number of active latching and momentary loops.
func (lm *LoopManager) ActiveCounts() (latching, momentary int) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.latchingOrder), len(lm.momentaryOrder)
}

// ActiveSet returns the ids of all active loops.
func (lm *LoopManager) ActiveSet() []int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]int, 0, len(lm.active))
	out = append(out, lm.latchingOrder...)
	out = append(out, lm.momentaryOrder...)
	return out
}
