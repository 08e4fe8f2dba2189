package predictor

import (
	"log/slog"
	"sync"
	"time"
)

// Publisher broadcasts a beat for a channel. Implemented by the OSC bus
// in production and by fakes in tests.
type Publisher interface {
	PublishBeat(channel int, beat Beat)
}

// emitterQueueDepth bounds the pending-beat queue. One slot per cycle is
// enough in steady state; the headroom absorbs scheduling hiccups.
const emitterQueueDepth = 8

// Emitter is the predictor's private beat-output worker. Beats carry
// future timestamps; the worker sleeps on a monotonic timer until each
// beat's deadline and then publishes, making the worker the authoritative
// clock for downstream timing. Wall-clock adjustments do not distort the
// wait because the deadline is converted to a monotonic duration once, at
// dequeue time.
type Emitter struct {
	channel   int
	publisher Publisher
	logger    *slog.Logger

	queue chan Beat
	done  chan struct{}
	wg    sync.WaitGroup

	mu         sync.Mutex
	lastSentMS int64
	dropped    uint64
	published  uint64
}

// NewEmitter creates a worker for one channel. Call Start to begin.
func NewEmitter(channel int, publisher Publisher, logger *slog.Logger) *Emitter {
	return &Emitter{
		channel:   channel,
		publisher: publisher,
		logger:    logger.With("subsystem", "beat-emitter", "channel", channel),
		queue:     make(chan Beat, emitterQueueDepth),
		done:      make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (e *Emitter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop shuts the worker down. Pending beats are discarded.
func (e *Emitter) Stop() {
	close(e.done)
	e.wg.Wait()
}

// Enqueue hands a beat to the worker without blocking the ingest path. A
// full queue drops the beat and counts it.
func (e *Emitter) Enqueue(beat Beat) {
	select {
	case e.queue <- beat:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Debug("beat queue full, dropped")
	}
}

// Published returns the number of beats published so far.
func (e *Emitter) Published() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published
}

// Dropped returns the number of beats discarded before publishing.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Emitter) run() {
	defer e.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-e.done:
			return
		case beat := <-e.queue:
			// Sleep until the predicted instant; a deadline already in
			// the past publishes immediately.
			delay := time.Until(time.UnixMilli(beat.TimestampMS))
			if delay > 0 {
				timer.Reset(delay)
				select {
				case <-e.done:
					if !timer.Stop() {
						<-timer.C
					}
					return
				case <-timer.C:
				}
			}

			// Per-channel beat timestamps must be strictly monotonic on
			// the wire; a late duplicate is dropped rather than published
			// out of order.
			e.mu.Lock()
			if beat.TimestampMS <= e.lastSentMS {
				e.dropped++
				e.mu.Unlock()
				continue
			}
			e.lastSentMS = beat.TimestampMS
			e.published++
			e.mu.Unlock()

			e.publisher.PublishBeat(e.channel, beat)
		}
	}
}
