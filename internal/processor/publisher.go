package processor

import (
	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/osc"
	"github.com/corazonn/amor/internal/predictor"
)

// BusPublisher publishes rhythm events on the beat port. Timestamps go on
// the wire as 64-bit integer unix milliseconds: a 32-bit float loses
// millisecond precision above 2^24 and a 32-bit int overflowed in 2038's
// worth of milliseconds long ago.
type BusPublisher struct {
	bus *osc.Broadcaster
}

// NewBusPublisher wraps a broadcaster bound to the beat port.
func NewBusPublisher(bus *osc.Broadcaster) *BusPublisher {
	return &BusPublisher{bus: bus}
}

// PublishBeat broadcasts /beat/{ch} with (ts_ms, bpm, intensity).
func (p *BusPublisher) PublishBeat(channel int, beat predictor.Beat) {
	msg := goosc.NewMessage(osc.BeatAddr(channel))
	msg.Append(beat.TimestampMS)
	msg.Append(float32(beat.BPM))
	msg.Append(float32(beat.Intensity))
	p.bus.Send(msg)
}

// PublishAcquire broadcasts /acquire/{ch} with (ts_ms, bpm).
func (p *BusPublisher) PublishAcquire(channel int, timestampMS int64, bpm float64) {
	msg := goosc.NewMessage(osc.AcquireAddr(channel))
	msg.Append(timestampMS)
	msg.Append(float32(bpm))
	p.bus.Send(msg)
}

// PublishRelease broadcasts /release/{ch} with (ts_ms).
func (p *BusPublisher) PublishRelease(channel int, timestampMS int64) {
	msg := goosc.NewMessage(osc.ReleaseAddr(channel))
	msg.Append(timestampMS)
	p.bus.Send(msg)
}

var _ EventPublisher = (*BusPublisher)(nil)
