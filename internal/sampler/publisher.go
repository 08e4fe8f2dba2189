package sampler

import (
	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/capture"
	"github.com/corazonn/amor/internal/osc"
)

// BusPublisher sends the sampler's output on the bus: replayed bundles to
// the ppg port, status broadcasts to the control port.
type BusPublisher struct {
	ppg     *osc.Broadcaster
	control *osc.Broadcaster
}

// NewBusPublisher wraps the two broadcasters.
func NewBusPublisher(ppg, control *osc.Broadcaster) *BusPublisher {
	return &BusPublisher{ppg: ppg, control: control}
}

// PublishPPG re-emits one captured bundle on /ppg/{ch}. Arguments are
// identical to the live stream's except for the channel in the address.
func (p *BusPublisher) PublishPPG(channel int, rec capture.Record) {
	msg := goosc.NewMessage(osc.PPGAddr(channel))
	for _, s := range rec.Samples {
		msg.Append(s)
	}
	msg.Append(rec.TimestampMS)
	p.ppg.Send(msg)
}

// PublishRecordingStatus broadcasts /sampler/status/recording.
func (p *BusPublisher) PublishRecordingStatus(channel, active int) {
	msg := goosc.NewMessage("/sampler/status/recording")
	msg.Append(int32(channel))
	msg.Append(int32(active))
	p.control.Send(msg)
}

// PublishAssignmentStatus broadcasts /sampler/status/assignment.
func (p *BusPublisher) PublishAssignmentStatus(active int) {
	msg := goosc.NewMessage("/sampler/status/assignment")
	msg.Append(int32(active))
	p.control.Send(msg)
}

// PublishPlaybackStatus broadcasts /sampler/status/playback.
func (p *BusPublisher) PublishPlaybackStatus(channel, active int) {
	msg := goosc.NewMessage("/sampler/status/playback")
	msg.Append(int32(channel))
	msg.Append(int32(active))
	p.control.Send(msg)
}

var _ Publisher = (*BusPublisher)(nil)
