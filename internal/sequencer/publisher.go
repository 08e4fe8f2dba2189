package sequencer

import (
	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/osc"
)

// BusPublisher sends the sequencer's routing, loop-control and LED
// messages on the control port.
type BusPublisher struct {
	control *osc.Broadcaster
}

// NewBusPublisher wraps the control-port broadcaster.
func NewBusPublisher(control *osc.Broadcaster) *BusPublisher {
	return &BusPublisher{control: control}
}

// PublishRoute broadcasts /route/{ch} with the selected sample index.
func (p *BusPublisher) PublishRoute(channel, sample int) {
	msg := goosc.NewMessage(osc.RouteAddr(channel))
	msg.Append(int32(sample))
	p.control.Send(msg)
}

// PublishLoopStart broadcasts /loop/start.
func (p *BusPublisher) PublishLoopStart(loopID int) {
	msg := goosc.NewMessage("/loop/start")
	msg.Append(int32(loopID))
	p.control.Send(msg)
}

// PublishLoopStop broadcasts /loop/stop.
func (p *BusPublisher) PublishLoopStop(loopID int) {
	msg := goosc.NewMessage("/loop/stop")
	msg.Append(int32(loopID))
	p.control.Send(msg)
}

// PublishLED broadcasts /led/{row}/{col} with (color, mode).
func (p *BusPublisher) PublishLED(row, col, color, mode int) {
	msg := goosc.NewMessage(osc.LEDAddr(row, col))
	msg.Append(int32(color))
	msg.Append(int32(mode))
	p.control.Send(msg)
}

var _ Publisher = (*BusPublisher)(nil)
