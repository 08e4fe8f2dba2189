package sequencer

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/osc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type routeEvent struct{ channel, sample int }
type loopEvent struct {
	id    int
	start bool
}
type ledEvent struct{ row, col, color, mode int }

type fakePublisher struct {
	mu     sync.Mutex
	routes []routeEvent
	loops  []loopEvent
	leds   []ledEvent
}

func (f *fakePublisher) PublishRoute(ch, sample int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, routeEvent{ch, sample})
}

func (f *fakePublisher) PublishLoopStart(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loops = append(f.loops, loopEvent{id, true})
}

func (f *fakePublisher) PublishLoopStop(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loops = append(f.loops, loopEvent{id, false})
}

func (f *fakePublisher) PublishLED(row, col, color, mode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leds = append(f.leds, ledEvent{row, col, color, mode})
}

func (f *fakePublisher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes, f.loops, f.leds = nil, nil, nil
}

func TestSelectPublishesRouteAndLEDs(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, testLogger(), osc.NewStats())

	msg := goosc.NewMessage("/select/1")
	msg.Append(int32(3))
	s.HandleSelect(msg, 1)

	if len(pub.routes) != 1 || pub.routes[0] != (routeEvent{1, 3}) {
		t.Fatalf("routes = %v, want [{1 3}]", pub.routes)
	}
	if s.SampleMap()[1] != 3 {
		t.Errorf("sampleMap[1] = %d", s.SampleMap()[1])
	}
	// Two LED updates: deselect column 0, select column 3.
	if len(pub.leds) != 2 {
		t.Fatalf("led updates = %v", pub.leds)
	}
	if pub.leds[0].col != 0 || pub.leds[0].color != ledDimWhite {
		t.Errorf("deselect LED = %v", pub.leds[0])
	}
	if pub.leds[1].col != 3 || pub.leds[1].color != ledGreen || pub.leds[1].mode != ledModePulse {
		t.Errorf("select LED = %v", pub.leds[1])
	}
}

func TestSelectSameColumnIsNoOp(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, testLogger(), osc.NewStats())

	msg := goosc.NewMessage("/select/0")
	msg.Append(int32(0))
	s.HandleSelect(msg, 0)
	if len(pub.routes) != 0 || len(pub.leds) != 0 {
		t.Errorf("re-selecting the current column published: routes=%v leds=%v", pub.routes, pub.leds)
	}
}

func TestLoopToggleRoundTrip(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, testLogger(), osc.NewStats())

	msg := goosc.NewMessage("/loop/toggle")
	msg.Append(int32(10))
	s.HandleLoopToggle(msg, -1)

	if !s.LoopStatus()[10] {
		t.Fatal("loop 10 not marked active")
	}
	if len(pub.loops) != 1 || !pub.loops[0].start || pub.loops[0].id != 10 {
		t.Fatalf("loop events = %v", pub.loops)
	}
	// Loop 10 sits at row 5 (latching second row), column 2.
	if len(pub.leds) != 1 || pub.leds[0] != (ledEvent{5, 2, ledOrange, ledModeStatic}) {
		t.Fatalf("led = %v", pub.leds)
	}

	pub.reset()
	s.HandleLoopToggle(msg, -1)
	if s.LoopStatus()[10] {
		t.Fatal("loop 10 still active after second toggle")
	}
	if len(pub.loops) != 1 || pub.loops[0].start {
		t.Fatalf("loop events = %v, want stop", pub.loops)
	}
	if pub.leds[0].color != ledOff {
		t.Errorf("led after stop = %v", pub.leds[0])
	}
}

func TestLoopMomentary(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, testLogger(), osc.NewStats())

	press := goosc.NewMessage("/loop/momentary")
	press.Append(int32(20))
	press.Append(int32(1))
	s.HandleLoopMomentary(press, -1)
	if len(pub.loops) != 1 || !pub.loops[0].start {
		t.Fatalf("press events = %v", pub.loops)
	}

	release := goosc.NewMessage("/loop/momentary")
	release.Append(int32(20))
	release.Append(int32(0))
	s.HandleLoopMomentary(release, -1)
	if len(pub.loops) != 2 || pub.loops[1].start {
		t.Fatalf("release events = %v", pub.loops)
	}
	// Loop 20 sits at row 6 (momentary first row), column 4.
	if pub.leds[0].row != 6 || pub.leds[0].col != 4 {
		t.Errorf("momentary led = %v", pub.leds[0])
	}
}

func TestInitialState(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, testLogger(), osc.NewStats())
	s.PublishInitialState()

	if len(pub.routes) != osc.NumPhysicalChannels {
		t.Fatalf("initial routes = %v", pub.routes)
	}
	for i, r := range pub.routes {
		if r.channel != i || r.sample != 0 {
			t.Errorf("initial route %d = %v", i, r)
		}
	}
	// Full grid painted: 4 selection rows + 4 loop rows, 8 columns each.
	if len(pub.leds) != GridSize*GridSize {
		t.Errorf("initial led count = %d, want %d", len(pub.leds), GridSize*GridSize)
	}
}

func TestSamplerStatusLEDs(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, testLogger(), osc.NewStats())

	msg := goosc.NewMessage("/sampler/status/recording")
	msg.Append(int32(2))
	msg.Append(int32(1))
	s.HandleSamplerRecordingStatus(msg, -1)
	if len(pub.leds) != 1 || pub.leds[0].row != 2 || pub.leds[0].color != ledRed {
		t.Fatalf("recording led = %v", pub.leds)
	}

	pub.reset()
	msg = goosc.NewMessage("/sampler/status/playback")
	msg.Append(int32(5))
	msg.Append(int32(1))
	s.HandleSamplerPlaybackStatus(msg, -1)
	if len(pub.leds) != 1 || pub.leds[0].row != 5 || pub.leds[0].color != ledGreen {
		t.Fatalf("playback led = %v", pub.leds)
	}
}

func TestInvalidSelectRejected(t *testing.T) {
	pub := &fakePublisher{}
	stats := osc.NewStats()
	s := New(pub, testLogger(), stats)

	msg := goosc.NewMessage("/select/0")
	msg.Append(int32(9))
	s.HandleSelect(msg, 0)

	s.HandleSelect(goosc.NewMessage("/select/5"), 5)

	if stats.Get("invalid_messages") != 2 {
		t.Errorf("invalid_messages = %d, want 2", stats.Get("invalid_messages"))
	}
	if len(pub.routes) != 0 {
		t.Error("invalid select published a route")
	}
}
