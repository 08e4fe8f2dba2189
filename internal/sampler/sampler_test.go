package sampler

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/capture"
	"github.com/corazonn/amor/internal/osc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type statusEvent struct {
	kind    string
	channel int
	active  int
}

// fakePublisher records everything the sampler emits.
type fakePublisher struct {
	mu      sync.Mutex
	bundles map[int][]capture.Record
	status  []statusEvent
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{bundles: make(map[int][]capture.Record)}
}

func (f *fakePublisher) PublishPPG(ch int, rec capture.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles[ch] = append(f.bundles[ch], rec)
}

func (f *fakePublisher) PublishRecordingStatus(ch, active int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, statusEvent{"recording", ch, active})
}

func (f *fakePublisher) PublishAssignmentStatus(active int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, statusEvent{"assignment", -1, active})
}

func (f *fakePublisher) PublishPlaybackStatus(ch, active int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, statusEvent{"playback", ch, active})
}

func (f *fakePublisher) statusEvents() []statusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusEvent(nil), f.status...)
}

func (f *fakePublisher) bundlesFor(ch int) []capture.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capture.Record(nil), f.bundles[ch]...)
}

// testSampler builds a sampler with a controllable clock.
func testSampler(t *testing.T) (*Sampler, *fakePublisher, *time.Time) {
	t.Helper()
	pub := newFakePublisher()
	s := New(pub, testLogger(), osc.NewStats())
	now := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return now }
	return s, pub, &now
}

func ppgMsg(ch int, tsMS int32, base int32) *goosc.Message {
	msg := goosc.NewMessage(osc.PPGAddr(ch))
	for i := int32(0); i < osc.SamplesPerBundle; i++ {
		msg.Append(base + i)
	}
	msg.Append(int64(tsMS))
	return msg
}

func TestRecordAssignPlaybackFlow(t *testing.T) {
	s, pub, _ := testSampler(t)

	s.ToggleRecord(2)
	if s.State() != StateRecording {
		t.Fatalf("state = %v, want recording", s.State())
	}

	// Bundles for the recorded channel are captured; others ignored.
	s.HandlePPG(ppgMsg(2, 1000, 2000), 2)
	s.HandlePPG(ppgMsg(2, 1100, 2100), 2)
	s.HandlePPG(ppgMsg(1, 1000, 999), 1)

	s.ToggleRecord(2)
	if s.State() != StateAssignment {
		t.Fatalf("state = %v, want assignment", s.State())
	}

	s.Assign(5)
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want idle after assignment", s.State())
	}

	// The virtual channel replays both bundles (first immediately, the
	// second 100 ms later), then loops.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pub.bundlesFor(5)) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := pub.bundlesFor(5)
	if len(got) < 2 {
		t.Fatalf("replayed %d bundles, want >= 2", len(got))
	}
	// Byte identity: replayed records match the captured stream except
	// for the channel id in the address.
	if got[0].TimestampMS != 1000 || got[0].Samples != [5]int32{2000, 2001, 2002, 2003, 2004} {
		t.Errorf("replayed record 0 = %+v", got[0])
	}
	if got[1].TimestampMS != 1100 || got[1].Samples[0] != 2100 {
		t.Errorf("replayed record 1 = %+v", got[1])
	}

	s.TogglePlayback(5)
	if got := s.PlayingChannels(); len(got) != 0 {
		t.Errorf("playing channels after stop = %v", got)
	}

	// Status broadcast sequence.
	want := []statusEvent{
		{"recording", 2, 1},
		{"recording", 2, 0},
		{"assignment", -1, 1},
		{"assignment", -1, 0},
		{"playback", 5, 1},
		{"playback", 5, 0},
	}
	events := pub.statusEvents()
	if len(events) != len(want) {
		t.Fatalf("status events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("status event %d = %v, want %v", i, events[i], want[i])
		}
	}
}

func TestReplayLoops(t *testing.T) {
	s, pub, _ := testSampler(t)
	s.ToggleRecord(0)
	s.HandlePPG(ppgMsg(0, 1000, 100), 0)
	s.ToggleRecord(0)
	s.Assign(4)
	defer s.TogglePlayback(4)

	// A single-bundle recording replays continuously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pub.bundlesFor(4)) >= 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("replay did not loop: %d bundles", len(pub.bundlesFor(4)))
}

func TestConcurrentRecordPrevented(t *testing.T) {
	s, _, _ := testSampler(t)
	s.ToggleRecord(0)
	s.ToggleRecord(1) // ignored
	if s.State() != StateRecording {
		t.Fatalf("state = %v", s.State())
	}
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src != 0 {
		t.Errorf("recording source switched to %d", src)
	}

	// The original channel's toggle still stops the recording.
	s.ToggleRecord(0)
	if s.State() != StateAssignment {
		t.Errorf("state = %v, want assignment", s.State())
	}
}

func TestRecordInAssignmentIgnored(t *testing.T) {
	s, _, _ := testSampler(t)
	s.ToggleRecord(0)
	s.ToggleRecord(0)
	s.ToggleRecord(1)
	if s.State() != StateAssignment {
		t.Errorf("record toggle during assignment changed state to %v", s.State())
	}
}

func TestRecordingAutoStop(t *testing.T) {
	s, pub, now := testSampler(t)
	s.ToggleRecord(3)
	s.HandlePPG(ppgMsg(3, 0, 500), 3)

	// Just inside the cap: still recording.
	*now = now.Add(recordingCap - time.Second)
	s.CheckDeadlines()
	if s.State() != StateRecording {
		t.Fatalf("state before cap = %v", s.State())
	}

	// Past the cap: auto-stop into assignment mode.
	*now = now.Add(2 * time.Second)
	s.CheckDeadlines()
	if s.State() != StateAssignment {
		t.Fatalf("state after cap = %v, want assignment", s.State())
	}
	events := pub.statusEvents()
	last := events[len(events)-1]
	if last.kind != "assignment" || last.active != 1 {
		t.Errorf("final status = %v", last)
	}
}

func TestAssignmentExpiry(t *testing.T) {
	s, _, now := testSampler(t)
	s.ToggleRecord(0)
	s.HandlePPG(ppgMsg(0, 0, 500), 0)
	s.ToggleRecord(0)

	*now = now.Add(assignmentExpiry + time.Second)
	s.CheckDeadlines()
	if s.State() != StateIdle {
		t.Fatalf("state after expiry = %v, want idle", s.State())
	}

	// The buffer is gone: a late assign is ignored.
	s.Assign(4)
	if got := s.PlayingChannels(); len(got) != 0 {
		t.Errorf("expired buffer started playback: %v", got)
	}
}

func TestAssignReplacesPlayingChannel(t *testing.T) {
	s, pub, _ := testSampler(t)

	record := func(base int32) {
		s.ToggleRecord(0)
		s.HandlePPG(ppgMsg(0, 1000, base), 0)
		s.ToggleRecord(0)
	}

	record(100)
	s.Assign(4)
	record(3000)
	s.Assign(4)
	defer s.TogglePlayback(4)

	if got := s.PlayingChannels(); len(got) != 1 || got[0] != 4 {
		t.Fatalf("playing channels = %v, want [4]", got)
	}

	// The replacement stopped the old playback first: stop status for 4
	// precedes the second start.
	var seq []statusEvent
	for _, ev := range pub.statusEvents() {
		if ev.kind == "playback" {
			seq = append(seq, ev)
		}
	}
	if len(seq) != 3 {
		t.Fatalf("playback status sequence = %v", seq)
	}
	if seq[0].active != 1 || seq[1].active != 0 || seq[2].active != 1 {
		t.Errorf("playback sequence = %v, want start, stop, start", seq)
	}
}

func TestInvalidControlMessages(t *testing.T) {
	s, _, _ := testSampler(t)
	stats := s.stats

	msg := goosc.NewMessage("/sampler/record/toggle")
	msg.Append(int32(7)) // virtual channels cannot be recorded
	s.HandleRecordToggle(msg, -1)

	msg = goosc.NewMessage("/sampler/assign")
	msg.Append(int32(2)) // physical channels are not assignment targets
	s.HandleAssign(msg, -1)

	msg = goosc.NewMessage("/sampler/toggle")
	s.HandleToggle(msg, -1) // missing argument

	if got := stats.Get("invalid_messages"); got != 3 {
		t.Errorf("invalid_messages = %d, want 3", got)
	}
	if s.State() != StateIdle {
		t.Errorf("invalid messages changed state to %v", s.State())
	}
}
