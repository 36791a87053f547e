package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeOwner struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeOwner) ID() string { return "conn-1" }

func (f *fakeOwner) Enqueue(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func newTestSession(id string, channel uint8, now time.Time) *Session {
	return New(Params{
		ID:          id,
		SSRC:        0x1234,
		Source:      SourceLive,
		RTPChannel:  channel,
		RTCPChannel: channel + 1,
	}, &fakeOwner{}, now)
}

func TestNewSession(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newTestSession("a", 0, now)

	if !s.LastPacketSend().Equal(now) {
		t.Errorf("Expected last packet send %v, got %v", now, s.LastPacketSend())
	}
	if !s.LastControlRead().Equal(now) {
		t.Errorf("Expected last control read %v, got %v", now, s.LastControlRead())
	}
	if s.NoticeSent() {
		t.Error("New session should not have a notice outstanding")
	}
	if s.Owner().ID() != "conn-1" {
		t.Errorf("Expected owner conn-1, got %s", s.Owner().ID())
	}
}

func TestMarkNoticeSentOnce(t *testing.T) {
	s := newTestSession("a", 0, time.Unix(0, 0))

	if !s.MarkNoticeSent() {
		t.Fatal("First MarkNoticeSent should report a new notice")
	}
	if s.MarkNoticeSent() {
		t.Error("Second MarkNoticeSent should report no change")
	}
	if !s.NoticeSent() {
		t.Error("Expected notice flag to be set")
	}
}

func TestMarkPacketSentClearsNotice(t *testing.T) {
	start := time.Unix(0, 0)
	s := newTestSession("a", 0, start)
	s.MarkNoticeSent()

	later := start.Add(3 * time.Second)
	s.MarkPacketSent(later, 100, 9000)
	s.MarkPacketSent(later, 50, 9090)

	if s.NoticeSent() {
		t.Error("Packet delivery should clear the notice flag")
	}
	if !s.LastPacketSend().Equal(later) {
		t.Errorf("Expected last packet send %v, got %v", later, s.LastPacketSend())
	}

	packets, octets, ts := s.Counters()
	if packets != 2 || octets != 150 || ts != 9090 {
		t.Errorf("Expected counters 2/150/9090, got %d/%d/%d", packets, octets, ts)
	}
}

func TestTouchControlRead(t *testing.T) {
	start := time.Unix(0, 0)
	s := newTestSession("a", 0, start)

	s.TouchControlRead(start.Add(30 * time.Second))
	if got := s.LastControlRead(); !got.Equal(start.Add(30 * time.Second)) {
		t.Errorf("Expected control read at +30s, got %v", got)
	}

	info := s.Info()
	if info.Source != "live" || info.SSRC != 0x1234 {
		t.Errorf("Unexpected info: %+v", info)
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(0, 0)

	if err := r.Add(newTestSession("a", 0, now)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Add(newTestSession("b", 2, now)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	err := r.Add(newTestSession("a", 4, now))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}

	if r.Len() != 2 {
		t.Errorf("Expected 2 sessions, got %d", r.Len())
	}

	if _, ok := r.Get("b"); !ok {
		t.Error("Expected to find session b")
	}

	if s, ok := r.FindByChannel(3); !ok || s.ID != "b" {
		t.Errorf("Expected channel 3 to map to session b, got %v %v", s, ok)
	}
	if _, ok := r.FindByChannel(9); ok {
		t.Error("Channel 9 should not match any session")
	}

	if _, ok := r.Remove("a"); !ok {
		t.Error("Expected to remove session a")
	}
	if _, ok := r.Remove("a"); ok {
		t.Error("Second remove of session a should fail")
	}
	if len(r.Snapshot()) != 1 {
		t.Errorf("Expected snapshot of 1, got %d", len(r.Snapshot()))
	}
}

func TestRegistryRelease(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(0, 0)
	r.Add(newTestSession("a", 0, now))
	r.Add(newTestSession("b", 2, now))

	released := map[string]bool{}
	n := r.Release(func(s *Session) { released[s.ID] = true })

	if n != 2 || !released["a"] || !released["b"] {
		t.Errorf("Expected both sessions released, got n=%d %v", n, released)
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}

	if n := r.Release(func(s *Session) { t.Errorf("hook called twice for %s", s.ID) }); n != 0 {
		t.Errorf("Second release should be a no-op, got %d", n)
	}

	if err := r.Add(newTestSession("c", 4, now)); !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased after release, got %v", err)
	}
}
