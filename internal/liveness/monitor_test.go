package liveness

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skypro1111/rtsp-session-core/internal/config"
	"github.com/skypro1111/rtsp-session-core/internal/session"
)

type recordingNotifier struct {
	notices []string
	reports []string
	err     error
}

func (r *recordingNotifier) SendSoftNotice(s *session.Session) error {
	r.notices = append(r.notices, s.ID)
	return r.err
}

func (r *recordingNotifier) SendStatusReport(s *session.Session) error {
	r.reports = append(r.reports, s.ID)
	return r.err
}

type countingObserver struct {
	notices, reports, sweeps int
}

func (c *countingObserver) RecordSoftNotice()   { c.notices++ }
func (c *countingObserver) RecordStatusReport() { c.reports++ }
func (c *countingObserver) RecordSweep(float64) { c.sweeps++ }

type nopOwner struct{}

func (nopOwner) ID() string               { return "conn" }
func (nopOwner) Enqueue(msg []byte) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSession(id string, source session.SourceKind, now time.Time) *session.Session {
	return session.New(session.Params{ID: id, SSRC: 1, Source: source}, nopOwner{}, now)
}

func TestStandardSoftThenHard(t *testing.T) {
	start := time.Unix(10000, 0)
	s := newSession("live", session.SourceLive, start)
	n := &recordingNotifier{}
	m := NewMonitor(&Standard{Thresholds: DefaultThresholds()}, testLogger(), nil)

	// 7 units idle: soft notice, no teardown
	res := m.Sweep(start.Add(7*time.Second), "c1", []*session.Session{s}, n)
	if res.Teardown() {
		t.Fatal("No teardown expected after 7s idle")
	}
	if res.Soft != 1 {
		t.Errorf("Expected 1 soft timeout, got %d", res.Soft)
	}
	if len(n.notices) != 1 {
		t.Fatalf("Expected exactly 1 soft notice, got %d", len(n.notices))
	}

	// 13 units idle: teardown, no second notice
	res = m.Sweep(start.Add(13*time.Second), "c1", []*session.Session{s}, n)
	if !res.Teardown() {
		t.Fatal("Expected teardown after 13s idle")
	}
	if res.Cause != CauseStreamTimeout {
		t.Errorf("Expected stream_timeout cause, got %q", res.Cause)
	}
	if len(n.notices) != 1 {
		t.Errorf("Expected notice count to stay at 1, got %d", len(n.notices))
	}
}

func TestStandardSoftBoundaryIsInclusive(t *testing.T) {
	start := time.Unix(0, 0)
	s := newSession("live", session.SourceLive, start)
	n := &recordingNotifier{}
	m := NewMonitor(&Standard{Thresholds: DefaultThresholds()}, testLogger(), nil)

	res := m.Sweep(start.Add(6*time.Second), "c1", []*session.Session{s}, n)
	if len(n.notices) != 1 || res.Teardown() {
		t.Errorf("At exactly soft: notices=%d teardown=%v; want 1,false", len(n.notices), res.Teardown())
	}

	res = m.Sweep(start.Add(6*time.Second+500*time.Millisecond), "c1", []*session.Session{s}, n)
	if len(n.notices) != 1 {
		t.Errorf("Repeated sweeps must not resend the notice, got %d", len(n.notices))
	}
}

func TestStandardStoredSourceSkipsNotice(t *testing.T) {
	start := time.Unix(0, 0)
	s := newSession("vod", session.SourceStored, start)
	n := &recordingNotifier{}
	m := NewMonitor(&Standard{Thresholds: DefaultThresholds()}, testLogger(), nil)

	res := m.Sweep(start.Add(8*time.Second), "c1", []*session.Session{s}, n)
	if len(n.notices) != 0 || res.Soft != 0 {
		t.Errorf("Stored sources get no soft notice, got %d notices", len(n.notices))
	}

	res = m.Sweep(start.Add(12*time.Second), "c1", []*session.Session{s}, n)
	if !res.Teardown() {
		t.Error("Hard timeout applies to stored sources too")
	}
}

func TestStandardHardWithoutPriorSweep(t *testing.T) {
	start := time.Unix(0, 0)
	s := newSession("live", session.SourceLive, start)
	n := &recordingNotifier{}
	m := NewMonitor(&Standard{Thresholds: DefaultThresholds()}, testLogger(), nil)

	// First sweep lands past both thresholds: notice still precedes the kick.
	res := m.Sweep(start.Add(12*time.Second), "c1", []*session.Session{s}, n)
	if len(n.notices) != 1 {
		t.Errorf("Expected the notice to go out in the same sweep, got %d", len(n.notices))
	}
	if !res.Teardown() {
		t.Error("Expected teardown at exactly hard threshold")
	}
}

func TestSweepManySessionsSingleResult(t *testing.T) {
	start := time.Unix(0, 0)
	sessions := []*session.Session{
		newSession("a", session.SourceLive, start),
		newSession("b", session.SourceStored, start),
		newSession("c", session.SourceLive, start),
	}
	m := NewMonitor(&Standard{Thresholds: DefaultThresholds()}, testLogger(), nil)

	res := m.Sweep(start.Add(20*time.Second), "c1", sessions, &recordingNotifier{})
	if res.Hard != 3 {
		t.Errorf("Expected 3 hard timeouts, got %d", res.Hard)
	}
	if !res.Teardown() || res.Sessions != 3 {
		t.Errorf("Expected a single teardown result over 3 sessions, got %+v", res)
	}
}

func TestHeartbeatDeadPeer(t *testing.T) {
	start := time.Unix(0, 0)
	th := DefaultThresholds()
	th.HeartbeatEnabled = true
	m := NewMonitor(&Heartbeat{Thresholds: th}, testLogger(), nil)
	n := &recordingNotifier{}
	s := newSession("a", session.SourceLive, start)

	// Packets keep flowing, no control reads for 61s.
	for sec := 1; sec <= 61; sec++ {
		s.MarkPacketSent(start.Add(time.Duration(sec)*time.Second), 100, 0)
	}

	res := m.Sweep(start.Add(61*time.Second), "c1", []*session.Session{s}, n)
	if !res.Teardown() {
		t.Fatal("Expected teardown when the peer stopped reporting")
	}
	if res.Cause != CauseHeartbeatLost {
		t.Errorf("Expected heartbeat_lost, got %q", res.Cause)
	}
	if len(n.reports) != 1 {
		t.Errorf("Expected a status report before the check, got %d", len(n.reports))
	}
}

func TestHeartbeatRegularReportsKeepAlive(t *testing.T) {
	start := time.Unix(0, 0)
	th := DefaultThresholds()
	th.HeartbeatEnabled = true
	m := NewMonitor(&Heartbeat{Thresholds: th}, testLogger(), nil)
	n := &recordingNotifier{}
	s := newSession("a", session.SourceLive, start)

	// Receiver reports arrive every 30s, sweeps run every 6s.
	for sec := 0; sec <= 180; sec += 6 {
		now := start.Add(time.Duration(sec) * time.Second)
		s.MarkPacketSent(now, 100, 0)
		if sec%30 == 0 {
			s.TouchControlRead(now)
		}
		if res := m.Sweep(now, "c1", []*session.Session{s}, n); res.Teardown() {
			t.Fatalf("Unexpected teardown at %ds", sec)
		}
	}
}

func TestHeartbeatDisabledIgnoresControlReads(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewMonitor(&Heartbeat{Thresholds: DefaultThresholds()}, testLogger(), nil)
	s := newSession("a", session.SourceLive, start)
	s.MarkPacketSent(start.Add(100*time.Second), 10, 0)

	res := m.Sweep(start.Add(100*time.Second), "c1", []*session.Session{s}, &recordingNotifier{})
	if res.Teardown() {
		t.Error("Dead-peer check must be skipped when heartbeat is disabled")
	}
}

func TestHeartbeatSoftNoticeThenHard(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewMonitor(&Heartbeat{Thresholds: DefaultThresholds()}, testLogger(), nil)
	n := &recordingNotifier{}
	s := newSession("a", session.SourceLive, start)

	res := m.Sweep(start.Add(6*time.Second), "c1", []*session.Session{s}, n)
	if res.Teardown() {
		t.Fatal("No teardown expected at the soft threshold")
	}
	if res.Soft != 1 || len(n.notices) != 1 {
		t.Fatalf("Expected 1 soft notice at 6s, got soft=%d notices=%d", res.Soft, len(n.notices))
	}
	if !s.NoticeSent() {
		t.Fatal("Expected the session to be marked after the notice")
	}

	res = m.Sweep(start.Add(12*time.Second), "c1", []*session.Session{s}, n)
	if !res.Teardown() || res.Cause != CauseStreamTimeout {
		t.Errorf("Expected stream_timeout teardown at 12s, got %+v", res)
	}
	if len(n.notices) != 1 {
		t.Errorf("Expected notice count to stay at 1, got %d", len(n.notices))
	}
	if len(n.reports) != 1 {
		t.Errorf("No status report once the session is kicked, got %d", len(n.reports))
	}
}

func TestHeartbeatStalledLiveSessionIsReclaimed(t *testing.T) {
	start := time.Unix(0, 0)
	cfg := config.Default().Liveness
	cfg.Policy = config.PolicyHeartbeat
	m := NewMonitor(NewPolicy(cfg), testLogger(), nil)
	n := &recordingNotifier{}
	s := newSession("a", session.SourceLive, start)

	// Sweeps at the hard interval with no packets sent at all.
	var res Result
	for sec := 12; sec <= 120; sec += 12 {
		res = m.Sweep(start.Add(time.Duration(sec)*time.Second), "c1", []*session.Session{s}, n)
		if res.Teardown() {
			if sec != 12 {
				t.Errorf("Expected teardown on the first sweep, got it at %ds", sec)
			}
			break
		}
	}
	if !res.Teardown() || res.Cause != CauseStreamTimeout {
		t.Fatalf("Expected stalled live session to be torn down, got %+v", res)
	}
	if len(n.notices) != 1 {
		t.Errorf("Expected exactly 1 soft notice, got %d", len(n.notices))
	}
}

func TestHeartbeatPacketsResetNotice(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewMonitor(&Heartbeat{Thresholds: DefaultThresholds()}, testLogger(), nil)
	n := &recordingNotifier{}
	s := newSession("a", session.SourceLive, start)

	m.Sweep(start.Add(7*time.Second), "c1", []*session.Session{s}, n)
	s.MarkPacketSent(start.Add(8*time.Second), 100, 0)

	res := m.Sweep(start.Add(13*time.Second), "c1", []*session.Session{s}, n)
	if res.Teardown() {
		t.Error("Packets resumed, no teardown expected")
	}
	if s.NoticeSent() {
		t.Error("Expected the notice flag to be cleared by a sent packet")
	}
}

func TestObserverAndNotifierErrors(t *testing.T) {
	start := time.Unix(0, 0)
	obs := &countingObserver{}
	m := NewMonitor(&Standard{Thresholds: DefaultThresholds()}, testLogger(), obs)

	m.Sweep(start.Add(7*time.Second), "c1", []*session.Session{newSession("a", session.SourceLive, start)}, &recordingNotifier{})
	if obs.notices != 1 || obs.sweeps != 1 {
		t.Errorf("Expected 1 notice and 1 sweep recorded, got %+v", obs)
	}

	failing := &recordingNotifier{err: errors.New("queue closed")}
	m.Sweep(start.Add(7*time.Second), "c1", []*session.Session{newSession("b", session.SourceLive, start)}, failing)
	if obs.notices != 1 {
		t.Errorf("Failed notices must not be counted, got %d", obs.notices)
	}
}

func TestNewPolicy(t *testing.T) {
	cfg := config.Default().Liveness
	if p := NewPolicy(cfg); p.Name() != config.PolicyStandard {
		t.Errorf("Expected standard policy, got %s", p.Name())
	}

	cfg.Policy = config.PolicyHeartbeat
	cfg.HeartbeatEnabled = true
	p := NewPolicy(cfg)
	hb, ok := p.(*Heartbeat)
	if !ok {
		t.Fatalf("Expected *Heartbeat, got %T", p)
	}
	if !hb.HeartbeatEnabled || hb.Heartbeat != time.Minute || hb.Hard != 12*time.Second {
		t.Errorf("Unexpected thresholds: %+v", hb.Thresholds)
	}
}
