package liveness

import (
	"time"

	"github.com/skypro1111/rtsp-session-core/internal/config"
	"github.com/skypro1111/rtsp-session-core/internal/session"
)

// Verdict classifies one session on one sweep
type Verdict int

const (
	Healthy Verdict = iota
	SoftTimedOut
	HardTimedOut
)

// String returns the verdict name
func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case SoftTimedOut:
		return "soft_timeout"
	case HardTimedOut:
		return "hard_timeout"
	default:
		return "unknown"
	}
}

// Cause names why a hard timeout was declared
type Cause string

const (
	CauseNone          Cause = ""
	CauseStreamTimeout Cause = "stream_timeout"
	CauseHeartbeatLost Cause = "heartbeat_lost"
)

// Notifier sends control-plane notifications over a session's delivery channel
type Notifier interface {
	SendSoftNotice(s *session.Session) error
	SendStatusReport(s *session.Session) error
}

// Policy decides the verdict for a single session
type Policy interface {
	Name() string
	Evaluate(now time.Time, s *session.Session, n Notifier) (Verdict, Cause)
}

// Thresholds holds the idle limits shared by both policies
type Thresholds struct {
	Soft             time.Duration
	Hard             time.Duration
	Heartbeat        time.Duration
	HeartbeatEnabled bool
}

// softRule sends one notice per idle episode to a live source past the soft
// threshold.
func (t Thresholds) softRule(idle time.Duration, s *session.Session, n Notifier) Verdict {
	if s.Source != session.SourceLive || idle < t.Soft {
		return Healthy
	}
	if s.MarkNoticeSent() {
		_ = n.SendSoftNotice(s)
	}
	return SoftTimedOut
}

// DefaultThresholds returns 6s soft, 12s hard and a 60s dead-peer limit
func DefaultThresholds() Thresholds {
	return Thresholds{
		Soft:      6 * time.Second,
		Hard:      12 * time.Second,
		Heartbeat: 60 * time.Second,
	}
}

// Standard warns idle live sources with a soft notice and drops any session idle
// past the hard threshold.
type Standard struct {
	Thresholds
}

// Name returns the policy name
func (p *Standard) Name() string {
	return config.PolicyStandard
}

// Evaluate applies the soft/hard rule to one session
func (p *Standard) Evaluate(now time.Time, s *session.Session, n Notifier) (Verdict, Cause) {
	idle := now.Sub(s.LastPacketSend())
	verdict := p.softRule(idle, s, n)

	// Hard timeout applies regardless of source kind or notice state.
	if idle >= p.Hard {
		return HardTimedOut, CauseStreamTimeout
	}

	return verdict, CauseNone
}

// Heartbeat warns idle live sources like Standard but only drops a session past
// the hard threshold once it has been warned. Every other sweep sends a status
// report and, when enabled, drops peers that stopped acknowledging them.
type Heartbeat struct {
	Thresholds
}

// Name returns the policy name
func (p *Heartbeat) Name() string {
	return config.PolicyHeartbeat
}

// Evaluate applies the soft rule, then the notice/heartbeat rule
func (p *Heartbeat) Evaluate(now time.Time, s *session.Session, n Notifier) (Verdict, Cause) {
	idle := now.Sub(s.LastPacketSend())
	verdict := p.softRule(idle, s, n)

	if s.NoticeSent() && idle >= p.Hard {
		return HardTimedOut, CauseStreamTimeout
	}

	_ = n.SendStatusReport(s)

	if p.HeartbeatEnabled && now.Sub(s.LastControlRead()) >= p.Heartbeat {
		return HardTimedOut, CauseHeartbeatLost
	}

	return verdict, CauseNone
}

// NewPolicy builds the policy selected in configuration
func NewPolicy(cfg config.LivenessConfig) Policy {
	th := Thresholds{
		Soft:             cfg.GetSoftTimeoutDuration(),
		Hard:             cfg.GetHardTimeoutDuration(),
		Heartbeat:        cfg.GetHeartbeatTimeoutDuration(),
		HeartbeatEnabled: cfg.HeartbeatEnabled,
	}

	if cfg.Policy == config.PolicyHeartbeat {
		return &Heartbeat{Thresholds: th}
	}
	return &Standard{Thresholds: th}
}
