package liveness

import (
	"log/slog"
	"time"

	"github.com/skypro1111/rtsp-session-core/internal/session"
)

// Observer receives liveness events for metrics. Any method may be a no-op.
type Observer interface {
	RecordSoftNotice()
	RecordStatusReport()
	RecordSweep(durationSeconds float64)
}

// Result summarises one sweep over a connection's sessions
type Result struct {
	Sessions int
	Soft     int
	Hard     int
	Cause    Cause // cause of the first hard timeout seen
}

// Teardown reports whether the connection must be torn down
func (r Result) Teardown() bool {
	return r.Hard > 0
}

// Monitor runs the configured policy over every session of a connection
type Monitor struct {
	policy   Policy
	logger   *slog.Logger
	observer Observer
}

// NewMonitor creates a monitor. observer may be nil.
func NewMonitor(policy Policy, logger *slog.Logger, observer Observer) *Monitor {
	return &Monitor{
		policy:   policy,
		logger:   logger,
		observer: observer,
	}
}

// Policy returns the active policy
func (m *Monitor) Policy() Policy {
	return m.policy
}

// Sweep evaluates every session. It never tears anything down itself; the
// caller turns a Teardown result into exactly one teardown request.
func (m *Monitor) Sweep(now time.Time, connID string, sessions []*session.Session, n Notifier) Result {
	start := time.Now()
	res := Result{Sessions: len(sessions)}
	notifier := &observedNotifier{next: n, monitor: m, connID: connID}

	for _, s := range sessions {
		verdict, cause := m.policy.Evaluate(now, s, notifier)
		switch verdict {
		case SoftTimedOut:
			res.Soft++
		case HardTimedOut:
			res.Hard++
			if res.Cause == CauseNone {
				res.Cause = cause
			}
			m.logger.Info("Stream timeout, client will be kicked off",
				slog.String("conn_id", connID),
				slog.String("session_id", s.ID),
				slog.String("cause", string(cause)),
				slog.Duration("idle", now.Sub(s.LastPacketSend())),
			)
		}
	}

	if m.observer != nil {
		m.observer.RecordSweep(time.Since(start).Seconds())
	}

	return res
}

// observedNotifier logs and counts notifications before handing them on
type observedNotifier struct {
	next    Notifier
	monitor *Monitor
	connID  string
}

func (o *observedNotifier) SendSoftNotice(s *session.Session) error {
	o.monitor.logger.Info("Soft stream timeout",
		slog.String("conn_id", o.connID),
		slog.String("session_id", s.ID),
		slog.String("source", s.Source.String()),
	)

	err := o.next.SendSoftNotice(s)
	if err != nil {
		o.monitor.logger.Warn("Failed to send soft notice",
			slog.String("conn_id", o.connID),
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if o.monitor.observer != nil {
		o.monitor.observer.RecordSoftNotice()
	}
	return nil
}

func (o *observedNotifier) SendStatusReport(s *session.Session) error {
	err := o.next.SendStatusReport(s)
	if err != nil {
		o.monitor.logger.Warn("Failed to send status report",
			slog.String("conn_id", o.connID),
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if o.monitor.observer != nil {
		o.monitor.observer.RecordStatusReport()
	}
	return nil
}
