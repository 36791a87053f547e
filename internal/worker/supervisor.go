package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"
)

// SlotState is the lifecycle stage of a worker slot
type SlotState string

const (
	SlotReserved SlotState = "reserved"
	SlotRunning  SlotState = "running"
	SlotReaped   SlotState = "reaped"
)

// Slot is the bookkeeping for one child process
type Slot struct {
	ID         uint64    `json:"id"`
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	PID        int       `json:"pid,omitempty"`
	RTPPort    int       `json:"rtp_port"`
	RTCPPort   int       `json:"rtcp_port"`
	State      SlotState `json:"state"`
	ReservedAt time.Time `json:"reserved_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Observer receives supervisor events for metrics. Any method may be a no-op.
type Observer interface {
	RecordWorkerSpawned()
	RecordWorkerSpawnFailed()
	RecordWorkerReaped(clean bool)
	SetActiveWorkers(n int)
}

// Options configures a supervisor
type Options struct {
	Ports        *PortPool
	Reaper       Reaper
	PollInterval time.Duration
	Logger       *slog.Logger
	Observer     Observer
	// OnReap runs once for every reaped slot, after its ports are released
	OnReap func(slot Slot, exit Exit)
	Now    func() time.Time
}

// earlyExit is a reaped child whose spawner has not called Attach yet
type earlyExit struct {
	exit Exit
	at   time.Time
}

// Supervisor tracks worker slots and reclaims them when children exit
type Supervisor struct {
	mu     sync.Mutex
	nextID uint64
	slots  map[uint64]*Slot
	byPID  map[int]*Slot
	early  map[int]earlyExit

	opts   Options
	logger *slog.Logger
}

// NewSupervisor creates a supervisor
func NewSupervisor(opts Options) *Supervisor {
	if opts.Reaper == nil {
		opts.Reaper = NewReaper()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Supervisor{
		slots:  make(map[uint64]*Slot),
		byPID:  make(map[int]*Slot),
		early:  make(map[int]earlyExit),
		opts:   opts,
		logger: opts.Logger,
	}
}

// Reserve claims a slot and a port pair for a connection about to be spawned
func (s *Supervisor) Reserve(connID, remoteAddr string) (Slot, error) {
	port, err := s.opts.Ports.Acquire()
	if err != nil {
		return Slot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	slot := &Slot{
		ID:         s.nextID,
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		RTPPort:    port,
		RTCPPort:   port + 1,
		State:      SlotReserved,
		ReservedAt: time.Now(),
	}
	s.slots[slot.ID] = slot
	return *slot, nil
}

// Attach records the pid of a successfully spawned child. A child that was
// already reaped before Attach is reclaimed immediately.
func (s *Supervisor) Attach(id uint64, pid int) error {
	s.mu.Lock()
	slot, ok := s.slots[id]
	if !ok {
		s.mu.Unlock()
		return errors.New("unknown worker slot")
	}
	slot.PID = pid
	slot.State = SlotRunning
	slot.StartedAt = time.Now()
	s.byPID[pid] = slot
	active := len(s.byPID)
	early, exited := s.early[pid]
	delete(s.early, pid)
	s.mu.Unlock()

	s.logger.Info("Worker started",
		slog.Int("pid", pid),
		slog.String("conn_id", slot.ConnID),
		slog.Int("rtp_port", slot.RTPPort),
	)

	if s.opts.Observer != nil {
		s.opts.Observer.RecordWorkerSpawned()
		s.opts.Observer.SetActiveWorkers(active)
	}

	if exited {
		s.reclaim(early.exit)
	}
	return nil
}

// Cancel releases a slot whose child could not be spawned
func (s *Supervisor) Cancel(id uint64) {
	s.mu.Lock()
	slot, ok := s.slots[id]
	if ok {
		delete(s.slots, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.opts.Ports.Release(slot.RTPPort)

	if s.opts.Observer != nil {
		s.opts.Observer.RecordWorkerSpawnFailed()
	}
}

// Poll reaps every exited child and reclaims its slot. It never blocks and
// returns the number of slots reclaimed.
func (s *Supervisor) Poll() int {
	s.pruneEarly()

	exits, err := s.opts.Reaper.Reap()
	if err != nil {
		s.logger.Warn("Failed to reap workers", slog.String("error", err.Error()))
	}

	reclaimed := 0
	for _, exit := range exits {
		if s.reclaim(exit) {
			reclaimed++
		}
	}
	return reclaimed
}

func (s *Supervisor) reclaim(exit Exit) bool {
	s.mu.Lock()
	slot, ok := s.byPID[exit.PID]
	if ok {
		delete(s.byPID, exit.PID)
		delete(s.slots, slot.ID)
		slot.State = SlotReaped
	} else if s.reservedLocked() {
		// The child may exit before its spawner calls Attach.
		s.early[exit.PID] = earlyExit{exit: exit, at: s.opts.Now()}
	}
	active := len(s.byPID)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Reaped child without a running slot", slog.Int("pid", exit.PID))
		return false
	}

	s.opts.Ports.Release(slot.RTPPort)

	s.logger.Info("Worker reaped",
		slog.Int("pid", exit.PID),
		slog.String("conn_id", slot.ConnID),
		slog.Int("status", exit.Status),
		slog.Bool("clean", exit.Clean()),
		slog.String("signal", exit.Signal),
	)

	if s.opts.Observer != nil {
		s.opts.Observer.RecordWorkerReaped(exit.Clean())
		s.opts.Observer.SetActiveWorkers(active)
	}
	if s.opts.OnReap != nil {
		s.opts.OnReap(*slot, exit)
	}
	return true
}

// reservedLocked reports whether any slot is waiting for Attach
func (s *Supervisor) reservedLocked() bool {
	for _, slot := range s.slots {
		if slot.State == SlotReserved {
			return true
		}
	}
	return false
}

// pruneEarly forgets parked exits nobody attached within one poll interval
func (s *Supervisor) pruneEarly() {
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, e := range s.early {
		if now.Sub(e.at) > s.opts.PollInterval {
			delete(s.early, pid)
		}
	}
}

// Run polls on a fixed interval until ctx is cancelled. A child-exit signal
// only wakes the loop early; reaping always happens here.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	wake := make(chan os.Signal, 1)
	if sigs := childSignals(); len(sigs) > 0 {
		signal.Notify(wake, sigs...)
		defer signal.Stop(wake)
	}

	s.logger.Info("Worker supervisor started", slog.Duration("poll_interval", s.opts.PollInterval))

	for {
		select {
		case <-ctx.Done():
			s.Poll()
			s.logger.Info("Worker supervisor stopped")
			return
		case <-ticker.C:
			s.Poll()
		case <-wake:
			s.Poll()
		}
	}
}

// Slots returns a snapshot ordered by slot ID
func (s *Supervisor) Slots() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := make([]Slot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, *slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].ID < slots[j].ID
	})
	return slots
}

// Active returns the number of running children
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPID)
}
