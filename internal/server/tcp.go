package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/rtsp-session-core/internal/admission"
	"github.com/skypro1111/rtsp-session-core/internal/config"
	"github.com/skypro1111/rtsp-session-core/internal/conn"
	"github.com/skypro1111/rtsp-session-core/internal/delivery"
	"github.com/skypro1111/rtsp-session-core/internal/liveness"
	"github.com/skypro1111/rtsp-session-core/internal/metrics"
	"github.com/skypro1111/rtsp-session-core/internal/protocol"
	"github.com/skypro1111/rtsp-session-core/internal/worker"
)

// acceptRetryDelay bounds the accept loop after a transient failure
const acceptRetryDelay = 50 * time.Millisecond

// Options configures the acceptor. Zero-valued collaborators get defaults.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Handler  conn.Handler
	Delivery conn.Delivery

	// Isolation mode only
	Spawner worker.Spawner
	Reaper  worker.Reaper

	// Listen creates the control listener
	Listen func(network, address string) (net.Listener, error)
}

// Server accepts control connections and owns the process-wide admission gate
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gate     *admission.Gate
	monitor  *liveness.Monitor
	handler  conn.Handler
	delivery conn.Delivery
	listen   func(network, address string) (net.Listener, error)

	supervisor *worker.Supervisor
	spawner    worker.Spawner

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*conn.Conn

	startTime time.Time
}

// Stats summarises the acceptor state
type Stats struct {
	Connections    int    `json:"connections"`
	MaxConnections int    `json:"max_connections"`
	Workers        int    `json:"workers"`
	Isolation      bool   `json:"isolation"`
	Policy         string `json:"liveness_policy"`
	Uptime         string `json:"uptime"`
}

// New creates the acceptor. It returns an error when isolation is requested
// but cannot be set up.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		gate:      admission.New(cfg.Server.MaxConnections),
		monitor:   liveness.NewMonitor(liveness.NewPolicy(cfg.Liveness), logger, m),
		handler:   opts.Handler,
		delivery:  opts.Delivery,
		listen:    opts.Listen,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*conn.Conn),
		startTime: time.Now(),
	}

	if s.handler == nil {
		s.handler = protocol.NewResponder(logger, cfg.Server.MaxInputSize)
	}
	if s.delivery == nil {
		s.delivery = delivery.NewRTCP(logger, cname())
	}
	if s.listen == nil {
		s.listen = net.Listen
	}

	if cfg.Worker.Isolation {
		if err := s.initIsolation(opts); err != nil {
			cancel()
			return nil, err
		}
	}

	return s, nil
}

func (s *Server) initIsolation(opts Options) error {
	reaper := opts.Reaper
	if reaper == nil {
		if !worker.Supported() {
			return worker.ErrUnsupported
		}
		reaper = worker.NewReaper()
	}
	if opts.Spawner == nil {
		return errors.New("process isolation requires a worker spawner")
	}

	ports, err := worker.NewPortPool(s.cfg.Worker.RTPPortMin, s.cfg.Worker.RTPPortMax)
	if err != nil {
		return fmt.Errorf("failed to create port pool: %w", err)
	}

	s.spawner = opts.Spawner
	s.supervisor = worker.NewSupervisor(worker.Options{
		Ports:        ports,
		Reaper:       reaper,
		PollInterval: s.cfg.Worker.GetPollIntervalDuration(),
		Logger:       s.logger,
		Observer:     s.metrics,
		OnReap:       s.onWorkerReaped,
	})
	return nil
}

// Start listens on the configured address and accepts in the background
func (s *Server) Start() error {
	ln, err := s.listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Address(), err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Serve(ln)
	}()
	return nil
}

// Serve accepts connections from ln until the server stops
func (s *Server) Serve(ln net.Listener) {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.supervisor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.supervisor.Run(s.ctx)
		}()
	}

	s.logger.Info("Control server started",
		slog.String("address", ln.Addr().String()),
		slog.Int("max_connections", s.gate.Cap()),
		slog.Bool("isolation", s.supervisor != nil),
		slog.String("liveness_policy", s.monitor.Policy().Name()),
	)

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.metrics.RecordAcceptError()
			s.logger.Warn("Accept failed", slog.String("error", err.Error()))
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.Admit(nc)
	}
}

// Addr returns the listener address, nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Admit applies the admission cap to a freshly accepted transport handle.
// A rejected handle is closed before Admit returns.
func (s *Server) Admit(nc net.Conn) bool {
	ok, count := s.gate.TryAcquire()
	if !ok {
		_ = nc.Close()
		s.metrics.RecordRejected()
		s.logger.Info("Connection rejected, admission cap reached",
			slog.String("remote_addr", remoteAddr(nc)),
			slog.Int("connections", count),
			slog.Int("max_connections", s.gate.Cap()),
		)
		return false
	}

	if s.supervisor != nil {
		return s.spawnWorker(nc, count)
	}

	c := s.startConn(s.ctx, nc, "")
	s.metrics.RecordAccepted(count)
	s.logger.Info("Connection admitted",
		slog.String("conn_id", c.ID()),
		slog.String("remote_addr", c.RemoteAddr()),
		slog.Int("connections", count),
	)
	return true
}

// Adopt runs an already accepted handle as this process's connection and
// blocks until its teardown completes. Worker processes use it.
func (s *Server) Adopt(ctx context.Context, nc net.Conn, connID string) (conn.Reason, error) {
	ok, count := s.gate.TryAcquire()
	if !ok {
		_ = nc.Close()
		return "", errors.New("admission cap reached")
	}

	c := s.startConn(ctx, nc, connID)
	s.metrics.RecordAccepted(count)
	s.logger.Info("Connection adopted",
		slog.String("conn_id", c.ID()),
		slog.String("remote_addr", c.RemoteAddr()),
		slog.Int("pid", os.Getpid()),
	)

	<-c.Done()
	return c.Reason(), nil
}

func (s *Server) startConn(ctx context.Context, nc net.Conn, id string) *conn.Conn {
	c := conn.New(nc, conn.Options{
		ID:             id,
		ReadBufferSize: s.cfg.Server.ReadBufferSize,
		MaxInputSize:   s.cfg.Server.MaxInputSize,
		WriteTimeout:   s.cfg.Server.GetWriteTimeoutDuration(),
		SweepInterval:  s.cfg.Liveness.GetSweepIntervalDuration(),
		Monitor:        s.monitor,
		Handler:        s.handler,
		Delivery:       s.delivery,
		Logger:         s.logger,
		OnTeardown:     s.onTeardown,
	})

	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.Run(ctx)
	}()
	return c
}

// onTeardown runs exactly once per admitted in-process connection
func (s *Server) onTeardown(c *conn.Conn, reason conn.Reason) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()

	count, err := s.gate.Release()
	if err != nil {
		s.logger.Error("Admission counter out of balance",
			slog.String("conn_id", c.ID()),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.RecordTeardown(string(reason), count, time.Since(c.Info().AcceptedAt).Seconds())
}

func (s *Server) spawnWorker(nc net.Conn, count int) bool {
	connID := uuid.NewString()
	remote := remoteAddr(nc)

	slot, err := s.supervisor.Reserve(connID, remote)
	if err != nil {
		_ = nc.Close()
		s.releaseGate()
		s.logger.Warn("Failed to reserve worker slot",
			slog.String("remote_addr", remote),
			slog.String("error", err.Error()),
		)
		return false
	}

	pid, err := s.spawn(nc, slot)

	// The child owns the socket now; the parent's copy is always closed.
	_ = nc.Close()

	if err != nil && pid <= 0 {
		s.supervisor.Cancel(slot.ID)
		s.releaseGate()
		s.logger.Error("Failed to spawn worker, connection dropped",
			slog.String("conn_id", connID),
			slog.String("remote_addr", remote),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err != nil {
		s.logger.Warn("Worker started with errors",
			slog.String("conn_id", connID),
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
	}

	if err := s.supervisor.Attach(slot.ID, pid); err != nil {
		s.logger.Error("Failed to attach worker", slog.Int("pid", pid), slog.String("error", err.Error()))
	}

	s.metrics.RecordAccepted(count)
	s.logger.Info("Connection admitted",
		slog.String("conn_id", connID),
		slog.String("remote_addr", remote),
		slog.Int("connections", count),
		slog.Int("pid", pid),
	)
	return true
}

func (s *Server) spawn(nc net.Conn, slot worker.Slot) (int, error) {
	fc, ok := nc.(interface{ File() (*os.File, error) })
	if !ok {
		return 0, fmt.Errorf("connection type %T cannot be passed to a worker", nc)
	}

	f, err := fc.File()
	if err != nil {
		return 0, fmt.Errorf("failed to duplicate socket: %w", err)
	}
	defer f.Close()

	return s.spawner.Spawn(f, slot)
}

// onWorkerReaped mirrors the decrement the child performed in its own process
func (s *Server) onWorkerReaped(slot worker.Slot, exit worker.Exit) {
	s.releaseGate()
}

func (s *Server) releaseGate() {
	count, err := s.gate.Release()
	if err != nil {
		s.logger.Error("Admission counter out of balance", slog.String("error", err.Error()))
		return
	}
	s.metrics.SetActiveConnections(count)
}

// Stop closes the listener, tears down every connection and waits for all
// of them to finish or for ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control server...")

	s.cancel()

	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Error closing listener", slog.String("error", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for connections: %w", ctx.Err())
	}

	s.logger.Info("Control server stopped",
		slog.Int("connections", s.gate.Count()),
		slog.Duration("uptime", time.Since(s.startTime)),
	)
	return nil
}

// Connections returns connection snapshots ordered by admission time
func (s *Server) Connections() []conn.Info {
	s.mu.RLock()
	infos := make([]conn.Info, 0, len(s.conns))
	for _, c := range s.conns {
		infos = append(infos, c.Info())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].AcceptedAt.Before(infos[j].AcceptedAt)
	})
	return infos
}

// Conn looks up an in-process connection by ID
func (s *Server) Conn(id string) (*conn.Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conns[id]
	return c, ok
}

// Kick requests teardown of a connection. It reports whether the connection
// exists; a connection already being torn down counts as found.
func (s *Server) Kick(id string) bool {
	c, ok := s.Conn(id)
	if !ok {
		return false
	}
	if c.RequestTeardown(conn.ReasonAdminKick) {
		s.logger.Info("Connection kick requested", slog.String("conn_id", id))
	}
	return true
}

// Workers returns the worker slots, empty when isolation is off
func (s *Server) Workers() []worker.Slot {
	if s.supervisor == nil {
		return []worker.Slot{}
	}
	return s.supervisor.Slots()
}

// Stats returns a summary of the acceptor state
func (s *Server) Stats() Stats {
	workers := 0
	if s.supervisor != nil {
		workers = s.supervisor.Active()
	}

	return Stats{
		Connections:    s.gate.Count(),
		MaxConnections: s.gate.Cap(),
		Workers:        workers,
		Isolation:      s.supervisor != nil,
		Policy:         s.monitor.Policy().Name(),
		Uptime:         time.Since(s.startTime).String(),
	}
}

func remoteAddr(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func cname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return ServiceName + "@" + host
}
