package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/skypro1111/rtsp-session-core/internal/liveness"
	"github.com/skypro1111/rtsp-session-core/internal/session"
)

// ErrClosed is returned when enqueueing on a connection that has begun teardown
var ErrClosed = errors.New("connection closed")

const defaultReadBufferSize = 4096

// Handler consumes complete frames from the inbound buffer. Bytes of a
// partial frame must be left in the buffer for the next call.
type Handler interface {
	HandleInput(c *Conn, in *bytes.Buffer) error
}

// Delivery is the media-delivery collaborator of a connection
type Delivery interface {
	liveness.Notifier
	ReleaseSession(s *session.Session)
}

// TeardownFunc runs once per connection, after every owned resource is released
type TeardownFunc func(c *Conn, reason Reason)

// Options configures a connection
type Options struct {
	ID             string // generated when empty
	ReadBufferSize int
	MaxInputSize   int // 0 disables the limit
	WriteTimeout   time.Duration
	SweepInterval  time.Duration
	Monitor        *liveness.Monitor
	Handler        Handler
	Delivery       Delivery
	Logger         *slog.Logger
	Now            func() time.Time
	OnTeardown     TeardownFunc
}

// State is the lifecycle stage of a connection
type State string

const (
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Info is a point-in-time view of a connection
type Info struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	AcceptedAt time.Time `json:"accepted_at"`
	State      State     `json:"state"`
	Sessions   int       `json:"sessions"`
	Queued     int       `json:"queued"`
	BytesIn    uint64    `json:"bytes_in"`
	BytesOut   uint64    `json:"bytes_out"`
	Reason     Reason    `json:"reason,omitempty"`
}

// Conn is one client's control connection. All socket I/O, the inbound
// buffer and the teardown path run on the goroutine executing Run.
type Conn struct {
	id         string
	remoteAddr string
	acceptedAt time.Time

	nc       net.Conn
	opts     Options
	logger   *slog.Logger
	registry *session.Registry

	input bytes.Buffer

	outMu   sync.Mutex
	out     *queue.Queue
	pending []byte // unsent tail of a partially written message
	closed  bool

	kick       chan struct{}
	teardown   chan Reason
	armed      atomic.Bool
	started    atomic.Bool
	stop       chan struct{}
	readerDone chan struct{}
	done       chan struct{}

	reason   atomic.Value
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// New wraps an accepted transport handle. The connection does nothing until Run.
func New(nc net.Conn, opts Options) *Conn {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	remote := ""
	if addr := nc.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Conn{
		id:         opts.ID,
		remoteAddr: remote,
		acceptedAt: opts.Now(),
		nc:         nc,
		opts:       opts,
		logger:     opts.Logger.With(slog.String("conn_id", opts.ID)),
		registry:   session.NewRegistry(),
		out:        queue.New(),
		kick:       make(chan struct{}, 1),
		teardown:   make(chan Reason, 1),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the connection identifier
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Registry returns the connection's session registry
func (c *Conn) Registry() *session.Registry {
	return c.registry
}

// Sessions returns a snapshot of the active sessions
func (c *Conn) Sessions() []*session.Session {
	return c.registry.Snapshot()
}

// AddSession creates a session delivering through this connection
func (c *Conn) AddSession(p session.Params) (*session.Session, error) {
	s := session.New(p, c, c.opts.Now())
	if err := c.registry.Add(s); err != nil {
		return nil, err
	}

	c.logger.Debug("Session added",
		slog.String("session_id", s.ID),
		slog.String("source", s.Source.String()),
	)
	return s, nil
}

// Enqueue appends a message to the outbound FIFO and wakes the writer
func (c *Conn) Enqueue(msg []byte) error {
	buf := make([]byte, len(msg))
	copy(buf, msg)

	c.outMu.Lock()
	if c.closed {
		c.outMu.Unlock()
		return ErrClosed
	}
	c.out.Add(buf)
	c.outMu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// RequestTeardown arms the connection's teardown. Only the first request is
// admitted; it returns false for every later one.
func (c *Conn) RequestTeardown(reason Reason) bool {
	if !c.armed.CompareAndSwap(false, true) {
		return false
	}
	c.teardown <- reason
	return true
}

// Fail logs a fatal per-connection error and requests teardown
func (c *Conn) Fail(reason Reason, err error) {
	if !c.RequestTeardown(reason) {
		return
	}
	c.logger.Warn("Connection error",
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()),
	)
}

// Done is closed once teardown has completed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Reason returns the teardown reason, empty while the connection is open
func (c *Conn) Reason() Reason {
	r, _ := c.reason.Load().(Reason)
	return r
}

// State returns the lifecycle stage
func (c *Conn) State() State {
	select {
	case <-c.done:
		return StateClosed
	default:
	}
	if c.armed.Load() {
		return StateClosing
	}
	return StateOpen
}

// Info returns a snapshot for the admin API
func (c *Conn) Info() Info {
	c.outMu.Lock()
	queued := c.out.Length()
	if c.pending != nil {
		queued++
	}
	c.outMu.Unlock()

	return Info{
		ID:         c.id,
		RemoteAddr: c.remoteAddr,
		AcceptedAt: c.acceptedAt,
		State:      c.State(),
		Sessions:   c.registry.Len(),
		Queued:     queued,
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		Reason:     c.Reason(),
	}
}

// Run drives the connection until teardown and returns the teardown reason.
// Cancelling ctx requests teardown with ReasonServerShutdown.
func (c *Conn) Run(ctx context.Context) Reason {
	if !c.started.CompareAndSwap(false, true) {
		<-c.done
		return c.Reason()
	}

	reads := make(chan event)
	go c.readLoop(reads)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if c.opts.Monitor != nil && c.opts.SweepInterval > 0 {
		ticker = time.NewTicker(c.opts.SweepInterval)
		tick = ticker.C
	}

	for {
		// A pending teardown is handled before any other ready event.
		select {
		case reason := <-c.teardown:
			c.shutdown(ticker, reason)
			return reason
		default:
		}

		var ev event
		select {
		case reason := <-c.teardown:
			ev = event{kind: TeardownRequested, reason: reason}
		case ev = <-reads:
		case <-c.kick:
			ev = event{kind: Writable}
		case <-tick:
			ev = event{kind: TimerFired}
		case <-ctx.Done():
			c.RequestTeardown(ReasonServerShutdown)
			continue
		}

		if ev.kind == TeardownRequested {
			c.shutdown(ticker, ev.reason)
			return ev.reason
		}
		c.dispatch(ev)
	}
}

// dispatch handles one event. A panic in a collaborator fails this connection only.
func (c *Conn) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from panic",
				slog.String("event", ev.kind.String()),
				slog.Any("panic", r),
			)
			c.Fail(ReasonProtocolError, fmt.Errorf("panic handling %s: %v", ev.kind, r))
		}
	}()

	switch ev.kind {
	case Readable:
		if ev.err != nil {
			c.onReadError(ev.err)
			return
		}
		c.onReadable(ev.data)
	case Writable:
		if err := c.flush(); err != nil {
			c.Fail(ReasonWriteError, err)
		}
	case TimerFired:
		c.onTimer()
	}
}

func (c *Conn) onReadable(data []byte) {
	c.bytesIn.Add(uint64(len(data)))
	c.input.Write(data)

	if c.opts.MaxInputSize > 0 && c.input.Len() > c.opts.MaxInputSize {
		c.Fail(ReasonProtocolError, fmt.Errorf("inbound buffer exceeds %d bytes", c.opts.MaxInputSize))
		return
	}

	if c.opts.Handler == nil {
		c.input.Reset()
		return
	}

	if err := c.opts.Handler.HandleInput(c, &c.input); err != nil {
		c.Fail(ReasonProtocolError, err)
	}
}

func (c *Conn) onReadError(err error) {
	if errors.Is(err, io.EOF) {
		c.logger.Debug("Peer closed connection")
		c.RequestTeardown(ReasonPeerClosed)
		return
	}
	c.Fail(ReasonReadError, err)
}

func (c *Conn) onTimer() {
	if c.opts.Monitor != nil {
		res := c.opts.Monitor.Sweep(c.opts.Now(), c.id, c.registry.Snapshot(), c.delivery())
		if res.Teardown() {
			c.RequestTeardown(ReasonFromCause(res.Cause))
			return
		}
	}

	// Retry output left behind by a timed-out write.
	if err := c.flush(); err != nil {
		c.Fail(ReasonWriteError, err)
	}
}

func (c *Conn) readLoop(events chan<- event) {
	defer close(c.readerDone)

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case events <- event{kind: Readable, data: data}:
			case <-c.stop:
				return
			}
		}
		if err != nil {
			select {
			case events <- event{kind: Readable, err: err}:
			case <-c.stop:
			}
			return
		}
	}
}

// flush writes queued messages until the queue is empty or a write times out
func (c *Conn) flush() error {
	for {
		msg := c.nextOutbound()
		if msg == nil {
			return nil
		}

		if c.opts.WriteTimeout > 0 {
			_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		}

		n, err := c.nc.Write(msg)
		c.bytesOut.Add(uint64(n))
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.keepRemainder(msg[n:])
				c.logger.Debug("Write timed out, output deferred", slog.Int("remaining", len(msg)-n))
				return nil
			}
			return fmt.Errorf("write failed: %w", err)
		}
	}
}

func (c *Conn) nextOutbound() []byte {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.pending != nil {
		msg := c.pending
		c.pending = nil
		return msg
	}
	if c.out.Length() == 0 {
		return nil
	}
	return c.out.Remove().([]byte)
}

func (c *Conn) keepRemainder(rest []byte) {
	c.outMu.Lock()
	c.pending = rest
	c.outMu.Unlock()
}

// shutdown is the teardown dispatcher. Event sources are stopped before any
// owned resource is released.
func (c *Conn) shutdown(ticker *time.Ticker, reason Reason) {
	c.reason.Store(reason)

	if ticker != nil {
		ticker.Stop()
	}
	close(c.stop)

	c.outMu.Lock()
	c.closed = true
	c.outMu.Unlock()

	_ = c.nc.Close()
	<-c.readerDone

	released := c.registry.Release(c.releaseSession)
	dropped := c.drainOutbound()
	c.input.Reset()

	if c.opts.OnTeardown != nil {
		c.opts.OnTeardown(c, reason)
	}

	c.logger.Info("Connection removed",
		slog.String("remote_addr", c.remoteAddr),
		slog.String("reason", string(reason)),
		slog.Int("sessions", released),
		slog.Int("dropped_messages", dropped),
		slog.Uint64("bytes_in", c.bytesIn.Load()),
		slog.Uint64("bytes_out", c.bytesOut.Load()),
	)

	close(c.done)
}

func (c *Conn) drainOutbound() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	dropped := 0
	if c.pending != nil {
		c.pending = nil
		dropped++
	}
	for c.out.Length() > 0 {
		c.out.Remove()
		dropped++
	}
	return dropped
}

func (c *Conn) releaseSession(s *session.Session) {
	if c.opts.Delivery != nil {
		c.opts.Delivery.ReleaseSession(s)
	}
}

func (c *Conn) delivery() liveness.Notifier {
	if c.opts.Delivery == nil {
		return nopNotifier{}
	}
	return c.opts.Delivery
}

type nopNotifier struct{}

func (nopNotifier) SendSoftNotice(*session.Session) error   { return nil }
func (nopNotifier) SendStatusReport(*session.Session) error { return nil }
