package conn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/rtsp-session-core/internal/liveness"
	"github.com/skypro1111/rtsp-session-core/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeDelivery struct {
	mu       sync.Mutex
	notices  int
	reports  int
	released []string
}

func (f *fakeDelivery) SendSoftNotice(*session.Session) error {
	f.mu.Lock()
	f.notices++
	f.mu.Unlock()
	return nil
}

func (f *fakeDelivery) SendStatusReport(*session.Session) error {
	f.mu.Lock()
	f.reports++
	f.mu.Unlock()
	return nil
}

func (f *fakeDelivery) ReleaseSession(s *session.Session) {
	f.mu.Lock()
	f.released = append(f.released, s.ID)
	f.mu.Unlock()
}

type echoHandler struct{}

func (echoHandler) HandleInput(c *Conn, in *bytes.Buffer) error {
	return c.Enqueue(in.Next(in.Len()))
}

type failingHandler struct{}

func (failingHandler) HandleInput(c *Conn, in *bytes.Buffer) error {
	return errors.New("malformed request")
}

type teardownCounter struct {
	calls   atomic.Int32
	reasons chan Reason
}

func newTeardownCounter() *teardownCounter {
	return &teardownCounter{reasons: make(chan Reason, 8)}
}

func (t *teardownCounter) hook(c *Conn, reason Reason) {
	t.calls.Add(1)
	t.reasons <- reason
}

func startConn(t *testing.T, opts Options) (*Conn, net.Conn, context.CancelFunc) {
	t.Helper()

	server, client := net.Pipe()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	c := New(server, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	t.Cleanup(func() {
		cancel()
		client.Close()
		waitDone(t, c)
	})
	return c, client, cancel
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Connection did not finish teardown")
	}
}

func TestNewAssignsID(t *testing.T) {
	a, _ := net.Pipe()
	b, _ := net.Pipe()

	c1 := New(a, Options{Logger: testLogger()})
	c2 := New(b, Options{Logger: testLogger()})
	if c1.ID() == "" || c1.ID() == c2.ID() {
		t.Errorf("Expected distinct generated IDs, got %q and %q", c1.ID(), c2.ID())
	}

	c3 := New(a, Options{ID: "fixed", Logger: testLogger()})
	if c3.ID() != "fixed" {
		t.Errorf("Expected ID fixed, got %s", c3.ID())
	}
	if c3.State() != StateOpen {
		t.Errorf("Expected open state, got %s", c3.State())
	}
}

func TestEnqueuePreservesOrder(t *testing.T) {
	c, client, _ := startConn(t, Options{WriteTimeout: time.Second})

	for _, msg := range []string{"one ", "two ", "three"} {
		if err := c.Enqueue([]byte(msg)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	got := make([]byte, len("one two three"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "one two three" {
		t.Errorf("Expected FIFO output, got %q", got)
	}
}

func TestHandlerReceivesInput(t *testing.T) {
	c, client, _ := startConn(t, Options{Handler: echoHandler{}, WriteTimeout: time.Second})

	go client.Write([]byte("OPTIONS"))

	got := make([]byte, 7)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "OPTIONS" {
		t.Errorf("Expected echoed input, got %q", got)
	}
	if info := c.Info(); info.BytesIn != 7 {
		t.Errorf("Expected 7 bytes in, got %d", info.BytesIn)
	}
}

func TestPeerCloseTearsDownOnce(t *testing.T) {
	counter := newTeardownCounter()
	delivery := &fakeDelivery{}
	c, client, _ := startConn(t, Options{OnTeardown: counter.hook, Delivery: delivery})

	if _, err := c.AddSession(session.Params{ID: "s1"}); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	client.Close()
	waitDone(t, c)

	if got := <-counter.reasons; got != ReasonPeerClosed {
		t.Errorf("Expected peer_closed, got %s", got)
	}
	if c.RequestTeardown(ReasonAdminKick) {
		t.Error("RequestTeardown after teardown must not be admitted")
	}
	if err := c.Enqueue([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := c.AddSession(session.Params{ID: "s2"}); !errors.Is(err, session.ErrReleased) {
		t.Errorf("Expected ErrReleased, got %v", err)
	}
	if len(delivery.released) != 1 || delivery.released[0] != "s1" {
		t.Errorf("Expected s1 released once, got %v", delivery.released)
	}
	if counter.calls.Load() != 1 {
		t.Errorf("Expected 1 teardown, got %d", counter.calls.Load())
	}
	if c.State() != StateClosed || c.Reason() != ReasonPeerClosed {
		t.Errorf("Unexpected final state %s/%s", c.State(), c.Reason())
	}
}

func TestRequestTeardownSingleAdmission(t *testing.T) {
	counter := newTeardownCounter()
	c, _, _ := startConn(t, Options{OnTeardown: counter.hook})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.RequestTeardown(ReasonAdminKick) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	waitDone(t, c)

	if admitted.Load() != 1 {
		t.Errorf("Expected exactly one admitted request, got %d", admitted.Load())
	}
	if counter.calls.Load() != 1 {
		t.Errorf("Expected exactly one teardown, got %d", counter.calls.Load())
	}
	if c.Reason() != ReasonAdminKick {
		t.Errorf("Expected admin_kick, got %s", c.Reason())
	}
}

func TestHandlerErrorIsProtocolError(t *testing.T) {
	c, client, _ := startConn(t, Options{Handler: failingHandler{}})

	go client.Write([]byte("garbage"))
	waitDone(t, c)

	if c.Reason() != ReasonProtocolError {
		t.Errorf("Expected protocol_error, got %s", c.Reason())
	}
}

type panickingHandler struct{}

func (panickingHandler) HandleInput(*Conn, *bytes.Buffer) error {
	panic("slice bounds out of range")
}

func TestHandlerPanicTearsDownOnce(t *testing.T) {
	counter := newTeardownCounter()
	c, client, _ := startConn(t, Options{Handler: panickingHandler{}, OnTeardown: counter.hook})

	go client.Write([]byte("OPTIONS * RTSP/1.0\r\n\r\n"))
	waitDone(t, c)

	if c.Reason() != ReasonProtocolError {
		t.Errorf("Expected protocol_error, got %s", c.Reason())
	}
	if got := counter.calls.Load(); got != 1 {
		t.Errorf("Expected OnTeardown once, got %d", got)
	}
	if c.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", c.State())
	}
}

type panickingDelivery struct{ fakeDelivery }

func (p *panickingDelivery) SendSoftNotice(*session.Session) error {
	panic("delivery failure")
}

func TestDeliveryPanicTearsDownOnce(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := &fakeClock{now: start}
	counter := newTeardownCounter()
	c, _, _ := startConn(t, Options{
		SweepInterval: 10 * time.Millisecond,
		Monitor:       liveness.NewMonitor(&liveness.Standard{Thresholds: liveness.DefaultThresholds()}, testLogger(), nil),
		Delivery:      &panickingDelivery{},
		Now:           clock.Now,
		OnTeardown:    counter.hook,
	})

	if _, err := c.AddSession(session.Params{ID: "live", Source: session.SourceLive, RTPChannel: 0, RTCPChannel: 1}); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}
	clock.Advance(7 * time.Second)
	waitDone(t, c)

	if c.Reason() != ReasonProtocolError {
		t.Errorf("Expected protocol_error, got %s", c.Reason())
	}
	if got := counter.calls.Load(); got != 1 {
		t.Errorf("Expected OnTeardown once, got %d", got)
	}
}

func TestMaxInputSize(t *testing.T) {
	c, client, _ := startConn(t, Options{MaxInputSize: 8, Handler: keepHandler{}})

	go client.Write([]byte("0123456789abcdef"))
	waitDone(t, c)

	if c.Reason() != ReasonProtocolError {
		t.Errorf("Expected protocol_error, got %s", c.Reason())
	}
}

// keepHandler never consumes input
type keepHandler struct{}

func (keepHandler) HandleInput(*Conn, *bytes.Buffer) error { return nil }

func TestContextCancelShutsDown(t *testing.T) {
	counter := newTeardownCounter()
	c, _, cancel := startConn(t, Options{OnTeardown: counter.hook})

	cancel()
	waitDone(t, c)

	if c.Reason() != ReasonServerShutdown {
		t.Errorf("Expected server_shutdown, got %s", c.Reason())
	}
}

func TestTimerSweepHardTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	delivery := &fakeDelivery{}
	counter := newTeardownCounter()
	monitor := liveness.NewMonitor(&liveness.Standard{Thresholds: liveness.DefaultThresholds()}, testLogger(), nil)

	c, _, _ := startConn(t, Options{
		Monitor:       monitor,
		SweepInterval: 5 * time.Millisecond,
		Delivery:      delivery,
		Now:           clock.Now,
		OnTeardown:    counter.hook,
	})

	for _, id := range []string{"a", "b"} {
		if _, err := c.AddSession(session.Params{ID: id, Source: session.SourceLive}); err != nil {
			t.Fatalf("AddSession failed: %v", err)
		}
	}

	clock.Advance(7 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for {
		delivery.mu.Lock()
		notices := delivery.notices
		delivery.mu.Unlock()
		if notices == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 2 soft notices, got %d", notices)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != StateOpen {
		t.Fatalf("Connection must stay open after soft timeout, got %s", c.State())
	}

	clock.Advance(6 * time.Second)
	waitDone(t, c)

	if c.Reason() != ReasonStreamTimeout {
		t.Errorf("Expected stream_timeout, got %s", c.Reason())
	}
	if counter.calls.Load() != 1 {
		t.Errorf("Two hard-timed-out sessions must produce one teardown, got %d", counter.calls.Load())
	}
	if len(delivery.released) != 2 {
		t.Errorf("Expected both sessions released, got %v", delivery.released)
	}
	if delivery.notices != 2 {
		t.Errorf("Expected soft notice count to stay at 2, got %d", delivery.notices)
	}
}

func TestTeardownDrainsQueue(t *testing.T) {
	c, _, _ := startConn(t, Options{WriteTimeout: 20 * time.Millisecond})

	// Nobody reads the client side, so writes time out and output stays queued.
	for i := 0; i < 3; i++ {
		if err := c.Enqueue([]byte("frame")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if info := c.Info(); info.Queued == 0 {
		t.Fatal("Expected output to remain queued")
	}

	c.RequestTeardown(ReasonAdminKick)
	waitDone(t, c)

	if info := c.Info(); info.Queued != 0 {
		t.Errorf("Expected empty queue after teardown, got %d", info.Queued)
	}
}

func TestEventString(t *testing.T) {
	tests := []struct {
		event    Event
		expected string
	}{
		{Readable, "readable"},
		{Writable, "writable"},
		{TimerFired, "timer_fired"},
		{TeardownRequested, "teardown_requested"},
		{Event(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.event.String(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}

func TestReasonFromCause(t *testing.T) {
	if r := ReasonFromCause(liveness.CauseHeartbeatLost); r != ReasonHeartbeatLost {
		t.Errorf("Expected heartbeat_lost, got %s", r)
	}
	if r := ReasonFromCause(liveness.CauseStreamTimeout); r != ReasonStreamTimeout {
		t.Errorf("Expected stream_timeout, got %s", r)
	}
	if len(Reasons()) != 8 {
		t.Errorf("Expected 8 reasons, got %d", len(Reasons()))
	}
}
