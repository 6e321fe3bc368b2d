package proxyconn

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/internal/reactor"
	"github.com/midgardauto/ipcproxy/internal/trace"
	"github.com/midgardauto/ipcproxy/internal/wire"
)

// recordingMonitor captures every traced call's (direction, kind) pair so
// tests can assert Send's outbound tracing without caring about a real
// observability backend.
type recordingMonitor struct {
	mu    sync.Mutex
	calls []string
	last  trace.MethodCall
}

func (m *recordingMonitor) TraceMethodCall(c trace.MethodCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "MethodCall:"+c.Direction.String())
	m.last = c
}
func (m *recordingMonitor) TraceMethodNoReturnCall(c trace.MethodNoReturnCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "MethodNoReturnCall:"+c.Direction.String())
}
func (m *recordingMonitor) TraceMethodResponse(c trace.MethodResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "MethodResponse:"+c.Direction.String())
}
func (m *recordingMonitor) TraceMethodErrorResponse(c trace.MethodErrorResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "MethodErrorResponse:"+c.Direction.String())
}
func (m *recordingMonitor) TraceNotification(c trace.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Notification:"+c.Direction.String())
}
func (m *recordingMonitor) TraceApplicationError(c trace.ApplicationError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "ApplicationError:"+c.Direction.String())
}
func (m *recordingMonitor) TraceSubscribeEvent(c trace.SubscribeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SubscribeEvent:"+c.Direction.String())
}
func (m *recordingMonitor) TraceUnsubscribeEvent(c trace.UnsubscribeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "UnsubscribeEvent:"+c.Direction.String())
}
func (m *recordingMonitor) TraceSubscribeEventAck(c trace.SubscribeEventAck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SubscribeEventAck:"+c.Direction.String())
}
func (m *recordingMonitor) TraceSubscribeEventNAck(c trace.SubscribeEventNAck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SubscribeEventNAck:"+c.Direction.String())
}

var _ trace.Monitor = (*recordingMonitor)(nil)

func newTestLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(io.Discard),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix("proxyconn_test"),
	)
	if err != nil {
		t.Fatalf("logger.New(): %v", err)
	}
	return lg
}

// fakeDialedStream is a loopback pair: messages written on one side show
// up on the other's ReadMessage, the minimal fake needed to drive the
// handshake without a real socket.
type fakeDialedStream struct {
	mu     sync.Mutex
	toPeer chan []byte
	self   chan []byte
	closed bool
}

func newFakePair() (*fakeDialedStream, *fakeDialedStream) {
	c1 := make(chan []byte, 8)
	c2 := make(chan []byte, 8)
	return &fakeDialedStream{toPeer: c1, self: c2}, &fakeDialedStream{toPeer: c2, self: c1}
}

func (f *fakeDialedStream) ReadMessage() ([]byte, error) {
	b, ok := <-f.self
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (f *fakeDialedStream) WriteMessage(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fakeDialedStream: write after close")
	}
	f.toPeer <- append([]byte(nil), b...)
	return nil
}

func (f *fakeDialedStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
	}
	return nil
}

type fakeDialer struct {
	client *fakeDialedStream
}

func (d fakeDialer) Dial(ctx context.Context, address ipcid.UnicastAddress) (DialedStream, error) {
	return d.client, nil
}

type recordingHandler struct {
	mu        sync.Mutex
	connected int
	reasons   []DisconnectReason
}

func (h *recordingHandler) OnConnected() {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
}

func (h *recordingHandler) OnDisconnected(reason DisconnectReason) {
	h.mu.Lock()
	h.reasons = append(h.reasons, reason)
	h.mu.Unlock()
}

type fakeConnector struct {
	terminated int
}

func (c *fakeConnector) ConnectionTerminated() { c.terminated++ }

func runServerSide(t *testing.T, server *fakeDialedStream) {
	t.Helper()
	go func() {
		if _, err := runServerHandshake(server, serverToClientMessage1{S2CShmID: 0xdead}); err != nil {
			t.Logf("server handshake: %v", err)
		}
	}()
}

func TestConnectSucceedsAndNotifiesSubscribers(t *testing.T) {
	client, server := newFakePair()
	runServerSide(t, server)

	r, err := reactor.New(newTestLogger(t))
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	connector := &fakeConnector{}
	addr := ipcid.UnicastAddress{Domain: 1, Port: 2}
	p := New(newTestLogger(t), r, fakeDialer{client: client}, addr, ipcid.IntegrityLevelQM, connector, trace.NopMonitor{})

	h := &recordingHandler{}
	key := ipcid.ServiceInstanceKey{Service: 1, Instance: 2, Major: 1}
	p.Subscribe(key, h)

	errCh := make(chan error, 1)
	r.Post(func() { errCh <- p.Connect(context.Background()) })

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect did not complete")
	}

	if p.State() != Connected {
		t.Fatalf("State() = %v, want Connected", p.State())
	}
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if connected != 1 {
		t.Fatalf("connected = %d, want 1", connected)
	}
}

func TestSendTracesOutboundMethodCall(t *testing.T) {
	client, server := newFakePair()
	runServerSide(t, server)

	r, err := reactor.New(newTestLogger(t))
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	monitor := &recordingMonitor{}
	connector := &fakeConnector{}
	addr := ipcid.UnicastAddress{Domain: 1, Port: 2}
	p := New(newTestLogger(t), r, fakeDialer{client: client}, addr, ipcid.IntegrityLevelQM, connector, monitor)

	errCh := make(chan error, 1)
	r.Post(func() { errCh <- p.Connect(context.Background()) })
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect did not complete")
	}

	rh := wire.RoutingHeader{Service: 1, Instance: 2, Major: 1, MethodOrEvent: 9, Client: 7, Session: 3}
	pkt, err := wire.NewPacketFromHeaders(wire.MessageTypeRequest, wire.RoutingHeaderSize, 4)
	if err != nil {
		t.Fatalf("NewPacketFromHeaders: %v", err)
	}
	rh.Encode(pkt.SpecificHeaderBytes(wire.RoutingHeaderSize))
	copy(pkt.Payload(wire.RoutingHeaderSize), []byte{1, 2, 3, 4})

	if err := p.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	if len(monitor.calls) != 1 || monitor.calls[0] != "MethodCall:tx" {
		t.Fatalf("calls = %v, want [MethodCall:tx]", monitor.calls)
	}
	if monitor.last.Method != 9 || monitor.last.Client != 7 || len(monitor.last.Packet) != 4 {
		t.Fatalf("last = %+v", monitor.last)
	}
}

func TestConnectFailsOnIntegrityTooLow(t *testing.T) {
	client, server := newFakePair()
	runServerSide(t, server)

	r, err := reactor.New(newTestLogger(t))
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	connector := &fakeConnector{}
	addr := ipcid.UnicastAddress{Domain: 1, Port: 2}
	p := New(newTestLogger(t), r, fakeDialer{client: client}, addr, ipcid.IntegrityLevelC, connector, trace.NopMonitor{})
	p.SetPeerIntegrityQueryForTest(func(handshakeStream) (ipcid.IntegrityLevel, error) {
		return ipcid.IntegrityLevelQM, nil
	})

	h := &recordingHandler{}
	p.Subscribe(ipcid.ServiceInstanceKey{Service: 1, Instance: 1, Major: 1}, h)

	errCh := make(chan error, 1)
	r.Post(func() { errCh <- p.Connect(context.Background()) })

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected Connect to fail on low integrity")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect did not complete")
	}

	if p.State() != Disconnected {
		t.Fatalf("State() = %v, want Disconnected", p.State())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reasons) != 1 || h.reasons[0] != DisconnectReasonIntegrityLevelTooLow {
		t.Fatalf("reasons = %v, want [IntegrityLevelTooLow]", h.reasons)
	}
}

func TestReportCommunicationFailureRequiresReactorThread(t *testing.T) {
	r, err := reactor.New(newTestLogger(t))
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	client, _ := newFakePair()
	p := New(newTestLogger(t), r, fakeDialer{client: client}, ipcid.UnicastAddress{}, ipcid.IntegrityLevelQM, &fakeConnector{}, trace.NopMonitor{})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic calling ReportCommunicationFailure off the reactor goroutine")
		}
	}()
	p.ReportCommunicationFailure()
}
