package remoteserver

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/internal/reactor"
	"github.com/midgardauto/ipcproxy/internal/trace"
	"github.com/midgardauto/ipcproxy/pkg/connmgr"
	"github.com/midgardauto/ipcproxy/pkg/proxyconn"
	"github.com/midgardauto/ipcproxy/pkg/router"
)

func newTestLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(io.Discard),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix("remoteserver_test"),
	)
	if err != nil {
		t.Fatalf("logger.New(): %v", err)
	}
	return lg
}

// fakeStream/fakeDialer mirror pkg/connmgr's test fakes: a loopback pair
// with a server-handshake goroutine so Connect completes without a real
// socket.
type fakeStream struct {
	mu     sync.Mutex
	toPeer chan []byte
	self   chan []byte
	closed bool
}

func newFakePair() (*fakeStream, *fakeStream) {
	c1 := make(chan []byte, 8)
	c2 := make(chan []byte, 8)
	return &fakeStream{toPeer: c1, self: c2}, &fakeStream{toPeer: c2, self: c1}
}

func (f *fakeStream) ReadMessage() ([]byte, error) {
	b, ok := <-f.self
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (f *fakeStream) WriteMessage(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fakeStream: write after close")
	}
	f.toPeer <- append([]byte(nil), b...)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, address ipcid.UnicastAddress) (proxyconn.DialedStream, error) {
	client, server := newFakePair()
	go proxyconn.RunFakeServerHandshakeForTest(server)
	return client, nil
}

func newHarness(t *testing.T) (*Manager, *reactor.Reactor, func()) {
	t.Helper()
	r, err := reactor.New(newTestLogger(t))
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	cm := connmgr.New(newTestLogger(t), r, fakeDialer{}, trace.NopMonitor{})
	m := NewManager(newTestLogger(t), r, cm)
	return m, r, cancel
}

func mustProvided(t *testing.T) ipcid.ProvidedServiceInstanceID {
	t.Helper()
	id, err := ipcid.NewProvidedServiceInstanceID(1, 2, 1, 0)
	if err != nil {
		t.Fatalf("NewProvidedServiceInstanceID: %v", err)
	}
	return id
}

func TestRequestAfterServiceUpEstablishesConnection(t *testing.T) {
	m, _, cancel := newHarness(t)
	defer cancel()

	rs := m.RequestRemoteServer(mustProvided(t), ipcid.IntegrityLevelQM)
	rs.OnServiceInstanceUp(ipcid.UnicastAddress{Domain: 1, Port: 1})

	r := router.NewRouter(ipcid.ClientId(1))
	if err := rs.Request(1, r); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if !rs.WaitForConnectionEstablishment() {
		t.Fatalf("WaitForConnectionEstablishment timed out")
	}
	if !rs.IsConnected() {
		t.Fatalf("IsConnected() = false after WaitForConnectionEstablishment succeeded")
	}
}

func TestServiceUpBeforeRequestConnectsOnFirstRequest(t *testing.T) {
	m, _, cancel := newHarness(t)
	defer cancel()

	rs := m.RequestRemoteServer(mustProvided(t), ipcid.IntegrityLevelQM)
	rs.OnServiceInstanceUp(ipcid.UnicastAddress{Domain: 2, Port: 2})

	if rs.IsConnected() {
		t.Fatalf("IsConnected() should be false before any client Request")
	}

	r := router.NewRouter(ipcid.ClientId(5))
	if err := rs.Request(5, r); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !rs.WaitForConnectionEstablishment() {
		t.Fatalf("WaitForConnectionEstablishment timed out")
	}
}

func TestIsConnectedFalseWithNoServiceUpEvent(t *testing.T) {
	m, _, cancel := newHarness(t)
	defer cancel()

	rs := m.RequestRemoteServer(mustProvided(t), ipcid.IntegrityLevelQM)
	if rs.IsConnected() {
		t.Fatalf("IsConnected() should be false with no SD Up event")
	}
}

func TestRequestRejectsDuplicateClientID(t *testing.T) {
	m, _, cancel := newHarness(t)
	defer cancel()

	rs := m.RequestRemoteServer(mustProvided(t), ipcid.IntegrityLevelQM)
	r := router.NewRouter(ipcid.ClientId(1))
	if err := rs.Request(1, r); err != nil {
		t.Fatalf("first Request: %v", err)
	}
	if err := rs.Request(1, router.NewRouter(ipcid.ClientId(1))); err != ErrClientAlreadyRegistered {
		t.Fatalf("second Request = %v, want ErrClientAlreadyRegistered", err)
	}
}

func TestReleaseUnknownClientFails(t *testing.T) {
	m, _, cancel := newHarness(t)
	defer cancel()

	rs := m.RequestRemoteServer(mustProvided(t), ipcid.IntegrityLevelQM)
	if err := rs.Release(99); err != ErrClientNotRegistered {
		t.Fatalf("Release = %v, want ErrClientNotRegistered", err)
	}
}

func TestManagerRefCountsSharedInstance(t *testing.T) {
	m, _, cancel := newHarness(t)
	defer cancel()

	provided := mustProvided(t)
	rs1 := m.RequestRemoteServer(provided, ipcid.IntegrityLevelQM)
	rs2 := m.RequestRemoteServer(provided, ipcid.IntegrityLevelQM)
	if rs1 != rs2 {
		t.Fatalf("expected the same *RemoteServer for repeated RequestRemoteServer calls")
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}

	m.ReleaseRemoteServer(provided)
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after one of two releases", m.Count())
	}
	m.ReleaseRemoteServer(provided)
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after both releases", m.Count())
	}
}

func TestOnServiceInstanceDownClearsAddressAndMapperState(t *testing.T) {
	m, _, cancel := newHarness(t)
	defer cancel()

	rs := m.RequestRemoteServer(mustProvided(t), ipcid.IntegrityLevelQM)
	rs.OnServiceInstanceUp(ipcid.UnicastAddress{Domain: 3, Port: 3})
	if !rs.Mapper().ServiceUp() {
		t.Fatalf("Mapper should report service up after OnServiceInstanceUp")
	}
	rs.OnServiceInstanceDown()
	rs.mu.Lock()
	hasAddr := rs.hasAddress
	rs.mu.Unlock()
	if hasAddr {
		t.Fatalf("stored address should be cleared after OnServiceInstanceDown")
	}
	if rs.Mapper().ServiceUp() {
		t.Fatalf("Mapper should report service down after OnServiceInstanceDown")
	}
}
