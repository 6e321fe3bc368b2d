// Package remoteserver implements the RemoteServer / RemoteServerManager of
// spec §4.6: per-ProvidedServiceInstance instance sharing across every
// client Router interested in it, backed by exactly one (connmgr-pooled)
// ConnectionProxy once service discovery reports an address and at least
// one client has registered.
package remoteserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/internal/reactor"
	"github.com/midgardauto/ipcproxy/pkg/connmgr"
	"github.com/midgardauto/ipcproxy/pkg/proxyconn"
	"github.com/midgardauto/ipcproxy/pkg/router"
)

// ErrClientAlreadyRegistered is returned by Request for a client_id already
// registered on this RemoteServer.
var ErrClientAlreadyRegistered = fmt.Errorf("remoteserver: client already registered")

// ErrClientNotRegistered is returned by Release for a client_id that was
// never registered (or already released).
var ErrClientNotRegistered = fmt.Errorf("remoteserver: client not registered")

// RemoteServer is the per-ProvidedServiceInstance shared connection state
// of spec §4.6. Its Mapper (pkg/router) is registered on the Connector of
// whichever pooled ConnectionProxy connmgr.Manager.Connect hands back; a
// reconnect after a terminated proxy registers the same Mapper on the
// fresh Connector that connmgr creates for the new proxy.
type RemoteServer struct {
	logger.Logger

	provided  ipcid.ProvidedServiceInstanceID
	key       ipcid.ServiceInstanceKey
	integrity ipcid.IntegrityLevel
	connMgr   *connmgr.Manager
	reactor   *reactor.Reactor
	mapper    *router.Mapper

	mu            sync.Mutex
	clients       map[ipcid.ClientId]struct{}
	address       ipcid.UnicastAddress
	hasAddress    bool
	connected     bool
	connectedChan chan struct{}
	backoff       *backoff.Backoff
}

func newRemoteServer(log logger.Logger, provided ipcid.ProvidedServiceInstanceID, integrity ipcid.IntegrityLevel, connMgr *connmgr.Manager, r *reactor.Reactor) *RemoteServer {
	return &RemoteServer{
		Logger:        log,
		provided:      provided,
		key:           provided.Key(),
		integrity:     integrity,
		connMgr:       connMgr,
		reactor:       r,
		mapper:        router.NewMapper(),
		clients:       make(map[ipcid.ClientId]struct{}),
		connectedChan: make(chan struct{}),
		backoff:       &backoff.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2},
	}
}

// Mapper exposes the Mapper this RemoteServer owns, for a binding layer to
// register EventBackend/MethodBackend instances against a client's Router
// before calling Request.
func (s *RemoteServer) Mapper() *router.Mapper { return s.mapper }

// Request registers router under clientID (spec §4.6's `request`): attach
// it to the local Mapper, and if this is the first client and service
// discovery has already reported an address, kick off `connect` via the
// ConnectionManagerProxy. Called from an application thread; the actual
// `connect` call is marshaled onto the reactor.
func (s *RemoteServer) Request(clientID ipcid.ClientId, r *router.Router) error {
	s.mu.Lock()
	if _, exists := s.clients[clientID]; exists {
		s.mu.Unlock()
		return ErrClientAlreadyRegistered
	}
	s.clients[clientID] = struct{}{}
	first := len(s.clients) == 1
	addr := s.address
	hasAddr := s.hasAddress
	s.mu.Unlock()

	if !s.mapper.RegisterRouter(clientID, r) {
		return ErrClientAlreadyRegistered
	}

	if first && hasAddr {
		s.postConnect(addr)
	}
	return nil
}

// Release deregisters clientID (spec §4.6's `release`): when the last
// client is gone and an address is known, initiate disconnect on the
// reactor; the Mapper stays registered on its Connector (spec §4.4) so a
// later Request can reuse it.
func (s *RemoteServer) Release(clientID ipcid.ClientId) error {
	s.mu.Lock()
	if _, exists := s.clients[clientID]; !exists {
		s.mu.Unlock()
		return ErrClientNotRegistered
	}
	delete(s.clients, clientID)
	last := len(s.clients) == 0
	addr := s.address
	hasAddr := s.hasAddress
	s.mu.Unlock()

	s.mapper.ReleaseRouter(clientID)

	if last && hasAddr {
		s.reactor.Post(func() {
			if err := s.connMgr.Disconnect(s.key, addr, s.integrity); err != nil {
				s.DLogf("remoteserver: disconnect %s: %s", addr, err)
			}
		})
	}
	return nil
}

// IsConnected returns the best-effort atomic view of connectedness; it may
// race with reactor-side changes by one cycle (spec §4.6).
func (s *RemoteServer) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// WaitForConnectionEstablishment blocks until connected becomes true or 10
// seconds elapse, whichever comes first (spec §4.6).
func (s *RemoteServer) WaitForConnectionEstablishment() bool {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return true
	}
	ch := s.connectedChan
	s.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(10 * time.Second):
		return false
	}
}

// OnServiceInstanceUp implements the SD callback of spec §4.6: store the
// address, tell the Mapper the service instance is reachable, and connect
// if a client is already waiting.
func (s *RemoteServer) OnServiceInstanceUp(address ipcid.UnicastAddress) {
	s.mu.Lock()
	s.address = address
	s.hasAddress = true
	hasClients := len(s.clients) > 0
	s.mu.Unlock()

	s.mapper.OnServiceInstanceUp()

	if hasClients {
		s.postConnect(address)
	}
}

// OnServiceInstanceDown implements the SD callback of spec §4.6: clear the
// stored address, tell the Mapper the service instance is gone, and, if an
// address was stored, disconnect on the reactor.
func (s *RemoteServer) OnServiceInstanceDown() {
	s.mu.Lock()
	addr := s.address
	hadAddr := s.hasAddress
	s.hasAddress = false
	s.mu.Unlock()

	s.mapper.OnServiceInstanceDown()

	if hadAddr {
		s.reactor.Post(func() {
			if err := s.connMgr.Disconnect(s.key, addr, s.integrity); err != nil {
				s.DLogf("remoteserver: disconnect on service-down %s: %s", addr, err)
			}
		})
	}
}

// OnConnected implements proxyconn.StateChangeHandler: the pooled
// ConnectionProxy for this instance's endpoint completed its handshake.
func (s *RemoteServer) OnConnected() {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = true
	s.backoff.Reset()
	ch := s.connectedChan
	s.mu.Unlock()
	if !wasConnected {
		close(ch)
	}
}

// OnDisconnected implements proxyconn.StateChangeHandler. Per spec §4.6,
// only DisconnectReasonCommunicationFailure is eligible for automatic
// reconnection; any other reason leaves the server disconnected until a
// fresh SD Up event or a new Request.
func (s *RemoteServer) OnDisconnected(reason proxyconn.DisconnectReason) {
	s.mu.Lock()
	s.connected = false
	s.connectedChan = make(chan struct{})
	addr := s.address
	hasAddr := s.hasAddress
	hasClients := len(s.clients) > 0
	s.mu.Unlock()

	if reason == proxyconn.DisconnectReasonCommunicationFailure && hasAddr && hasClients {
		s.scheduleReconnect(addr)
	}
}

func (s *RemoteServer) postConnect(address ipcid.UnicastAddress) {
	s.reactor.Post(func() {
		if _, err := s.connMgr.Connect(s, address, s.integrity, s.key, s.mapper); err != nil {
			s.WLogErrorf("remoteserver: connect %s: %s", address, err)
		}
	})
}

// scheduleReconnect waits one jpillora/backoff interval off the reactor
// goroutine (the way share/client.go's connectionLoop sleeps between
// dial attempts), then re-validates nothing changed before re-issuing
// connect on the reactor.
func (s *RemoteServer) scheduleReconnect(address ipcid.UnicastAddress) {
	d := s.backoff.Duration()
	go func() {
		time.Sleep(d)
		s.reactor.Post(func() {
			s.mu.Lock()
			stillWant := s.hasAddress && s.address == address && len(s.clients) > 0
			s.mu.Unlock()
			if !stillWant {
				return
			}
			if _, err := s.connMgr.Connect(s, address, s.integrity, s.key, s.mapper); err != nil {
				s.WLogErrorf("remoteserver: reconnect %s: %s", address, err)
			}
		})
	}()
}

func (s *RemoteServer) String() string {
	return fmt.Sprintf("RemoteServer(%s)", s.provided)
}
