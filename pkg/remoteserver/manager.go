package remoteserver

import (
	"fmt"
	"sync"

	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/internal/reactor"
	"github.com/midgardauto/ipcproxy/pkg/connmgr"
)

// refCountedServer bundles a RemoteServer with the request_remote_server
// reference count that decides when Manager forgets about it (spec §4.6:
// "on zero the manager erases the entry and allows destruction").
type refCountedServer struct {
	server *RemoteServer
	refs   int
}

// Manager is the RemoteServerManager of spec §4.6: a mutex-guarded
// ProvidedServiceInstanceId -> RemoteServer map with reference counting.
type Manager struct {
	logger.Logger
	reactor *reactor.Reactor
	connMgr *connmgr.Manager

	mu      sync.Mutex
	servers map[ipcid.ProvidedServiceInstanceID]*refCountedServer
}

// NewManager constructs an empty Manager.
func NewManager(log logger.Logger, r *reactor.Reactor, connMgr *connmgr.Manager) *Manager {
	return &Manager{
		Logger:  log,
		reactor: r,
		connMgr: connMgr,
		servers: make(map[ipcid.ProvidedServiceInstanceID]*refCountedServer),
	}
}

// RequestRemoteServer implements spec §4.6's `request_remote_server`:
// atomically either returns the existing shared RemoteServer with its
// request counter incremented, or creates a new one.
func (m *Manager) RequestRemoteServer(provided ipcid.ProvidedServiceInstanceID, integrity ipcid.IntegrityLevel) *RemoteServer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.servers[provided]; ok {
		e.refs++
		return e.server
	}

	rs := newRemoteServer(m.ForkLog(fmt.Sprintf("RemoteServer(%s)", provided)), provided, integrity, m.connMgr, m.reactor)
	m.servers[provided] = &refCountedServer{server: rs, refs: 1}
	return rs
}

// ReleaseRemoteServer implements spec §4.6's `release_remote_server`:
// decrement the reference count, erasing the entry on zero. Releasing an
// unknown instance is a no-op.
func (m *Manager) ReleaseRemoteServer(provided ipcid.ProvidedServiceInstanceID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.servers[provided]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.servers, provided)
	}
}

// Count reports the number of distinct ProvidedServiceInstanceIds
// currently tracked, for tests and diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}
