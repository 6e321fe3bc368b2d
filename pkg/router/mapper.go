package router

import (
	"sync"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
)

// Mapper is the ProxyRouterMapper of spec §4.5: owned by a Connector,
// shared by every ProxyRouter (client) interested in the same
// ServiceInstanceId. It holds a weak back-reference to its owning
// Connector and a reserved scratch slice reused across notification
// fan-outs to avoid a heap allocation on the hot path (spec §4.5 step 3).
type Mapper struct {
	mu        sync.Mutex
	connector *Connector // weak
	routers   map[ipcid.ClientId]*Router
	scratch   []*Router
	serviceUp bool
}

// NewMapper creates an unattached Mapper; Connector.RegisterMapper
// attaches it via setConnector.
func NewMapper() *Mapper {
	return &Mapper{
		routers: make(map[ipcid.ClientId]*Router),
		scratch: make([]*Router, 0, 8),
	}
}

func (m *Mapper) setConnector(c *Connector) {
	m.mu.Lock()
	m.connector = c
	m.mu.Unlock()
}

// GetConnector upgrades the weak reference to the owning Connector.
func (m *Mapper) GetConnector() (*Connector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connector, m.connector != nil
}

// RegisterRouter installs r under clientID, failing if one is already
// registered there.
func (m *Mapper) RegisterRouter(clientID ipcid.ClientId, r *Router) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.routers[clientID]; exists {
		return false
	}
	m.routers[clientID] = r
	r.setMapper(m)
	return true
}

// LookupRouter finds the Router registered for clientID (inbound dispatch
// step 3's request-kind routing).
func (m *Mapper) LookupRouter(clientID ipcid.ClientId) (*Router, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routers[clientID]
	return r, ok
}

// ReleaseRouter deregisters the Router for clientID, returning the number
// of routers remaining.
func (m *Mapper) ReleaseRouter(clientID ipcid.ClientId) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routers, clientID)
	return len(m.routers)
}

// AllRouters returns the reserved scratch slice populated with every
// currently-registered Router, for Notification fan-out (spec §4.5 step
// 3). The returned slice is only valid until the next call to AllRouters
// on this Mapper — callers must finish using it before dispatching again.
func (m *Mapper) AllRouters() []*Router {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scratch = m.scratch[:0]
	for _, r := range m.routers {
		m.scratch = append(m.scratch, r)
	}
	return m.scratch
}

// OnServiceInstanceUp fans service-up state out to every registered
// Router (spec §4.5's "service up/down fan-out").
func (m *Mapper) OnServiceInstanceUp() {
	m.mu.Lock()
	m.serviceUp = true
	routers := make([]*Router, 0, len(m.routers))
	for _, r := range m.routers {
		routers = append(routers, r)
	}
	m.mu.Unlock()
	for _, r := range routers {
		r.setServiceState(true)
	}
}

// OnServiceInstanceDown is the reverse of OnServiceInstanceUp.
func (m *Mapper) OnServiceInstanceDown() {
	m.mu.Lock()
	m.serviceUp = false
	routers := make([]*Router, 0, len(m.routers))
	for _, r := range m.routers {
		routers = append(routers, r)
	}
	m.mu.Unlock()
	for _, r := range routers {
		r.setServiceState(false)
	}
}

// ServiceUp reports the last up/down state delivered by ServiceDiscovery.
func (m *Mapper) ServiceUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serviceUp
}
