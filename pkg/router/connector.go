package router

import (
	"sync"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/pkg/proxyconn"
)

// Connector is the ProxyRouterConnector of spec §4.5: exactly one per live
// ConnectionProxy, holding a weak back-reference to that proxy and owning
// every Mapper registered for a ServiceInstanceId on this connection. It
// is the one shared-ownership node in the graph — multiple Mappers (one
// per ProvidedServiceInstance sharing this connection) reference the same
// Connector.
type Connector struct {
	mu      sync.Mutex
	proxy   *proxyconn.ConnectionProxy // weak: cleared by ConnectionTerminated
	mappers map[ipcid.ServiceInstanceKey]*Mapper
}

// NewConnector creates a Connector with no proxy attached yet; the owner
// (pkg/connmgr) attaches it once the ConnectionProxy exists, since the
// proxy's constructor itself needs a Connector to notify on termination —
// breaking what would otherwise be a construction cycle.
func NewConnector() *Connector {
	return &Connector{mappers: make(map[ipcid.ServiceInstanceKey]*Mapper)}
}

// SetConnectionProxy attaches the weak back-reference once the
// ConnectionProxy has been constructed with this Connector.
func (c *Connector) SetConnectionProxy(p *proxyconn.ConnectionProxy) {
	c.mu.Lock()
	c.proxy = p
	c.mu.Unlock()
}

// GetConnectionProxy upgrades the weak reference. ok is false once the
// owning ConnectionProxy has terminated.
func (c *Connector) GetConnectionProxy() (p *proxyconn.ConnectionProxy, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxy, c.proxy != nil
}

// ConnectionTerminated implements proxyconn.RouterConnector: it clears the
// weak proxy reference but, per spec §4.4, leaves mapper registrations
// alive until explicitly released. pkg/connmgr does not reattach a
// terminated Connector: a later `connect` for the same endpoint creates a
// fresh Connector and registers its Mappers there.
func (c *Connector) ConnectionTerminated() {
	c.mu.Lock()
	c.proxy = nil
	c.mu.Unlock()
}

// RegisterMapper installs m under key, failing if a Mapper is already
// registered there (spec §4.5: "A RouterMapper is registered at most once
// per identifier").
func (c *Connector) RegisterMapper(key ipcid.ServiceInstanceKey, m *Mapper) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.mappers[key]; exists {
		return false
	}
	c.mappers[key] = m
	m.setConnector(c)
	return true
}

// LookupMapper finds the Mapper registered for key, used by inbound
// dispatch step 2.
func (c *Connector) LookupMapper(key ipcid.ServiceInstanceKey) (*Mapper, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mappers[key]
	return m, ok
}

// ReleaseMapper deregisters the Mapper for key, returning the number of
// mappers remaining on this connector.
func (c *Connector) ReleaseMapper(key ipcid.ServiceInstanceKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mappers, key)
	return len(c.mappers)
}
