// Package connmgr implements the ConnectionManagerProxy of spec §4.4: it
// deduplicates ConnectionProxy instances per (endpoint, expected_integrity)
// tuple, hands out a shared reference plus the RouterConnector that goes
// with it, and owns the deferred-destruction list a terminated proxy is
// moved onto before being dropped on the next reactor iteration.
package connmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/internal/reactor"
	"github.com/midgardauto/ipcproxy/internal/trace"
	"github.com/midgardauto/ipcproxy/pkg/proxyconn"
	"github.com/midgardauto/ipcproxy/pkg/router"
)

// endpointKey is the (endpoint, expected_integrity) tuple spec §4.4's
// "at most one ConnectionProxy per" invariant is keyed on.
type endpointKey struct {
	address   ipcid.UnicastAddress
	integrity ipcid.IntegrityLevel
}

// entry bundles a live ConnectionProxy with the Connector it was created
// with, since both are needed to answer connect/disconnect/release calls.
type entry struct {
	proxy     *proxyconn.ConnectionProxy
	connector *router.Connector
}

// managedConnector adapts a *router.Connector into a proxyconn.RouterConnector
// that also reports back to the Manager on termination, so OnDisconnect's
// live->terminated move (spec §4.4) runs for every ConnectionProxy the
// Manager creates without router.Connector needing to know about Manager.
type managedConnector struct {
	*router.Connector
	mgr   *Manager
	proxy *proxyconn.ConnectionProxy
}

func (mc *managedConnector) ConnectionTerminated() {
	mc.Connector.ConnectionTerminated()
	mc.mgr.OnDisconnect(mc.proxy)
}

// Manager is the ConnectionManagerProxy.
type Manager struct {
	logger.Logger
	reactor      *reactor.Reactor
	dialer       proxyconn.Dialer
	traceMonitor trace.Monitor

	mu         sync.Mutex
	live       map[endpointKey]*entry
	terminated []*entry
}

// New constructs a Manager. dialer and traceMonitor are both shared by
// every ConnectionProxy the manager creates, mirroring
// connection_manager_proxy.h's stored `trace::TraceMonitor const&`
// reference being handed down to each ConnectionProxy it builds. Pass
// trace.NopMonitor{} when nothing observes traced messages.
func New(log logger.Logger, r *reactor.Reactor, dialer proxyconn.Dialer, traceMonitor trace.Monitor) *Manager {
	return &Manager{
		Logger:       log,
		reactor:      r,
		dialer:       dialer,
		traceMonitor: traceMonitor,
		live:         make(map[endpointKey]*entry),
	}
}

// Connect implements spec §4.4's `connect` operation: find-or-create a
// ConnectionProxy for address, register mapper on its Connector under
// providedKey, register stateHandler for the same key, and return the
// current ConnectionState. Must be called from the reactor (spec: "the
// live map ... only modified from the reactor").
func (m *Manager) Connect(
	stateHandler proxyconn.StateChangeHandler,
	address ipcid.UnicastAddress,
	expected ipcid.IntegrityLevel,
	providedKey ipcid.ServiceInstanceKey,
	mapper *router.Mapper,
) (proxyconn.ConnectionState, error) {
	m.reactor.AssertOnReactorThread()

	key := endpointKey{address: address, integrity: expected}

	m.mu.Lock()
	e, exists := m.live[key]
	m.mu.Unlock()

	if !exists {
		connector := router.NewConnector()
		mc := &managedConnector{Connector: connector, mgr: m}
		proxy := proxyconn.New(m.Logger, m.reactor, m.dialer, address, expected, mc, m.traceMonitor)
		mc.proxy = proxy
		connector.SetConnectionProxy(proxy)
		e = &entry{proxy: proxy, connector: connector}

		m.mu.Lock()
		m.live[key] = e
		m.mu.Unlock()

		// Connect is called from here, still on the reactor goroutine
		// (Connect itself asserts that): the dial and 3-message handshake
		// both run synchronously on the reactor thread, the same
		// simplification pkg/proxyconn's own tests already rely on
		// (drive Connect via reactor.Post, never a bare goroutine).
		if err := proxy.Connect(context.Background()); err != nil {
			m.DLogf("connmgr: connect to %s failed: %s", address, err)
		}
	}

	if !e.connector.RegisterMapper(providedKey, mapper) {
		// Already registered: spec allows re-Connect calls (e.g. from a
		// second client of the same ProvidedServiceInstance) to be
		// idempotent here; the Mapper itself tracks multiple Router
		// registrations under its own client_id keys.
		m.DLogf("connmgr: mapper for %s already registered on %s", providedKey, address)
	}
	e.proxy.Subscribe(providedKey, stateHandler)

	return e.proxy.State(), nil
}

// Disconnect implements spec §4.4's `disconnect`: look up the proxy for
// address and ask it to release the subscriber registered under
// providedKey.
func (m *Manager) Disconnect(providedKey ipcid.ServiceInstanceKey, address ipcid.UnicastAddress, integrity ipcid.IntegrityLevel) error {
	m.reactor.AssertOnReactorThread()
	key := endpointKey{address: address, integrity: integrity}
	m.mu.Lock()
	e, ok := m.live[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("connmgr: no live connection for %s", address)
	}
	e.proxy.Unsubscribe(providedKey)
	return nil
}

// ReleaseRouterMapper implements spec §4.4's `release_router_mapper`:
// deregister the mapper for providedKey on address's Connector, returning
// the number of mappers remaining.
func (m *Manager) ReleaseRouterMapper(address ipcid.UnicastAddress, integrity ipcid.IntegrityLevel, providedKey ipcid.ServiceInstanceKey) (int, error) {
	m.reactor.AssertOnReactorThread()
	key := endpointKey{address: address, integrity: integrity}
	m.mu.Lock()
	e, ok := m.live[key]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("connmgr: no live connection for %s", address)
	}
	return e.connector.ReleaseMapper(providedKey), nil
}

// OnDisconnect implements spec §4.4's `on_disconnect`: move proxy from the
// live map to the terminated list and schedule a reactor event to drop the
// terminated list, so the move itself is atomic with respect to concurrent
// connect calls for the same endpoint (spec's invariant: a connect
// observing this endpoint mid-move must see either the still-live proxy
// or a freshly created one, never a half-destroyed one).
func (m *Manager) OnDisconnect(proxy *proxyconn.ConnectionProxy) {
	m.reactor.AssertOnReactorThread()

	m.mu.Lock()
	var found *entry
	var foundKey endpointKey
	for k, e := range m.live {
		if e.proxy == proxy {
			found = e
			foundKey = k
			break
		}
	}
	if found != nil {
		delete(m.live, foundKey)
		m.terminated = append(m.terminated, found)
	}
	m.mu.Unlock()

	if found == nil {
		return
	}
	m.reactor.Post(func() {
		m.mu.Lock()
		for i, e := range m.terminated {
			if e == found {
				m.terminated = append(m.terminated[:i], m.terminated[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	})
}

// LiveCount reports the number of live ConnectionProxys, for tests and
// diagnostics.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
