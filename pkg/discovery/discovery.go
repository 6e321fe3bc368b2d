// Package discovery implements the ServiceDiscoveryListener contract of
// spec §6.2 and its id translation: an external SD service tells a
// RemoteServer where a required interface currently lives (or that it no
// longer does), keyed by a possibly-wildcarded RequiredServiceInstanceID
// matched against the concrete ProvidedServiceInstanceID of whatever
// actually came up.
package discovery

import (
	"fmt"
	"sync"

	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
)

// ProvidedState is the Up/Down state of a discovered instance (spec §6.2).
type ProvidedState int

const (
	StateDown ProvidedState = iota
	StateUp
)

func (s ProvidedState) String() string {
	if s == StateUp {
		return "Up"
	}
	return "Down"
}

// Callback is invoked once per discovered instance matching a
// RequiredServiceInstanceID's listen_service registration.
type Callback func(endpoint ipcid.ProvidedServiceInstanceEndpoint, state ProvidedState)

// Listener is the ServiceDiscoveryListener contract of spec §6.2.
type Listener interface {
	ListenService(required ipcid.RequiredServiceInstanceID, cb Callback) error
	UnlistenService(required ipcid.RequiredServiceInstanceID) error
}

// StaticRegistry is an in-process Listener: concrete instances are
// published/withdrawn explicitly (by cmd/ipcproxy's static configuration,
// or a test) rather than discovered over a network protocol. A production
// deployment swaps this out for a Listener backed by a real SD mechanism
// (DNS-SD, Consul, etc.) without any change to pkg/remoteserver, which only
// ever sees the Listener interface.
//
// Grounded on share/locked_unix_socket_listener.go's mutex-guarded,
// logger-embedding registration style.
type StaticRegistry struct {
	logger.Logger

	mu        sync.Mutex
	listeners map[ipcid.RequiredServiceInstanceID][]Callback
	published map[ipcid.ProvidedServiceInstanceID]ipcid.UnicastAddress
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry(log logger.Logger) *StaticRegistry {
	return &StaticRegistry{
		Logger:    log,
		listeners: make(map[ipcid.RequiredServiceInstanceID][]Callback),
		published: make(map[ipcid.ProvidedServiceInstanceID]ipcid.UnicastAddress),
	}
}

// ListenService registers cb for every instance matching required,
// immediately delivering Up for whatever already-published instances
// match (spec §6.2's implicit "current state plus future changes"
// contract every SD client relies on).
func (r *StaticRegistry) ListenService(required ipcid.RequiredServiceInstanceID, cb Callback) error {
	r.mu.Lock()
	r.listeners[required] = append(r.listeners[required], cb)
	var initial []ipcid.ProvidedServiceInstanceEndpoint
	for id, addr := range r.published {
		if required.Matches(id) {
			initial = append(initial, ipcid.ProvidedServiceInstanceEndpoint{ID: id, Address: addr})
		}
	}
	r.mu.Unlock()

	for _, ep := range initial {
		cb(ep, StateUp)
	}
	return nil
}

// UnlistenService removes every callback registered for required.
func (r *StaticRegistry) UnlistenService(required ipcid.RequiredServiceInstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[required]; !ok {
		return fmt.Errorf("discovery: no listeners registered for %s", required)
	}
	delete(r.listeners, required)
	return nil
}

// Publish announces id as reachable at address, notifying every listener
// whose required id matches it.
func (r *StaticRegistry) Publish(id ipcid.ProvidedServiceInstanceID, address ipcid.UnicastAddress) {
	r.mu.Lock()
	r.published[id] = address
	cbs := r.matchingCallbacksLocked(id)
	r.mu.Unlock()

	ep := ipcid.ProvidedServiceInstanceEndpoint{ID: id, Address: address}
	for _, cb := range cbs {
		cb(ep, StateUp)
	}
}

// Withdraw announces that id is no longer reachable.
func (r *StaticRegistry) Withdraw(id ipcid.ProvidedServiceInstanceID) {
	r.mu.Lock()
	address, wasPublished := r.published[id]
	delete(r.published, id)
	cbs := r.matchingCallbacksLocked(id)
	r.mu.Unlock()

	if !wasPublished {
		return
	}
	ep := ipcid.ProvidedServiceInstanceEndpoint{ID: id, Address: address}
	for _, cb := range cbs {
		cb(ep, StateDown)
	}
}

func (r *StaticRegistry) matchingCallbacksLocked(id ipcid.ProvidedServiceInstanceID) []Callback {
	var cbs []Callback
	for required, list := range r.listeners {
		if required.Matches(id) {
			cbs = append(cbs, list...)
		}
	}
	return cbs
}
