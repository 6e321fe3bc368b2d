package router

import (
	"fmt"
	"sync"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/internal/wire"
)

// ErrNotConnected is returned by Router.Send when any weak link in the
// dispatch graph (Router->Mapper->Connector->ConnectionProxy) is empty
// (spec §4.5's outbound-dispatch NotConnected error).
var ErrNotConnected = fmt.Errorf("router: not connected")

// Router is the ProxyRouter of spec §4.5: owned by a Mapper, holding a
// weak back-reference to it plus the strongly-owned backend maps keyed by
// event_id / method_id.
type Router struct {
	clientID ipcid.ClientId

	mu     sync.Mutex
	mapper *Mapper // weak

	events        map[ipcid.EventId]EventBackend
	methods       map[ipcid.MethodId]MethodBackend
	fireAndForget map[ipcid.MethodId]FireAndForgetBackend
}

// NewRouter creates a Router for clientID; Mapper.RegisterRouter attaches
// it via setMapper.
func NewRouter(clientID ipcid.ClientId) *Router {
	return &Router{
		clientID:      clientID,
		events:        make(map[ipcid.EventId]EventBackend),
		methods:       make(map[ipcid.MethodId]MethodBackend),
		fireAndForget: make(map[ipcid.MethodId]FireAndForgetBackend),
	}
}

func (r *Router) setMapper(m *Mapper) {
	r.mu.Lock()
	r.mapper = m
	r.mu.Unlock()
}

// GetMapper upgrades the weak reference to the owning Mapper.
func (r *Router) GetMapper() (*Mapper, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapper, r.mapper != nil
}

// RegisterEventBackend attaches b under eventID.
func (r *Router) RegisterEventBackend(eventID ipcid.EventId, b EventBackend) {
	r.mu.Lock()
	r.events[eventID] = b
	r.mu.Unlock()
}

// RegisterMethodBackend attaches b under methodID.
func (r *Router) RegisterMethodBackend(methodID ipcid.MethodId, b MethodBackend) {
	r.mu.Lock()
	r.methods[methodID] = b
	r.mu.Unlock()
}

// RegisterFireAndForgetBackend attaches b under methodID.
func (r *Router) RegisterFireAndForgetBackend(methodID ipcid.MethodId, b FireAndForgetBackend) {
	r.mu.Lock()
	r.fireAndForget[methodID] = b
	r.mu.Unlock()
}

func (r *Router) eventBackend(id ipcid.EventId) (EventBackend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.events[id]
	return b, ok
}

func (r *Router) methodBackend(id ipcid.MethodId) (MethodBackend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.methods[id]
	return b, ok
}

// DeliverNotification implements inbound dispatch step 3 for
// MessageTypeNotification: find the EventBackend for this event and hand
// it the payload. A missing backend is not an error — the client simply
// never subscribed, or already unsubscribed.
func (r *Router) DeliverNotification(event ipcid.EventId, payload []byte) {
	if b, ok := r.eventBackend(event); ok {
		b.OnNotification(event, payload)
	}
}

// DeliverSubscribeAck implements inbound dispatch step 4.
func (r *Router) DeliverSubscribeAck(event ipcid.EventId, accepted bool) {
	if b, ok := r.eventBackend(event); ok {
		b.OnSubscribeAck(event, accepted)
	}
}

// DeliverResponse implements inbound dispatch step 3 for
// MessageTypeResponse.
func (r *Router) DeliverResponse(method ipcid.MethodId, payload []byte) {
	if b, ok := r.methodBackend(method); ok {
		b.OnResponse(method, payload)
	}
}

// DeliverErrorResponse implements inbound dispatch step 3 for
// MessageTypeErrorResponse.
func (r *Router) DeliverErrorResponse(method ipcid.MethodId, code uint32) {
	if b, ok := r.methodBackend(method); ok {
		b.OnErrorResponse(method, code)
	}
}

// DeliverApplicationError implements inbound dispatch step 3 for
// MessageTypeApplicationError, which carries no return_code: payload is
// its only content and is passed through unmodified.
func (r *Router) DeliverApplicationError(method ipcid.MethodId, payload []byte) {
	if b, ok := r.methodBackend(method); ok {
		b.OnApplicationError(method, payload)
	}
}

// setServiceState fans a service up/down transition out to every backend
// this Router owns, cancelling pending method promises on a down
// transition (spec §4.5 + §5's cancellation rule).
func (r *Router) setServiceState(up bool) {
	r.mu.Lock()
	events := make([]EventBackend, 0, len(r.events))
	for _, b := range r.events {
		events = append(events, b)
	}
	methods := make([]MethodBackend, 0, len(r.methods))
	for _, b := range r.methods {
		methods = append(methods, b)
	}
	ffs := make([]FireAndForgetBackend, 0, len(r.fireAndForget))
	for _, b := range r.fireAndForget {
		ffs = append(ffs, b)
	}
	r.mu.Unlock()

	for _, b := range events {
		b.SetServiceState(up)
	}
	for _, b := range methods {
		b.SetServiceState(up)
		if !up {
			b.CancelPending(ErrServiceNotAvailable)
		}
	}
	for _, b := range ffs {
		b.SetServiceState(up)
	}
}

// ErrServiceNotAvailable is the cancellation error delivered to pending
// method promises when their service transitions down (spec §7).
var ErrServiceNotAvailable = fmt.Errorf("router: service not available")

// Send implements outbound dispatch (spec §4.5): upgrade Router->Mapper->
// Connector->ConnectionProxy, and on success call the proxy's Send.
func (r *Router) Send(pkt *wire.Packet) error {
	mapper, ok := r.GetMapper()
	if !ok {
		return ErrNotConnected
	}
	connector, ok := mapper.GetConnector()
	if !ok {
		return ErrNotConnected
	}
	proxy, ok := connector.GetConnectionProxy()
	if !ok {
		return ErrNotConnected
	}
	return proxy.Send(pkt)
}
