// Package router implements the dispatch graph of spec §4.5: a
// ProxyRouterConnector per live ConnectionProxy, a ProxyRouterMapper per
// ServiceInstanceId sharing that connector, and a ProxyRouter per client
// sharing a mapper. Every "up" reference (Router->Mapper, Mapper->
// Connector, Connector->ConnectionProxy) is a weak back-link that must be
// explicitly upgraded and can fail; every "down" reference (Connector->
// Mapper, Mapper->Router, Router->Backend) is a strong, lifetime-owning
// edge. This is the same shape the teacher's channel/endpoint graph uses
// in share/channel.go and share/endpoint.go, generalized from "one
// channel descriptor owns its endpoint" to "one connector owns many
// mappers, each owning many routers."
package router

import "github.com/midgardauto/ipcproxy/internal/ipcid"

// EventBackend receives notifications and SubscribeEventAck/NAck
// deliveries for one subscribed event (spec §4.5 steps 3-4).
type EventBackend interface {
	OnNotification(event ipcid.EventId, payload []byte)
	OnSubscribeAck(event ipcid.EventId, accepted bool)
	SetServiceState(up bool)
}

// MethodBackend receives Response/ErrorResponse/ApplicationError replies
// for one outstanding method call family (spec §4.5 step 3).
type MethodBackend interface {
	OnResponse(method ipcid.MethodId, payload []byte)
	OnErrorResponse(method ipcid.MethodId, code uint32)
	// OnApplicationError delivers a MessageTypeApplicationError reply.
	// Unlike OnErrorResponse this message carries no return_code; payload
	// is its entire, opaque content and must not be collapsed into a
	// generic error code.
	OnApplicationError(method ipcid.MethodId, payload []byte)
	// CancelPending fails every promise this backend is holding with err,
	// called on a service-down/disconnect transition (spec §5's
	// cancellation rule).
	CancelPending(err error)
	SetServiceState(up bool)
}

// FireAndForgetBackend receives no reply; it only needs to know whether
// the service is currently reachable so it can fail fast.
type FireAndForgetBackend interface {
	SetServiceState(up bool)
}
