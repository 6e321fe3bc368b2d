// Package trace is the Go rendition of the dropped TraceMonitor/TraceIf
// supplement (see SPEC_FULL.md §5): a constructor-injected observer that
// ConnectionProxy and ProxyRouter hand every message kind they carry, in
// both directions, purely for introspection. It never influences dispatch.
package trace

import "github.com/midgardauto/ipcproxy/internal/ipcid"

// Direction records whether a traced message was received from, or is
// about to be transmitted to, the peer.
type Direction uint8

const (
	DirectionRx Direction = iota
	DirectionTx
)

func (d Direction) String() string {
	if d == DirectionTx {
		return "tx"
	}
	return "rx"
}

// MethodCall is the parameter container for a Request (spec §6.1).
type MethodCall struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Method    ipcid.MethodId
	Client    ipcid.ClientId
	Session   ipcid.SessionId
	Packet    []byte
}

// MethodNoReturnCall is the parameter container for a RequestNoReturn.
type MethodNoReturnCall struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Method    ipcid.MethodId
	Client    ipcid.ClientId
	Session   ipcid.SessionId
	Packet    []byte
}

// MethodResponse is the parameter container for a Response.
type MethodResponse struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Method    ipcid.MethodId
	Client    ipcid.ClientId
	Session   ipcid.SessionId
	Packet    []byte
}

// MethodErrorResponse is the parameter container for an ErrorResponse; it
// carries the return_code, unlike ApplicationError below.
type MethodErrorResponse struct {
	Direction  Direction
	Service    ipcid.ServiceId
	Instance   ipcid.InstanceId
	Major      ipcid.MajorVersion
	Method     ipcid.MethodId
	Client     ipcid.ClientId
	Session    ipcid.SessionId
	ReturnCode uint32
	Packet     []byte
}

// ApplicationError is the parameter container for an ApplicationError: it
// carries no return_code, only the opaque packet payload (see backend.go's
// OnApplicationError and DESIGN.md).
type ApplicationError struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Method    ipcid.MethodId
	Client    ipcid.ClientId
	Session   ipcid.SessionId
	Packet    []byte
}

// Notification is the parameter container for a Notification; it has no
// client/session (spec §3's event-broadcast shape).
type Notification struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Event     ipcid.EventId
	Packet    []byte
}

// SubscribeEvent is the parameter container for a SubscribeEvent.
type SubscribeEvent struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Event     ipcid.EventId
	Client    ipcid.ClientId
	Session   ipcid.SessionId
	Packet    []byte
}

// UnsubscribeEvent is the parameter container for an UnsubscribeEvent.
type UnsubscribeEvent struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Event     ipcid.EventId
	Client    ipcid.ClientId
	Session   ipcid.SessionId
	Packet    []byte
}

// SubscribeEventAck is the parameter container for a SubscribeEventAck.
type SubscribeEventAck struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Event     ipcid.EventId
	Client    ipcid.ClientId
	Session   ipcid.SessionId
	Packet    []byte
}

// SubscribeEventNAck is the parameter container for a
// SubscribeEventNAck.
type SubscribeEventNAck struct {
	Direction Direction
	Service   ipcid.ServiceId
	Instance  ipcid.InstanceId
	Major     ipcid.MajorVersion
	Event     ipcid.EventId
	Client    ipcid.ClientId
	Session   ipcid.SessionId
	Packet    []byte
}

// Monitor receives one call per traced message, named after the message
// kind since Go has no overload resolution. ConnectionProxy.Send traces
// every message it hands to its transport; pkg/router's DispatchInbound
// traces every received message it decodes. The router graph never needs
// its own Monitor reference — it reaches the one ConnectionProxy holds via
// the Connector's weak upward link (see connmgr's propagation of a single
// Monitor to every ConnectionProxy it creates).
type Monitor interface {
	TraceMethodCall(MethodCall)
	TraceMethodNoReturnCall(MethodNoReturnCall)
	TraceMethodResponse(MethodResponse)
	TraceMethodErrorResponse(MethodErrorResponse)
	TraceNotification(Notification)
	TraceApplicationError(ApplicationError)
	TraceSubscribeEvent(SubscribeEvent)
	TraceUnsubscribeEvent(UnsubscribeEvent)
	TraceSubscribeEventAck(SubscribeEventAck)
	TraceSubscribeEventNAck(SubscribeEventNAck)
}

// NopMonitor discards every traced message. It is the default for callers
// with nothing to observe (tests, and any demo wiring that doesn't care).
type NopMonitor struct{}

func (NopMonitor) TraceMethodCall(MethodCall)                   {}
func (NopMonitor) TraceMethodNoReturnCall(MethodNoReturnCall)   {}
func (NopMonitor) TraceMethodResponse(MethodResponse)           {}
func (NopMonitor) TraceMethodErrorResponse(MethodErrorResponse) {}
func (NopMonitor) TraceNotification(Notification)               {}
func (NopMonitor) TraceApplicationError(ApplicationError)        {}
func (NopMonitor) TraceSubscribeEvent(SubscribeEvent)            {}
func (NopMonitor) TraceUnsubscribeEvent(UnsubscribeEvent)        {}
func (NopMonitor) TraceSubscribeEventAck(SubscribeEventAck)      {}
func (NopMonitor) TraceSubscribeEventNAck(SubscribeEventNAck)    {}

var _ Monitor = NopMonitor{}
