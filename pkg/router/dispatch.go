package router

import (
	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/internal/trace"
	"github.com/midgardauto/ipcproxy/internal/wire"
)

// DispatchInbound implements spec §4.5's inbound dispatch for one received
// packet: decode headers, find the Mapper for (service, instance, major),
// then route by message type. Returns false if the packet was dropped
// because no Mapper is registered for its ServiceInstance (spec step 2:
// "if absent, drop the packet and log once" — the caller logs, since only
// it has the connection-identifying context worth logging).
//
// Every message kind is also reported to the owning ConnectionProxy's
// trace.Monitor with direction Rx, whether or not a Mapper/Router was
// found to deliver it to (spec's TraceMonitor supplement, SPEC_FULL.md
// §5): tracing observes the wire, not delivery outcome.
func DispatchInbound(c *Connector, p *wire.Packet) (delivered bool, err error) {
	gh := p.GenericHeader()
	specLen, err := wire.SpecificHeaderSize(gh.MessageType)
	if err != nil {
		return false, err
	}

	monitor := connectorTraceMonitor(c)

	switch gh.MessageType {
	case wire.MessageTypeNotification:
		nh := wire.DecodeNotificationHeader(p.SpecificHeaderBytes(specLen))
		payload := p.Payload(specLen)
		monitor.TraceNotification(trace.Notification{
			Direction: trace.DirectionRx, Service: nh.Service, Instance: nh.Instance, Major: nh.Major,
			Event: nh.Event, Packet: payload,
		})
		key := ipcid.ServiceInstanceKey{Service: nh.Service, Instance: nh.Instance, Major: nh.Major}
		mapper, ok := c.LookupMapper(key)
		if !ok {
			return false, nil
		}
		for _, r := range mapper.AllRouters() {
			r.DeliverNotification(nh.Event, payload)
		}
		return true, nil

	case wire.MessageTypeResponse:
		payload := p.Payload(specLen)
		return dispatchRoutingHeaderMessage(c, p, specLen,
			func(rh wire.RoutingHeader) {
				monitor.TraceMethodResponse(trace.MethodResponse{
					Direction: trace.DirectionRx, Service: rh.Service, Instance: rh.Instance, Major: rh.Major,
					Method: ipcid.MethodId(rh.MethodOrEvent), Client: rh.Client, Session: rh.Session, Packet: payload,
				})
			},
			func(r *Router, rh wire.RoutingHeader) {
				r.DeliverResponse(ipcid.MethodId(rh.MethodOrEvent), payload)
			})

	case wire.MessageTypeErrorResponse:
		rh, code := wire.DecodeErrorResponse(p.SpecificHeaderBytes(specLen))
		monitor.TraceMethodErrorResponse(trace.MethodErrorResponse{
			Direction: trace.DirectionRx, Service: rh.Service, Instance: rh.Instance, Major: rh.Major,
			Method: ipcid.MethodId(rh.MethodOrEvent), Client: rh.Client, Session: rh.Session,
			ReturnCode: uint32(code), Packet: p.Payload(specLen),
		})
		key := ipcid.ServiceInstanceKey{Service: rh.Service, Instance: rh.Instance, Major: rh.Major}
		mapper, ok := c.LookupMapper(key)
		if !ok {
			return false, nil
		}
		r, ok := mapper.LookupRouter(rh.Client)
		if !ok {
			return false, nil
		}
		r.DeliverErrorResponse(ipcid.MethodId(rh.MethodOrEvent), uint32(code))
		return true, nil

	case wire.MessageTypeApplicationError:
		payload := p.Payload(specLen)
		return dispatchRoutingHeaderMessage(c, p, specLen,
			func(rh wire.RoutingHeader) {
				monitor.TraceApplicationError(trace.ApplicationError{
					Direction: trace.DirectionRx, Service: rh.Service, Instance: rh.Instance, Major: rh.Major,
					Method: ipcid.MethodId(rh.MethodOrEvent), Client: rh.Client, Session: rh.Session, Packet: payload,
				})
			},
			func(r *Router, rh wire.RoutingHeader) {
				r.DeliverApplicationError(ipcid.MethodId(rh.MethodOrEvent), payload)
			})

	case wire.MessageTypeSubscribeEventAck:
		payload := p.Payload(specLen)
		return dispatchRoutingHeaderMessage(c, p, specLen,
			func(rh wire.RoutingHeader) {
				monitor.TraceSubscribeEventAck(trace.SubscribeEventAck{
					Direction: trace.DirectionRx, Service: rh.Service, Instance: rh.Instance, Major: rh.Major,
					Event: ipcid.EventId(rh.MethodOrEvent), Client: rh.Client, Session: rh.Session, Packet: payload,
				})
			},
			func(r *Router, rh wire.RoutingHeader) {
				r.DeliverSubscribeAck(ipcid.EventId(rh.MethodOrEvent), true)
			})

	case wire.MessageTypeSubscribeEventNAck:
		payload := p.Payload(specLen)
		return dispatchRoutingHeaderMessage(c, p, specLen,
			func(rh wire.RoutingHeader) {
				monitor.TraceSubscribeEventNAck(trace.SubscribeEventNAck{
					Direction: trace.DirectionRx, Service: rh.Service, Instance: rh.Instance, Major: rh.Major,
					Event: ipcid.EventId(rh.MethodOrEvent), Client: rh.Client, Session: rh.Session, Packet: payload,
				})
			},
			func(r *Router, rh wire.RoutingHeader) {
				r.DeliverSubscribeAck(ipcid.EventId(rh.MethodOrEvent), false)
			})

	default:
		return false, nil
	}
}

// connectorTraceMonitor upgrades c's weak ConnectionProxy reference to
// fetch the Monitor it was constructed with, falling back to a no-op one
// once the proxy has terminated (the same tolerant-of-missing-links style
// LookupMapper/GetConnector already use elsewhere in this package).
func connectorTraceMonitor(c *Connector) trace.Monitor {
	if proxy, ok := c.GetConnectionProxy(); ok {
		if m := proxy.TraceMonitor(); m != nil {
			return m
		}
	}
	return trace.NopMonitor{}
}

// dispatchRoutingHeaderMessage factors out the shared (service, instance,
// major) -> Mapper -> client_id -> Router lookup used by every message
// family that carries a RoutingHeader (spec step 3's request-kind routing
// and step 4's ack routing). traced runs unconditionally right after
// decoding, before the lookup, so a message is traced even when it is about
// to be dropped for lack of a registered Mapper/Router; deliver only runs
// once both are found.
func dispatchRoutingHeaderMessage(c *Connector, p *wire.Packet, specLen int, traced func(wire.RoutingHeader), deliver func(*Router, wire.RoutingHeader)) (bool, error) {
	rh := wire.DecodeRoutingHeader(p.SpecificHeaderBytes(specLen))
	traced(rh)
	key := ipcid.ServiceInstanceKey{Service: rh.Service, Instance: rh.Instance, Major: rh.Major}
	mapper, ok := c.LookupMapper(key)
	if !ok {
		return false, nil
	}
	r, ok := mapper.LookupRouter(rh.Client)
	if !ok {
		return false, nil
	}
	deliver(r, rh)
	return true, nil
}
