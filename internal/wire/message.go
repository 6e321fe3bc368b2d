// Package wire implements the generic + type-specific protocol headers and
// the packet buffer of spec §3 and §6.1. Encoding is exact, fixed-width,
// little-endian in memory — deliberately built on encoding/binary rather
// than a generic serialization library, because the wire layout is a
// contract with a non-Go peer and cannot tolerate a schema-driven encoder's
// framing (see DESIGN.md).
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
)

// ProtocolVersion is the constant value every generic header must carry.
const ProtocolVersion uint32 = 3

// GenericHeaderSize is the fixed size of the generic header that prefixes
// every packet.
const GenericHeaderSize = 12

// MessageType identifies the kind of message a packet carries.
type MessageType uint32

// Recognised message types (spec §6.1).
const (
	MessageTypeRequest           MessageType = 0x00000000
	MessageTypeRequestNoReturn   MessageType = 0x00000001
	MessageTypeResponse          MessageType = 0x00000002
	MessageTypeErrorResponse     MessageType = 0x00000003
	MessageTypeApplicationError  MessageType = 0x00000004
	MessageTypeNotification      MessageType = 0x00000005
	MessageTypeSubscribeEvent    MessageType = 0x80000003
	MessageTypeSubscribeEventAck MessageType = 0x80000004
	MessageTypeSubscribeEventNAck MessageType = 0x80000005
	MessageTypeUnsubscribeEvent      MessageType = 0x80000006
	MessageTypeUnsubscribeEventAck   MessageType = 0x80000007
	MessageTypeUnsubscribeEventNAck  MessageType = 0x80000008
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeRequestNoReturn:
		return "RequestNoReturn"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeErrorResponse:
		return "ErrorResponse"
	case MessageTypeApplicationError:
		return "ApplicationError"
	case MessageTypeNotification:
		return "Notification"
	case MessageTypeSubscribeEvent:
		return "SubscribeEvent"
	case MessageTypeSubscribeEventAck:
		return "SubscribeEventAck"
	case MessageTypeSubscribeEventNAck:
		return "SubscribeEventNAck"
	case MessageTypeUnsubscribeEvent:
		return "UnsubscribeEvent"
	case MessageTypeUnsubscribeEventAck:
		return "UnsubscribeEventAck"
	case MessageTypeUnsubscribeEventNAck:
		return "UnsubscribeEventNAck"
	default:
		return fmt.Sprintf("MessageType(0x%08x)", uint32(t))
	}
}

// IsNotification reports whether a message type omits client/session.
func (t MessageType) IsNotification() bool {
	return t == MessageTypeNotification
}

// IsRequestKind reports whether a message carries a reply to a prior
// request (used for §4.5 step 3 dispatch-by-client_id routing).
func (t MessageType) IsRequestKind() bool {
	switch t {
	case MessageTypeResponse, MessageTypeErrorResponse, MessageTypeApplicationError:
		return true
	default:
		return false
	}
}

// ReturnCode values carried by ErrorResponse (spec §6.1).
type ReturnCode uint32

const (
	ReturnCodeUnknownServiceId             ReturnCode = 0
	ReturnCodeUnknownInstanceId            ReturnCode = 1
	ReturnCodeUnknownMethodId              ReturnCode = 2
	ReturnCodeMalformedMessage             ReturnCode = 3
	ReturnCodeServiceNotAvailable          ReturnCode = 4
	ReturnCodeMethodRequestSchedulingFailed ReturnCode = 5
)

// GenericHeader is the 12-byte envelope that prefixes every packet.
type GenericHeader struct {
	ProtocolVersion uint32
	MessageType     MessageType
	TotalLength     uint32
}

// Encode writes the generic header into the first 12 bytes of out.
func (h GenericHeader) Encode(out []byte) {
	binary.LittleEndian.PutUint32(out[0:4], h.ProtocolVersion)
	binary.LittleEndian.PutUint32(out[4:8], uint32(h.MessageType))
	binary.LittleEndian.PutUint32(out[8:12], h.TotalLength)
}

// DecodeGenericHeader reads the generic header from the first 12 bytes of in.
func DecodeGenericHeader(in []byte) GenericHeader {
	return GenericHeader{
		ProtocolVersion: binary.LittleEndian.Uint32(in[0:4]),
		MessageType:     MessageType(binary.LittleEndian.Uint32(in[4:8])),
		TotalLength:     binary.LittleEndian.Uint32(in[8:12]),
	}
}

// RoutingHeader is the type-specific header shape shared by Request,
// RequestNoReturn, Response, ApplicationError and the Subscribe/Unsubscribe
// family: {service, instance, major, method_or_event, client, session, pad}.
// ErrorResponse appends a ReturnCode. This is a deliberate simplification of
// spec §6.1's per-type byte counts: every non-notification message must
// carry full (service, instance, major) so a shared connection can route it
// to the right ProxyRouterMapper (spec §4.5 step 2), so all of them use this
// 12-byte shape (see DESIGN.md's Open Question resolution).
type RoutingHeader struct {
	Service        ipcid.ServiceId
	Instance       ipcid.InstanceId
	Major          ipcid.MajorVersion
	MethodOrEvent  uint16 // MethodId for Request/Response/AppError, EventId for Subscribe family
	Client         ipcid.ClientId
	Session        ipcid.SessionId
}

// RoutingHeaderSize is the wire size of RoutingHeader.
const RoutingHeaderSize = 12

// Encode writes the routing header into out[0:12].
func (h RoutingHeader) Encode(out []byte) {
	binary.LittleEndian.PutUint16(out[0:2], uint16(h.Service))
	binary.LittleEndian.PutUint16(out[2:4], uint16(h.Instance))
	out[4] = byte(h.Major)
	binary.LittleEndian.PutUint16(out[5:7], h.MethodOrEvent)
	binary.LittleEndian.PutUint16(out[7:9], uint16(h.Client))
	binary.LittleEndian.PutUint16(out[9:11], uint16(h.Session))
	out[11] = 0 // pad
}

// DecodeRoutingHeader reads a routing header from in[0:12].
func DecodeRoutingHeader(in []byte) RoutingHeader {
	return RoutingHeader{
		Service:       ipcid.ServiceId(binary.LittleEndian.Uint16(in[0:2])),
		Instance:      ipcid.InstanceId(binary.LittleEndian.Uint16(in[2:4])),
		Major:         ipcid.MajorVersion(in[4]),
		MethodOrEvent: binary.LittleEndian.Uint16(in[5:7]),
		Client:        ipcid.ClientId(binary.LittleEndian.Uint16(in[7:9])),
		Session:       ipcid.SessionId(binary.LittleEndian.Uint16(in[9:11])),
	}
}

// ErrorResponseHeaderSize is RoutingHeaderSize plus a trailing return_code.
const ErrorResponseHeaderSize = RoutingHeaderSize + 4

// EncodeErrorResponse writes a routing header followed by a return code into
// out[0:16].
func EncodeErrorResponse(h RoutingHeader, code ReturnCode, out []byte) {
	h.Encode(out[0:RoutingHeaderSize])
	binary.LittleEndian.PutUint32(out[RoutingHeaderSize:ErrorResponseHeaderSize], uint32(code))
}

// DecodeErrorResponse reads a routing header plus return code from in[0:16].
func DecodeErrorResponse(in []byte) (RoutingHeader, ReturnCode) {
	h := DecodeRoutingHeader(in[0:RoutingHeaderSize])
	code := ReturnCode(binary.LittleEndian.Uint32(in[RoutingHeaderSize:ErrorResponseHeaderSize]))
	return h, code
}

// NotificationHeader omits client and session, per spec §3: {service,
// instance, major, event, pad}.
type NotificationHeader struct {
	Service  ipcid.ServiceId
	Instance ipcid.InstanceId
	Major    ipcid.MajorVersion
	Event    ipcid.EventId
}

// NotificationHeaderSize is the wire size of NotificationHeader.
const NotificationHeaderSize = 8

// Encode writes the notification header into out[0:8].
func (h NotificationHeader) Encode(out []byte) {
	binary.LittleEndian.PutUint16(out[0:2], uint16(h.Service))
	binary.LittleEndian.PutUint16(out[2:4], uint16(h.Instance))
	out[4] = byte(h.Major)
	binary.LittleEndian.PutUint16(out[5:7], uint16(h.Event))
	out[7] = 0 // pad
}

// DecodeNotificationHeader reads a notification header from in[0:8].
func DecodeNotificationHeader(in []byte) NotificationHeader {
	return NotificationHeader{
		Service:  ipcid.ServiceId(binary.LittleEndian.Uint16(in[0:2])),
		Instance: ipcid.InstanceId(binary.LittleEndian.Uint16(in[2:4])),
		Major:    ipcid.MajorVersion(in[4]),
		Event:    ipcid.EventId(binary.LittleEndian.Uint16(in[5:7])),
	}
}

// SpecificHeaderSize returns the wire size of the type-specific header that
// follows the generic header, for a given message type.
func SpecificHeaderSize(t MessageType) (int, error) {
	switch t {
	case MessageTypeRequest, MessageTypeRequestNoReturn, MessageTypeResponse, MessageTypeApplicationError,
		MessageTypeSubscribeEvent, MessageTypeSubscribeEventAck, MessageTypeSubscribeEventNAck,
		MessageTypeUnsubscribeEvent, MessageTypeUnsubscribeEventAck, MessageTypeUnsubscribeEventNAck:
		return RoutingHeaderSize, nil
	case MessageTypeErrorResponse:
		return ErrorResponseHeaderSize, nil
	case MessageTypeNotification:
		return NotificationHeaderSize, nil
	default:
		return 0, fmt.Errorf("wire: unrecognized message type 0x%08x", uint32(t))
	}
}
