package wire

import (
	"testing"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
)

func TestRoutingHeaderRoundTrip(t *testing.T) {
	for _, mt := range []MessageType{
		MessageTypeRequest, MessageTypeRequestNoReturn, MessageTypeResponse, MessageTypeApplicationError,
		MessageTypeSubscribeEvent, MessageTypeSubscribeEventAck, MessageTypeSubscribeEventNAck,
		MessageTypeUnsubscribeEvent, MessageTypeUnsubscribeEventAck, MessageTypeUnsubscribeEventNAck,
	} {
		h := RoutingHeader{
			Service:       1,
			Instance:      2,
			Major:         1,
			MethodOrEvent: 0x1234,
			Client:        0x0001,
			Session:       5,
		}
		buf := make([]byte, RoutingHeaderSize)
		h.Encode(buf)
		got := DecodeRoutingHeader(buf)
		if got != h {
			t.Fatalf("%s: round trip mismatch: got %+v, want %+v", mt, got, h)
		}
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	h := RoutingHeader{Service: 1, Instance: 2, Major: 1, MethodOrEvent: 3, Client: 9, Session: 5}
	buf := make([]byte, ErrorResponseHeaderSize)
	EncodeErrorResponse(h, ReturnCodeServiceNotAvailable, buf)
	gotH, gotCode := DecodeErrorResponse(buf)
	if gotH != h {
		t.Fatalf("header mismatch: got %+v, want %+v", gotH, h)
	}
	if gotCode != ReturnCodeServiceNotAvailable {
		t.Fatalf("return code mismatch: got %v", gotCode)
	}
}

func TestNotificationHeaderRoundTrip(t *testing.T) {
	h := NotificationHeader{Service: 1, Instance: 2, Major: 1, Event: 0x1234}
	buf := make([]byte, NotificationHeaderSize)
	h.Encode(buf)
	got := DecodeNotificationHeader(buf)
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestPacketValidateZeroBody(t *testing.T) {
	p, err := NewPacketFromHeaders(MessageTypeNotification, NotificationHeaderSize, 0)
	if err != nil {
		t.Fatalf("NewPacketFromHeaders: %v", err)
	}
	h := NotificationHeader{Service: 1, Instance: 1, Major: 1, Event: 7}
	h.Encode(p.SpecificHeaderBytes(NotificationHeaderSize))
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Len() != GenericHeaderSize+NotificationHeaderSize {
		t.Fatalf("unexpected length %d", p.Len())
	}
}

func TestPacketValidateRejectsLengthMismatch(t *testing.T) {
	p := NewPacket(GenericHeaderSize + 4)
	gh := GenericHeader{ProtocolVersion: ProtocolVersion, MessageType: MessageTypeNotification, TotalLength: 999}
	gh.Encode(p.Bytes())
	if err := p.Validate(); err == nil {
		t.Fatalf("expected Validate to reject mismatched total_length")
	}
}

func TestServiceInstanceWildcardValidation(t *testing.T) {
	if _, err := ipcid.NewProvidedServiceInstanceID(1, ipcid.InstanceIDAll, 1, 1); err == nil {
		t.Fatalf("expected rejection of InstanceIDAll in a provided id")
	}
	if _, err := ipcid.NewProvidedServiceInstanceID(1, 2, 1, ipcid.MinorVersionAny); err == nil {
		t.Fatalf("expected rejection of MinorVersionAny in a provided id")
	}
	if _, err := ipcid.NewProvidedServiceInstanceID(1, 2, 1, 1); err != nil {
		t.Fatalf("unexpected rejection of concrete id: %v", err)
	}
}

func TestRequiredServiceInstanceMatches(t *testing.T) {
	provided, err := ipcid.NewProvidedServiceInstanceID(1, 2, 1, 5)
	if err != nil {
		t.Fatalf("NewProvidedServiceInstanceID: %v", err)
	}
	req := ipcid.RequiredServiceInstanceID{InstanceAddressable: ipcid.InstanceAddressable{
		Service: 1, Instance: ipcid.InstanceIDAll, Major: 1, Minor: ipcid.MinorVersionAny,
	}}
	if !req.Matches(provided) {
		t.Fatalf("wildcarded requirement should match concrete provided id")
	}
	req.Instance = 3
	if req.Matches(provided) {
		t.Fatalf("requirement with mismatched instance should not match")
	}
}
