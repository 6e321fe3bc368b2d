package proxyconn

import (
	"encoding/binary"
	"fmt"
)

// handshakeProtocolVersion is the version carried in ClientToServerMessage1.
const handshakeProtocolVersion uint16 = 1

// clientToServerMessage1 is the first handshake message (spec §4.3): four
// logically-separate fields gathered into the single message a message-
// oriented transport (WebSocket) delivers atomically, the way a writev(2)
// call gathers multiple buffers into one underlying write — each field is
// encoded independently so the caller can regenerate just one without
// re-serializing the whole struct, same reasoning as internal/ioqueue.
type clientToServerMessage1 struct {
	ProtocolVersion   uint16
	C2SShmID          uint64
	NotificationShmID uint64
	S2CBufferHint     uint64
}

const clientToServerMessage1Size = 2 + 8 + 8 + 8

func (m clientToServerMessage1) vectors() [][]byte {
	v0 := make([]byte, 2)
	binary.LittleEndian.PutUint16(v0, m.ProtocolVersion)
	v1 := make([]byte, 8)
	binary.LittleEndian.PutUint64(v1, m.C2SShmID)
	v2 := make([]byte, 8)
	binary.LittleEndian.PutUint64(v2, m.NotificationShmID)
	v3 := make([]byte, 8)
	binary.LittleEndian.PutUint64(v3, m.S2CBufferHint)
	return [][]byte{v0, v1, v2, v3}
}

func (m clientToServerMessage1) encode() []byte {
	out := make([]byte, 0, clientToServerMessage1Size)
	for _, v := range m.vectors() {
		out = append(out, v...)
	}
	return out
}

func decodeClientToServerMessage1(b []byte) (clientToServerMessage1, error) {
	if len(b) < clientToServerMessage1Size {
		return clientToServerMessage1{}, fmt.Errorf("proxyconn: short ClientToServerMessage1 (%d bytes)", len(b))
	}
	return clientToServerMessage1{
		ProtocolVersion:   binary.LittleEndian.Uint16(b[0:2]),
		C2SShmID:          binary.LittleEndian.Uint64(b[2:10]),
		NotificationShmID: binary.LittleEndian.Uint64(b[10:18]),
		S2CBufferHint:     binary.LittleEndian.Uint64(b[18:26]),
	}, nil
}

// serverToClientMessage1 is the server's handshake reply.
type serverToClientMessage1 struct {
	S2CShmID uint64
}

const serverToClientMessage1Size = 8

func (m serverToClientMessage1) encode() []byte {
	b := make([]byte, serverToClientMessage1Size)
	binary.LittleEndian.PutUint64(b, m.S2CShmID)
	return b
}

func decodeServerToClientMessage1(b []byte) (serverToClientMessage1, error) {
	if len(b) < serverToClientMessage1Size {
		return serverToClientMessage1{}, fmt.Errorf("proxyconn: short ServerToClientMessage1 (%d bytes)", len(b))
	}
	return serverToClientMessage1{S2CShmID: binary.LittleEndian.Uint64(b[0:8])}, nil
}

// clientToServerMessage2Ack is the one-byte dummy ack closing the
// handshake.
const clientToServerMessage2Ack byte = 0xA5

// handshakeStream is the minimal message-oriented surface the handshake
// needs. It mirrors transport.Handler's underlying duplexStream shape
// (one logical message per call) rather than a raw io.ReadWriter, because
// the real transport (WebSocket) is message-framed from the first byte —
// there is no separate "pre-framing" byte stream to drop down to, unlike
// the teacher's SSH channel wrapping in share/ssh_conn.go.
type handshakeStream interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
}

// runClientHandshake drives the client side of the 3-message exchange
// (spec §4.3): send ClientToServerMessage1 (its four fields gathered into
// one message, the message-oriented equivalent of a four-entry writev),
// read ServerToClientMessage1, send the one-byte ack.
func runClientHandshake(s handshakeStream, msg1 clientToServerMessage1) (serverToClientMessage1, error) {
	if err := s.WriteMessage(msg1.encode()); err != nil {
		return serverToClientMessage1{}, fmt.Errorf("proxyconn: handshake write failed: %w", err)
	}
	raw, err := s.ReadMessage()
	if err != nil {
		return serverToClientMessage1{}, fmt.Errorf("proxyconn: handshake read failed: %w", err)
	}
	reply, err := decodeServerToClientMessage1(raw)
	if err != nil {
		return serverToClientMessage1{}, err
	}
	if err := s.WriteMessage([]byte{clientToServerMessage2Ack}); err != nil {
		return serverToClientMessage1{}, fmt.Errorf("proxyconn: handshake ack write failed: %w", err)
	}
	return reply, nil
}

// runServerHandshake drives the server side: read ClientToServerMessage1,
// send ServerToClientMessage1, read the one-byte ack.
func runServerHandshake(s handshakeStream, reply serverToClientMessage1) (clientToServerMessage1, error) {
	raw, err := s.ReadMessage()
	if err != nil {
		return clientToServerMessage1{}, fmt.Errorf("proxyconn: handshake read failed: %w", err)
	}
	msg1, err := decodeClientToServerMessage1(raw)
	if err != nil {
		return clientToServerMessage1{}, err
	}
	if err := s.WriteMessage(reply.encode()); err != nil {
		return clientToServerMessage1{}, fmt.Errorf("proxyconn: handshake write failed: %w", err)
	}
	ack, err := s.ReadMessage()
	if err != nil {
		return clientToServerMessage1{}, fmt.Errorf("proxyconn: handshake ack read failed: %w", err)
	}
	if len(ack) != 1 || ack[0] != clientToServerMessage2Ack {
		return clientToServerMessage1{}, fmt.Errorf("proxyconn: unexpected handshake ack %v", ack)
	}
	return msg1, nil
}

// RunFakeServerHandshakeForTest drives the server side of the handshake
// over s with a fixed reply, so other packages' tests (pkg/connmgr) can
// stand up a fake Dialer without reimplementing this package's wire
// format. Not meant for production use.
func RunFakeServerHandshakeForTest(s DialedStream) error {
	_, err := runServerHandshake(s, serverToClientMessage1{S2CShmID: 0xdead})
	return err
}
