package wire

import (
	"fmt"
	"sync"
)

// Packet is a contiguous byte buffer holding one fully-framed wire message
// (generic header + type-specific header + payload). It is always accessed
// through a *Packet handle; Go's garbage collector gives the "shared
// ownership, immutable once built" contract of spec §3 for free — any
// number of goroutines may hold and read the same *Packet concurrently, and
// it is only freed once the last holder drops it. The one spec requirement
// Go cannot express directly is the non-zeroing allocator (§9): make([]byte,
// n) always zero-fills in Go. acquireBuffer pulls previously-used buffers
// from a sync.Pool instead, so steady-state traffic amortizes the
// zero-fill cost across reuses rather than paying it on every packet,
// which is the practical equivalent available without unsafe (see
// DESIGN.md).
type Packet struct {
	buf []byte
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return new([]byte)
	},
}

// acquireBuffer returns a byte slice of exactly n bytes, preferring a
// pooled, previously-allocated backing array over a fresh allocation.
func acquireBuffer(n int) []byte {
	pooled := bufferPool.Get().(*[]byte)
	if cap(*pooled) >= n {
		return (*pooled)[:n]
	}
	return make([]byte, n)
}

// Release returns a packet's backing buffer to the pool. Callers must not
// retain or dereference the packet afterwards; it exists purely as a
// throughput optimization for hot paths that know a packet has no other
// holders (e.g. after a SkipBody discard or a fully-consumed send).
func (p *Packet) Release() {
	if p == nil || p.buf == nil {
		return
	}
	buf := p.buf
	p.buf = nil
	bufferPool.Put(&buf)
}

// NewPacket allocates a packet of exactly size bytes. The bytes are
// uninitialized (not zeroed beyond whatever a pooled buffer already
// contained) and must be fully overwritten by the caller — either by a
// vectored read completing the body or by a serializer writing a header
// and payload — before any byte is inspected.
func NewPacket(size int) *Packet {
	return &Packet{buf: acquireBuffer(size)}
}

// NewPacketFromHeaders builds a packet by encoding a generic header and a
// type-specific header, leaving room for payload bytes which the caller
// copies into Payload() afterwards.
func NewPacketFromHeaders(msgType MessageType, specificHeaderLen int, payloadLen int) (*Packet, error) {
	total := specificHeaderLen + payloadLen
	p := NewPacket(GenericHeaderSize + total)
	gh := GenericHeader{ProtocolVersion: ProtocolVersion, MessageType: msgType, TotalLength: uint32(total)}
	gh.Encode(p.buf[0:GenericHeaderSize])
	return p, nil
}

// Bytes returns the full wire representation (generic header included). The
// returned slice must not be mutated; once built, a packet's bytes are
// immutable for as long as any handle exists.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Len returns the total wire length (12 + total_length).
func (p *Packet) Len() int {
	return len(p.buf)
}

// GenericHeader decodes and returns the packet's generic header.
func (p *Packet) GenericHeader() GenericHeader {
	return DecodeGenericHeader(p.buf[0:GenericHeaderSize])
}

// SpecificHeaderBytes returns the type-specific header region, immediately
// following the generic header.
func (p *Packet) SpecificHeaderBytes(specificHeaderLen int) []byte {
	return p.buf[GenericHeaderSize : GenericHeaderSize+specificHeaderLen]
}

// Payload returns the payload region following the type-specific header.
func (p *Packet) Payload(specificHeaderLen int) []byte {
	return p.buf[GenericHeaderSize+specificHeaderLen:]
}

// Tail returns the mutable suffix of the packet's buffer starting at
// offset, used by ConnectionMessageHandler to hand vectored reads a
// destination that writes directly into the packet's own storage.
func (p *Packet) Tail(offset int) []byte {
	return p.buf[offset:]
}

// Validate checks the fundamental framing invariant of spec §8 item 5:
// total_length must equal packet length minus the generic header, and the
// protocol version must be the one this package implements.
func (p *Packet) Validate() error {
	if len(p.buf) < GenericHeaderSize {
		return fmt.Errorf("wire: packet shorter than generic header (%d bytes)", len(p.buf))
	}
	gh := p.GenericHeader()
	if gh.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("wire: unexpected protocol_version %d", gh.ProtocolVersion)
	}
	if int(gh.TotalLength) != len(p.buf)-GenericHeaderSize {
		return fmt.Errorf("wire: total_length %d does not match packet body %d", gh.TotalLength, len(p.buf)-GenericHeaderSize)
	}
	return nil
}

func (p *Packet) String() string {
	if p == nil {
		return "<nil packet>"
	}
	gh := p.GenericHeader()
	return fmt.Sprintf("Packet(type=%s, len=%d)", gh.MessageType, len(p.buf))
}
