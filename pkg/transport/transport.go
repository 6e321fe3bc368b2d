// Package transport implements the ConnectionMessageHandler of spec §4.2: a
// per-connection framing layer that turns a duplex byte stream into a
// sequence of *wire.Packet receives, and a FIFO send queue bounded by a
// per-transport ceiling, drained with vectored writes. The duplex stream
// itself is a WebSocket connection (github.com/gorilla/websocket), wrapped
// here the way the teacher wraps an SSH channel in share/ssh_conn.go.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ioqueue"
	"github.com/midgardauto/ipcproxy/internal/wire"
)

// DefaultMaxEnqueuedPackets is used by NewHandler callers that have no
// reason to pick a different ceiling for this transport instance (see
// SPEC_FULL.md's Open Question resolution: the ceiling is per-transport,
// not a package constant).
const DefaultMaxEnqueuedPackets = 256

// ErrSendQueueFull is returned by Handler.Enqueue when a transport's send
// queue has reached its configured ceiling (spec §4.2 backpressure).
var ErrSendQueueFull = fmt.Errorf("transport: send queue full")

// duplexStream is the minimal surface Handler needs from the underlying
// connection. *wsStream (below) implements it over a *websocket.Conn;
// tests implement it directly over an in-memory pipe.
type duplexStream interface {
	io.Closer
	// ReadMessage returns one complete framed message's raw bytes.
	ReadMessage() ([]byte, error)
	// WriteMessage writes one complete framed message.
	WriteMessage(b []byte) error
}

// wsStream adapts a *websocket.Conn (one binary message per wire packet)
// to duplexStream.
type wsStream struct {
	conn *websocket.Conn
}

// DialWebsocket opens a new transport to url, the way share/client.go
// dials its upstream SSH-over-websocket tunnel.
func DialWebsocket(ctx context.Context, url string) (duplexStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &wsStream{conn: conn}, nil
}

// WrapWebsocket adapts an already-established *websocket.Conn (the server
// side of an accepted connection) to duplexStream.
func WrapWebsocket(conn *websocket.Conn) duplexStream {
	return &wsStream{conn: conn}
}

func (w *wsStream) ReadMessage() ([]byte, error) {
	_, b, err := w.conn.ReadMessage()
	return b, err
}

func (w *wsStream) WriteMessage(b []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsStream) Close() error {
	return w.conn.Close()
}

// Stats tracks bytes moved over a Handler's lifetime, logged the way
// share/ssh.go logs ConnStats at close with sizestr-formatted totals.
type Stats struct {
	mu       sync.Mutex
	sent     int64
	received int64
}

func (s *Stats) addSent(n int) {
	s.mu.Lock()
	s.sent += int64(n)
	s.mu.Unlock()
}

func (s *Stats) addReceived(n int) {
	s.mu.Lock()
	s.received += int64(n)
	s.mu.Unlock()
}

func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("sent %s received %s", sizestr.ToString(s.sent), sizestr.ToString(s.received))
}

// Handler is the ConnectionMessageHandler of spec §4.2: it owns the
// receive framing state machine and the bounded send queue for one
// transport connection.
type Handler struct {
	logger.Logger
	stream  duplexStream
	maxSend int

	sendMu    sync.Mutex
	sendQueue []*wire.Packet

	Stats Stats
}

// NewHandler wraps stream as a ConnectionMessageHandler. maxSend is this
// transport's kMaxEnqueuedPacketsCount (spec's Open Question: a
// per-transport field, see DESIGN.md); pass <= 0 to use
// DefaultMaxEnqueuedPackets.
func NewHandler(log logger.Logger, stream duplexStream, maxSend int) *Handler {
	if maxSend <= 0 {
		maxSend = DefaultMaxEnqueuedPackets
	}
	return &Handler{Logger: log, stream: stream, maxSend: maxSend}
}

// ReadPacket blocks until one complete, validated packet has been received,
// or the stream fails. It corresponds to spec §4.2's ReadHeader -> ReadBody
// (or SkipBody on a malformed header) receive sequence; websocket message
// framing means the transport boundary itself already delivers one whole
// message per call, so ReadPacket validates it as a unit rather than
// driving the two-phase state machine byte-by-byte.
func (h *Handler) ReadPacket() (*wire.Packet, error) {
	raw, err := h.stream.ReadMessage()
	if err != nil {
		return nil, err
	}
	h.Stats.addReceived(len(raw))
	if len(raw) < wire.GenericHeaderSize {
		return nil, fmt.Errorf("transport: message shorter than generic header (%d bytes)", len(raw))
	}
	p := wire.NewPacket(len(raw))
	copy(p.Bytes(), raw)
	if err := p.Validate(); err != nil {
		// Malformed header: spec §4.2 calls for skipping the body and
		// continuing to read rather than tearing down the connection.
		h.DLogf("transport: discarding malformed packet: %s", err)
		return nil, errMalformed{err}
	}
	return p, nil
}

type errMalformed struct{ err error }

func (e errMalformed) Error() string { return e.err.Error() }

// IsMalformed reports whether err was produced by a ReadPacket call that
// successfully skipped a malformed packet body rather than failing the
// transport outright.
func IsMalformed(err error) bool {
	_, ok := err.(errMalformed)
	return ok
}

// Enqueue appends p to the FIFO send queue, failing with ErrSendQueueFull
// once the per-transport ceiling is reached (spec §4.2 backpressure).
func (h *Handler) Enqueue(p *wire.Packet) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if len(h.sendQueue) >= h.maxSend {
		return ErrSendQueueFull
	}
	h.sendQueue = append(h.sendQueue, p)
	return nil
}

// QueueDepth returns the number of packets currently queued for send.
func (h *Handler) QueueDepth() int {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return len(h.sendQueue)
}

// FlushOne pops the head of the send queue and writes it out, using a
// vectored view (internal/ioqueue) even though a single websocket message
// write never actually needs more than one chunk — kept uniform with the
// multi-chunk transports SPEC_FULL.md anticipates behind the same
// interface (e.g. a raw-socket transport that scatters header/payload).
func (h *Handler) FlushOne() (bool, error) {
	h.sendMu.Lock()
	if len(h.sendQueue) == 0 {
		h.sendMu.Unlock()
		return false, nil
	}
	p := h.sendQueue[0]
	h.sendQueue = h.sendQueue[1:]
	h.sendMu.Unlock()

	q := ioqueue.New([][]byte{p.Bytes()})
	view := q.RemainingView()
	full := make([]byte, 0, p.Len())
	for _, chunk := range view {
		full = append(full, chunk...)
	}
	if err := h.stream.WriteMessage(full); err != nil {
		return true, err
	}
	h.Stats.addSent(len(full))
	return true, nil
}

// Close logs the Handler's Stats and closes the underlying stream.
func (h *Handler) Close() error {
	h.DLogf("transport: closing stream (%s)", &h.Stats)
	return h.stream.Close()
}

// UnderlyingConn returns the raw net.Conn beneath a websocket-backed
// transport, when one exists; other stream kinds (including test fakes)
// return nil, false.
func UnderlyingConn(stream duplexStream) (net.Conn, bool) {
	if w, ok := stream.(*wsStream); ok {
		if nc := w.conn.UnderlyingConn(); nc != nil {
			return nc, true
		}
	}
	return nil, false
}
