// Package reactor implements the single-thread event loop of spec §5/§9:
// every mutation of ConnectionProxy/ConnectionManagerProxy/ProxyRouter state
// happens on one goroutine, so objects never need to protect their own
// fields against concurrent access from two different pieces of proxy
// logic. Real socket I/O happens on separate goroutines (Go's blocking I/O
// model doesn't have a single-threaded epoll loop to centralize that on),
// but every *decision* — state transitions, dispatch, destruction — is
// funneled back onto the reactor goroutine as a posted Event, exactly the
// way spec §9 describes "reactor software events" waking the single
// dispatch thread.
package reactor

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/prep/socketpair"
	"github.com/sammck-go/logger"
)

// Event is a unit of work that must run on the reactor goroutine.
type Event func()

// Reactor serializes Events from any number of goroutines onto exactly one
// goroutine. Event delivery is modeled on the classic self-pipe trick:
// Post appends to a queue and writes a single wakeup byte to one end of a
// connected socket pair; Run blocks reading the other end and drains the
// queue whenever it wakes, rather than busy-polling.
type Reactor struct {
	logger.Logger
	mu       sync.Mutex
	queue    []Event
	signaled bool
	running  bool // true while an Event is actively executing on the reactor goroutine

	wakeR net.Conn
	wakeW net.Conn
}

// New creates a Reactor. It allocates a connected pair of unix-domain
// sockets (github.com/prep/socketpair) purely as a wakeup signal between
// Post's caller goroutine and Run's goroutine; no application data ever
// flows over it.
func New(log logger.Logger) (*Reactor, error) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		return nil, fmt.Errorf("reactor: unable to create wakeup socketpair: %w", err)
	}
	return &Reactor{Logger: log, wakeR: a, wakeW: b}, nil
}

// Post schedules ev to run on the reactor goroutine and returns
// immediately. Safe to call from any goroutine, including from within an
// Event already executing on the reactor (in which case ev runs after the
// current Event returns, in the same drain pass, never synchronously).
func (r *Reactor) Post(ev Event) {
	r.mu.Lock()
	r.queue = append(r.queue, ev)
	needSignal := !r.signaled
	r.signaled = true
	r.mu.Unlock()
	if needSignal {
		// Best-effort: if the wakeup write fails the reactor is shutting
		// down and Run is about to exit anyway.
		_, _ = r.wakeW.Write([]byte{0})
	}
}

// OnReactorThread reports whether the calling goroutine appears to be
// inside an Event dispatched by Run. This cannot prove goroutine identity
// (Go intentionally has no portable goroutine-id API) but it catches the
// common misuse of touching reactor-owned state from an unrelated
// goroutine during development and tests.
func (r *Reactor) OnReactorThread() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// AssertOnReactorThread panics if called outside of an Event dispatched by
// this Reactor's Run loop. Domain types call this at the top of every
// method that mutates reactor-owned state, mirroring spec §9's invariant
// that such mutation only ever happens on the single dispatch thread.
func (r *Reactor) AssertOnReactorThread() {
	if !r.OnReactorThread() {
		panic("reactor: called off the reactor goroutine")
	}
}

// Run drains posted Events until ctx is cancelled. It must be called from
// exactly one goroutine, which becomes "the reactor goroutine" for the
// lifetime of the call.
func (r *Reactor) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = r.wakeR.Close()
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.drain()
		_, err := r.wakeR.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reactor: wakeup read failed: %w", err)
		}
	}
}

func (r *Reactor) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.signaled = false
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.running = true
		r.mu.Unlock()

		ev()

		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}
}

// Close releases the wakeup socketpair. Run must have returned (or never
// been started) before Close is called.
func (r *Reactor) Close() error {
	_ = r.wakeR.Close()
	_ = r.wakeW.Close()
	return nil
}
