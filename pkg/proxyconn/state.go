// Package proxyconn implements the ConnectionProxy of spec §4.3: one
// outbound transport per remote endpoint, the three-message handshake FSM,
// the integrity-level check, and self-scheduled destruction so a proxy is
// never torn down from inside its own IO callback.
package proxyconn

import "fmt"

// ConnectionState is the lifecycle state of a ConnectionProxy (spec §4.2).
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// DisconnectReason classifies why a ConnectionProxy left Connected/
// Connecting, per SPEC_FULL.md's Open Question resolution: callers switch
// on the single CommunicationFailure value to decide whether an
// auto-reconnect is legal, with the other values kept only to make the
// terminal §7 error table representable in the StateChangeHandler
// callback.
type DisconnectReason int

const (
	DisconnectReasonNone DisconnectReason = iota
	DisconnectReasonCommunicationFailure
	DisconnectReasonIntegrityLevelTooLow
	DisconnectReasonHandshakeFailed
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonNone:
		return "None"
	case DisconnectReasonCommunicationFailure:
		return "CommunicationFailure"
	case DisconnectReasonIntegrityLevelTooLow:
		return "IntegrityLevelTooLow"
	case DisconnectReasonHandshakeFailed:
		return "HandshakeFailed"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
}

// StateChangeHandler is how a RemoteServer (or any other subscriber)
// learns about a ConnectionProxy's connected/disconnected transitions
// (spec §4.3's "surface the composite connected/disconnected state to any
// number of subscribers").
type StateChangeHandler interface {
	OnConnected()
	OnDisconnected(reason DisconnectReason)
}

// RouterConnector is the minimal surface ConnectionProxy needs from its
// owned RouterConnector (spec §4.4/§4.5): just enough to break the weak
// back-reference on termination. The concrete type lives in pkg/router,
// which holds the real weak-reference bookkeeping; proxyconn only needs
// this one-way notification to avoid an import cycle (router already
// imports proxyconn for *ConnectionProxy's weak back-reference).
type RouterConnector interface {
	// ConnectionTerminated is called exactly once, from the reactor, when
	// the owning ConnectionProxy is about to be destroyed. Implementations
	// clear their weak proxy reference but keep their mapper registrations
	// alive (spec §4.4: "mapper registrations survive until explicitly
	// released").
	ConnectionTerminated()
}
