package ucp

import "time"

const (
	// DefaultWindow is the initial local/remote send-and-receive window, in packets.
	DefaultWindow = 512
	// DefaultRTO is the initial smoothed retransmit timeout, in milliseconds.
	DefaultRTO = 100
	// HeartbeatInterval bounds how often a HEARTBEAT is emitted on an idle stream.
	HeartbeatInterval = 2500 * time.Millisecond
	// StreamBrokenTimeout is how long a stream tolerates silence before it is
	// declared dead and torn down.
	StreamBrokenTimeout = 20000 * time.Millisecond
	// SkipResendTimes is the fast-skip threshold: a packet is resent once it
	// has been passed over by this many newer ACKs, regardless of RTO.
	SkipResendTimes = 2
	// TickInterval is the cadence at which the endpoint multiplexer drives
	// every stream's Update.
	TickInterval = 10 * time.Millisecond
)

// State is a stream's position in its one-way handshake/lifecycle.
type State int

const (
	StateNone State = iota
	StateAccepting
	StateConnecting
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateAccepting:
		return "ACCEPTING"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}
