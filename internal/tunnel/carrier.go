// Package tunnel multiplexes many logical application streams ("ports")
// over a single carrier: either a reliable UDP (ucp) stream or a framed TCP
// byte stream, each opened and closed independently while sharing the one
// underlying connection to the peer.
package tunnel

import "errors"

// ErrCarrierClosed is returned by Send/Recv once the underlying carrier has
// torn down.
var ErrCarrierClosed = errors.New("tunnel: carrier closed")

// Carrier is a reliable, ordered, message-oriented transport: each Send
// call is delivered to the peer's Recv as one discrete frame, in the order
// sent. Both the UCP-backed and TCP-backed implementations provide this
// over an underlying byte stream by length-prefixing frames.
type Carrier interface {
	// Send transmits frame as one message. It blocks while the carrier is
	// applying backpressure (e.g. the underlying reliable stream's send
	// buffer is full) but never blocks on any other concern.
	Send(frame []byte) error
	// Recv blocks until the next frame arrives, or the carrier closes.
	Recv() ([]byte, error)
	Close() error
}
