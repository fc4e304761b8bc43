package tunnel

// PortMsg is the union of messages a port's read side can deliver: Data,
// ConnectOk, ConnectFailed, ShutdownWrite, Closed.
type PortMsg interface{ isPortMsg() }

// DataMsg carries application bytes delivered in order on this port.
type DataMsg struct{ Data []byte }

// ConnectOkMsg is delivered exactly once, the first message a freshly
// opened port can receive, carrying the peer's bound address.
type ConnectOkMsg struct{ Addr string }

// ConnectFailedMsg is delivered instead of ConnectOkMsg when the peer could
// not establish the requested destination.
type ConnectFailedMsg struct{}

// ShutdownWriteMsg signals the peer has half-closed its write side: no more
// DataMsg will arrive, but the port is not yet fully closed.
type ShutdownWriteMsg struct{}

// ClosedMsg signals the peer discarded the port entirely.
type ClosedMsg struct{}

func (DataMsg) isPortMsg()          {}
func (ConnectOkMsg) isPortMsg()     {}
func (ConnectFailedMsg) isPortMsg() {}
func (ShutdownWriteMsg) isPortMsg() {}
func (ClosedMsg) isPortMsg()        {}

// inboxSize bounds how many undelivered messages a single port holds before
// the mux's dispatch loop would have to wait on it. Sized well above the
// reliable transport's default window so an idle local consumer can't stall
// the shared carrier under ordinary load.
const inboxSize = 1024

// portState is the mux's private bookkeeping for one logical port.
type portState struct {
	id     uint32
	inbox  chan PortMsg
	closed chan struct{}

	openSent    bool
	writeClosed bool
}

func newPortState(id uint32) *portState {
	return &portState{
		id:     id,
		inbox:  make(chan PortMsg, inboxSize),
		closed: make(chan struct{}),
	}
}

func (p *portState) deliver(msg PortMsg) {
	select {
	case p.inbox <- msg:
	case <-p.closed:
	}
}

// ReadPort is a port's read side, handed to whichever goroutine pumps
// tunnel data into the local TCP connection.
type ReadPort struct {
	mux   *Mux
	state *portState
}

// Read blocks for the next message on this port.
func (r *ReadPort) Read() PortMsg {
	select {
	case msg := <-r.state.inbox:
		return msg
	case <-r.state.closed:
		return ClosedMsg{}
	}
}

// Drain discards any buffered inbound messages without blocking, freeing
// memory held for a port whose local side has already hit EOF but that
// hasn't been Drop()ped yet.
func (r *ReadPort) Drain() {
	for {
		select {
		case <-r.state.inbox:
		default:
			return
		}
	}
}

// WritePort is a port's write side, used to open it and push data/control
// messages to the peer.
type WritePort struct {
	mux *Mux
	id  uint32
}

// Connect sends OpenAddress for a literal SOCKS5 address destination. Must
// be the first message sent on this port, and precede any Write.
func (w *WritePort) Connect(addr string) {
	w.mux.send(wireFrame{tag: tagOpenAddress, portID: w.id, addr: addr})
}

// ConnectDomainName sends OpenDomainName for a SOCKS5 domain-name
// destination. Must be the first message sent on this port.
func (w *WritePort) ConnectDomainName(domain string, port uint16) {
	w.mux.send(wireFrame{tag: tagOpenDomainName, portID: w.id, domain: domain, port: port})
}

// Write sends application bytes. No-op once ShutdownWrite or Close has
// been called on this side.
func (w *WritePort) Write(buf []byte) {
	w.mux.writeData(w.id, buf)
}

// ShutdownWrite half-closes this side: no further Write is accepted, and
// the peer is told to signal read-EOF to its local half.
func (w *WritePort) ShutdownWrite() {
	w.mux.shutdownWrite(w.id)
}

// Close discards any unsent buffered data for this port and tells the peer
// to do the same (Closed).
func (w *WritePort) Close() {
	w.mux.closePort(w.id)
}

// Drop releases this port's local slot without notifying the peer. Call
// after both Close/ShutdownWrite exchange has already completed.
func (w *WritePort) Drop() {
	w.mux.dropPort(w.id)
}

// ReplyConnectOk tells the peer the destination this port requested is now
// connected, at the given bound local address. Server-side only.
func (w *WritePort) ReplyConnectOk(addr string) {
	w.mux.ReplyConnectOk(w.id, addr)
}

// ReplyConnectFailed tells the peer the destination this port requested
// could not be reached. Server-side only.
func (w *WritePort) ReplyConnectFailed() {
	w.mux.ReplyConnectFailed(w.id)
}
