package tunnel

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// AcceptedPort is handed to the server side's accept loop when the peer
// opens a new port: either Address or DomainName is set (never both),
// matching the OpenAddress/OpenDomainName split in the wire protocol.
type AcceptedPort struct {
	Read    ReadPort
	Write   WritePort
	Address string // set for an OpenAddress destination
	Domain  string // set for an OpenDomainName destination
	Port    uint16 // valid only alongside Domain
}

// Mux multiplexes many logical ports over one Carrier. The client side
// allocates port ids and calls OpenPort; the server side never allocates
// ids itself and instead receives them via Accept as the peer opens ports
// — matching the SOCKS5 adapter's client-always-initiates architecture.
type Mux struct {
	carrier Carrier
	log     *zap.Logger

	mu    sync.Mutex
	ports map[uint32]*portState

	nextID uint32 // client-side only; accessed via atomic

	accept chan *AcceptedPort // server-side only

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientMux wraps carrier for the client side, which opens ports.
func NewClientMux(carrier Carrier, log *zap.Logger) *Mux {
	m := &Mux{
		carrier: carrier,
		log:     log,
		ports:   make(map[uint32]*portState),
		closed:  make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// NewServerMux wraps carrier for the server side, which accepts ports the
// peer opens. Call Accept in a loop to receive them.
func NewServerMux(carrier Carrier, log *zap.Logger) *Mux {
	m := &Mux{
		carrier: carrier,
		log:     log,
		ports:   make(map[uint32]*portState),
		accept:  make(chan *AcceptedPort, 64),
		closed:  make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Close tears the mux and its carrier down; every open port's read side
// will observe ClosedMsg.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		for _, p := range m.ports {
			close(p.closed)
		}
		m.mu.Unlock()
	})
	return m.carrier.Close()
}

// OpenPort allocates a new logical port id and returns its write/read
// halves. Client-side only.
func (m *Mux) OpenPort() (WritePort, ReadPort) {
	id := atomic.AddUint32(&m.nextID, 1)
	state := newPortState(id)

	m.mu.Lock()
	m.ports[id] = state
	m.mu.Unlock()

	return WritePort{mux: m, id: id}, ReadPort{mux: m, state: state}
}

// Accept blocks for the next port the peer opens. Server-side only.
func (m *Mux) Accept() (*AcceptedPort, bool) {
	select {
	case p, ok := <-m.accept:
		return p, ok
	case <-m.closed:
		return nil, false
	}
}

func (m *Mux) lookup(id uint32) *portState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports[id]
}

func (m *Mux) send(f wireFrame) {
	select {
	case <-m.closed:
		return
	default:
	}
	if err := m.carrier.Send(encodeFrame(f)); err != nil && m.log != nil {
		m.log.Debug("tunnel carrier send failed", zap.Error(err), zap.Uint32("port", f.portID))
	}
}

func (m *Mux) writeData(id uint32, buf []byte) {
	m.mu.Lock()
	p := m.ports[id]
	writable := p != nil && !p.writeClosed
	m.mu.Unlock()
	if !writable {
		return
	}
	m.send(wireFrame{tag: tagData, portID: id, data: buf})
}

func (m *Mux) shutdownWrite(id uint32) {
	m.mu.Lock()
	if p := m.ports[id]; p != nil {
		p.writeClosed = true
	}
	m.mu.Unlock()
	m.send(wireFrame{tag: tagShutdownWrite, portID: id})
}

func (m *Mux) closePort(id uint32) {
	m.send(wireFrame{tag: tagClose, portID: id})
	m.forget(id)
}

func (m *Mux) dropPort(id uint32) {
	m.forget(id)
}

func (m *Mux) forget(id uint32) {
	m.mu.Lock()
	if p, ok := m.ports[id]; ok {
		delete(m.ports, id)
		select {
		case <-p.closed:
		default:
			close(p.closed)
		}
	}
	m.mu.Unlock()
}

// dispatchLoop is the mux's single reader goroutine: it owns carrier.Recv
// exclusively and fans decoded frames out to per-port inboxes (or, for a
// server mux, onto the Accept channel for a never-seen port id). Each inbox
// holds inboxSize messages; once a port's inbox is full, this loop waits
// until that port reads or is closed, and no other port receives frames
// in the meantime.
func (m *Mux) dispatchLoop() {
	for {
		raw, err := m.carrier.Recv()
		if err != nil {
			m.Close()
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			if m.log != nil {
				m.log.Error("dropping malformed tunnel frame", zap.Error(err))
			}
			continue
		}
		m.dispatch(f)
	}
}

func (m *Mux) dispatch(f wireFrame) {
	switch f.tag {
	case tagOpenAddress, tagOpenDomainName:
		m.handleOpen(f)
	case tagConnectOk:
		if p := m.lookup(f.portID); p != nil {
			p.deliver(ConnectOkMsg{Addr: f.addr})
		}
	case tagConnectFailed:
		if p := m.lookup(f.portID); p != nil {
			p.deliver(ConnectFailedMsg{})
		}
	case tagShutdownWrite:
		if p := m.lookup(f.portID); p != nil {
			p.deliver(ShutdownWriteMsg{})
		}
	case tagClose:
		if p := m.lookup(f.portID); p != nil {
			p.deliver(ClosedMsg{})
		}
		m.forget(f.portID)
	case tagData:
		if p := m.lookup(f.portID); p != nil {
			p.deliver(DataMsg{Data: f.data})
		}
	}
}

func (m *Mux) handleOpen(f wireFrame) {
	if m.accept == nil {
		return // client-side mux never accepts ports
	}
	state := newPortState(f.portID)
	m.mu.Lock()
	m.ports[f.portID] = state
	m.mu.Unlock()

	ap := &AcceptedPort{
		Read:  ReadPort{mux: m, state: state},
		Write: WritePort{mux: m, id: f.portID},
	}
	if f.tag == tagOpenAddress {
		ap.Address = f.addr
	} else {
		ap.Domain, ap.Port = f.domain, f.port
	}

	select {
	case m.accept <- ap:
	case <-m.closed:
	}
}

// ReplyConnectOk tells the peer's port that the destination connected,
// with the bound local address. Server-side only, called once per port.
func (m *Mux) ReplyConnectOk(id uint32, addr string) {
	m.send(wireFrame{tag: tagConnectOk, portID: id, addr: addr})
}

// ReplyConnectFailed tells the peer's port that the destination could not
// be reached. Server-side only, called once per port.
func (m *Mux) ReplyConnectFailed(id uint32) {
	m.send(wireFrame{tag: tagConnectFailed, portID: id})
}
