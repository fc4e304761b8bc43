package ucp

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/stunnel/internal/codec"
)

// NewStreamHook is invoked once, synchronously, right after a server-mode
// endpoint creates a stream for a previously unknown peer and before the
// triggering SYN is delivered to it, giving the caller a chance to install
// a Handler before any data arrives.
type NewStreamHook func(s *Stream)

// socketSender adapts a net.PacketConn to the Sender interface every
// stream transmits through; the endpoint is the sole owner of the real
// socket, so every stream shares one handle rather than a cloned
// descriptor.
type socketSender struct {
	conn net.PacketConn
}

func (s *socketSender) SendTo(buf []byte, addr net.Addr) error {
	_, err := s.conn.WriteTo(buf, addr)
	return err
}

// Endpoint owns one UDP socket and demultiplexes inbound datagrams to a
// table of per-remote-address streams, ticking every stream at
// TickInterval granularity from a single run loop.
type Endpoint struct {
	conn      net.PacketConn
	sender    *socketSender
	log       *zap.Logger
	onNewUcp  NewStreamHook
	streams   map[string]*Stream
	lastTick  time.Time
}

// Listen binds a UDP socket at listenAddr and returns a ready Endpoint.
func Listen(listenAddr string, log *zap.Logger) (*Endpoint, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		conn:     conn,
		sender:   &socketSender{conn: conn},
		log:      log,
		streams:  make(map[string]*Stream),
		lastTick: time.Now(),
	}, nil
}

// SetOnNewStream installs the hook invoked for each newly accepted peer.
func (e *Endpoint) SetOnNewStream(hook NewStreamHook) { e.onNewUcp = hook }

// Close releases the underlying socket.
func (e *Endpoint) Close() error { return e.conn.Close() }

// Run drives the endpoint until ctx is cancelled: a read (bounded by a
// short deadline) followed by a tick pass, repeated forever. Mutation of
// the stream table happens only from this goroutine.
func (e *Endpoint) Run(ctx context.Context) {
	buf := make([]byte, codec.MTU)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.conn.SetReadDeadline(time.Now().Add(TickInterval))
		n, addr, err := e.conn.ReadFrom(buf)
		if err == nil {
			e.processDatagram(buf[:n], addr)
		} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			if e.log != nil {
				e.log.Debug("ucp endpoint read error", zap.Error(err))
			}
		}

		e.tick()
	}
}

func (e *Endpoint) processDatagram(buf []byte, addr net.Addr) {
	p, ok := codec.Parse(buf)
	if !ok {
		if e.log != nil {
			e.log.Error("recv illegal ucp packet", zap.Stringer("from", addr))
		}
		return
	}

	key := addr.String()
	if s, found := e.streams[key]; found {
		s.ProcessPacket(p, addr)
		return
	}

	if p.IsSyn() {
		if e.log != nil {
			e.log.Info("new ucp client", zap.Stringer("from", addr))
		}
		e.newStream(p, addr)
		return
	}

	if e.log != nil {
		e.log.Error("no session ucp packet", zap.Stringer("from", addr))
	}
}

func (e *Endpoint) newStream(syn *codec.Packet, addr net.Addr) {
	s := New(e.sender, addr, e.log)
	if e.onNewUcp != nil {
		e.onNewUcp(s)
	}
	e.streams[addr.String()] = s
	s.ProcessPacket(syn, addr)
}

func (e *Endpoint) tick() {
	if time.Since(e.lastTick) < TickInterval {
		return
	}
	e.lastTick = time.Now()

	var broken []string
	for key, s := range e.streams {
		if !s.Update() {
			broken = append(broken, key)
		}
	}
	for _, key := range broken {
		delete(e.streams, key)
	}
}

// StreamCount returns the number of live streams, for metrics/diagnostics.
func (e *Endpoint) StreamCount() int { return len(e.streams) }
