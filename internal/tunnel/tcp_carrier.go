package tunnel

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/cppla/stunnel/internal/cryptor"
)

const tcpFrameHeaderLen = 4

// TCPCarrier runs the same framed, encrypted message protocol as
// UCPCarrier but directly over a net.Conn, for the non-UCP carrier mode
// (--enable-ucp unset). One reader goroutine and one writer goroutine
// serialize access to the connection; Send/Recv hand frames across via
// channels exactly like UCPCarrier, so Mux is carrier-agnostic.
type TCPCarrier struct {
	conn  net.Conn
	crypt *cryptor.Cryptor
	log   *zap.Logger

	outbound chan []byte
	inbound  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPCarrier wraps an already-connected/accepted net.Conn and starts its
// reader/writer goroutines.
func NewTCPCarrier(conn net.Conn, crypt *cryptor.Cryptor, log *zap.Logger) *TCPCarrier {
	c := &TCPCarrier{
		conn:     conn,
		crypt:    crypt,
		log:      log,
		outbound: make(chan []byte, 4096),
		inbound:  make(chan []byte, 4096),
		closed:   make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *TCPCarrier) Send(frame []byte) error {
	sealed, err := c.crypt.Encrypt(frame)
	if err != nil {
		return err
	}
	select {
	case c.outbound <- sealed:
		return nil
	case <-c.closed:
		return ErrCarrierClosed
	}
}

func (c *TCPCarrier) Recv() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return nil, ErrCarrierClosed
	}
}

func (c *TCPCarrier) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func (c *TCPCarrier) writeLoop() {
	var hdr [tcpFrameHeaderLen]byte
	for {
		select {
		case sealed := <-c.outbound:
			binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
			if _, err := c.conn.Write(hdr[:]); err != nil {
				c.Close()
				return
			}
			if _, err := c.conn.Write(sealed); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *TCPCarrier) readLoop() {
	var hdr [tcpFrameHeaderLen]byte
	for {
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			c.Close()
			return
		}
		want := binary.BigEndian.Uint32(hdr[:])
		sealed := make([]byte, want)
		if _, err := io.ReadFull(c.conn, sealed); err != nil {
			c.Close()
			return
		}

		plain, err := c.crypt.Decrypt(sealed)
		if err != nil {
			if c.log != nil {
				c.log.Error("tcp carrier: dropping undecryptable frame", zap.Error(err))
			}
			continue
		}

		select {
		case c.inbound <- plain:
		case <-c.closed:
			return
		}
	}
}
