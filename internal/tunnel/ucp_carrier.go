package tunnel

import (
	"encoding/binary"
	"sync"

	"go.uber.org/zap"

	"github.com/cppla/stunnel/internal/cryptor"
	"github.com/cppla/stunnel/internal/ucp"
)

// ucpFrameHeaderLen is the length prefix this carrier adds on top of the
// reliable transport's own byte stream, so individual tunnel frames can be
// recovered from ucp.Stream's otherwise unframed Send/Recv byte pipe.
const ucpFrameHeaderLen = 4

// UCPCarrier bridges the tick-driven, single-threaded ucp.Stream to the
// channel-based Carrier interface the mux consumes. It implements
// ucp.Handler itself: OnUpdate runs on the endpoint's tick goroutine and is
// the only place that ever touches the Stream; Send/Recv hand frames
// across via buffered channels.
type UCPCarrier struct {
	stream  *ucp.Stream
	crypt   *cryptor.Cryptor
	log     *zap.Logger

	outbound chan []byte
	inbound  chan []byte

	recvAcc []byte // owned solely by OnUpdate (the tick goroutine)

	onBroken func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUCPCarrier installs itself as stream's Handler and returns the ready
// Carrier. The stream must not already have a Handler.
func NewUCPCarrier(stream *ucp.Stream, crypt *cryptor.Cryptor, log *zap.Logger) *UCPCarrier {
	c := &UCPCarrier{
		stream:   stream,
		crypt:    crypt,
		log:      log,
		outbound: make(chan []byte, 4096),
		inbound:  make(chan []byte, 4096),
		closed:   make(chan struct{}),
	}
	stream.SetHandler(c)
	return c
}

// SetBrokenHook installs a callback invoked once when the underlying
// stream's liveness timeout fires and the carrier tears itself down.
func (c *UCPCarrier) SetBrokenHook(fn func()) {
	c.onBroken = fn
}

func (c *UCPCarrier) Send(frame []byte) error {
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

func (c *UCPCarrier) Recv() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return nil, ErrCarrierClosed
	}
}

func (c *UCPCarrier) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// OnUpdate runs once per tick: it drains as much of the outbound queue as
// the stream's window allows, then pulls whatever bytes are newly
// contiguous out of the stream and re-assembles them into frames.
func (c *UCPCarrier) OnUpdate(s *ucp.Stream) bool {
	c.drainOutbound(s)

	buf := make([]byte, 4096)
	for {
		n := s.Recv(buf)
		if n == 0 {
			break
		}
		c.recvAcc = append(c.recvAcc, buf[:n]...)
	}

	for {
		if len(c.recvAcc) < ucpFrameHeaderLen {
			break
		}
		want := int(binary.BigEndian.Uint32(c.recvAcc))
		if len(c.recvAcc) < ucpFrameHeaderLen+want {
			break
		}
		sealed := c.recvAcc[ucpFrameHeaderLen : ucpFrameHeaderLen+want]
		c.recvAcc = c.recvAcc[ucpFrameHeaderLen+want:]

		plain, err := c.crypt.Decrypt(sealed)
		if err != nil {
			if c.log != nil {
				c.log.Error("ucp carrier: dropping undecryptable frame", zap.Error(err))
			}
			continue
		}

		select {
		case c.inbound <- plain:
		case <-c.closed:
			return false
		}
	}
	return true
}

func (c *UCPCarrier) OnBroken(s *ucp.Stream) {
	c.Close()
	if c.onBroken != nil {
		c.onBroken()
	}
}

func (c *UCPCarrier) drainOutbound(s *ucp.Stream) {
	for !s.IsSendBufferOverflow() {
		select {
		case sealed := <-c.outbound:
			var hdr [ucpFrameHeaderLen]byte
			binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
			s.Send(hdr[:])
			s.Send(sealed)
		default:
			return
		}
	}
}
