package ucp

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/stunnel/internal/codec"
)

// Client wraps a single reliable stream dialed to one remote server,
// behaving identically to Endpoint on the transport side but without a
// stream table, since it only ever talks to the one peer it dialed.
type Client struct {
	conn   net.PacketConn
	sender *socketSender
	stream *Stream
	log    *zap.Logger
}

// Dial opens a local UDP socket and creates the single stream bound to
// serverAddr, still in the NONE state; Connect begins the handshake.
func Dial(serverAddr string, log *zap.Logger) (*Client, error) {
	conn, err := net.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	remote, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sender := &socketSender{conn: conn}
	stream := New(sender, remote, log)

	c := &Client{conn: conn, sender: sender, stream: stream, log: log}
	return c, nil
}

// Stream returns the underlying reliable stream, for installing a Handler
// and performing Send/Recv before Run is started.
func (c *Client) Stream() *Stream { return c.stream }

// Connect begins the handshake. Must be called before Run.
func (c *Client) Connect() { c.stream.Connect() }

// Close releases the underlying socket.
func (c *Client) Close() error { return c.conn.Close() }

// Run drives the client until ctx is cancelled or the stream's handler
// reports it broken, alternating a bounded read with a TickInterval tick.
func (c *Client) Run(ctx context.Context) {
	buf := make([]byte, codec.MTU)
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(TickInterval))
		n, addr, err := c.conn.ReadFrom(buf)
		if err == nil {
			if p, ok := codec.Parse(buf[:n]); ok {
				c.stream.ProcessPacket(p, addr)
			} else if c.log != nil {
				c.log.Error("recv illegal ucp packet", zap.Stringer("from", addr))
			}
		} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			if c.log != nil {
				c.log.Debug("ucp client read error", zap.Error(err))
			}
		}

		if time.Since(lastTick) < TickInterval {
			continue
		}
		lastTick = time.Now()
		if !c.stream.Update() {
			return
		}
	}
}
