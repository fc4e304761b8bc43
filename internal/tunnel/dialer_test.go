package tunnel

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialDestinationAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ap := &AcceptedPort{Address: ln.Addr().String()}
	conn, err := DialDestination(ctx, ap)
	require.NoError(t, err)
	conn.Close()
}

func TestDialDestinationDomainResolvesLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ap := &AcceptedPort{Domain: "localhost", Port: uint16(port)}
	conn, err := DialDestination(ctx, ap)
	require.NoError(t, err)
	conn.Close()
}

func TestDialDestinationFailsOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ap := &AcceptedPort{Address: addr}
	_, err = DialDestination(ctx, ap)
	require.Error(t, err)
}
