package tunnel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeCarrier connects a client Mux and a server Mux in-process without any
// wire codec or cryptor involved, so these tests exercise only the mux's
// framing and dispatch logic.
type pipeCarrier struct {
	out chan []byte
	in  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipe() (*pipeCarrier, *pipeCarrier) {
	a := make(chan []byte, 256)
	b := make(chan []byte, 256)
	closedA := make(chan struct{})
	closedB := make(chan struct{})
	return &pipeCarrier{out: a, in: b, closed: closedA},
		&pipeCarrier{out: b, in: a, closed: closedB}
}

func (p *pipeCarrier) Send(frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return ErrCarrierClosed
	}
}

func (p *pipeCarrier) Recv() ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return nil, ErrCarrierClosed
	}
}

func (p *pipeCarrier) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func newMuxPair() (*Mux, *Mux) {
	clientCarrier, serverCarrier := newPipe()
	client := NewClientMux(clientCarrier, nil)
	server := NewServerMux(serverCarrier, nil)
	return client, server
}

func TestOpenAddressLifecycle(t *testing.T) {
	client, server := newMuxPair()
	defer client.Close()
	defer server.Close()

	w, r := client.OpenPort()
	w.Connect("example.com:80")

	ap, ok := server.Accept()
	require.True(t, ok)
	require.Equal(t, "example.com:80", ap.Address)
	require.Empty(t, ap.Domain)

	ap.Write.Write([]byte("hello"))
	msg := r.Read()
	data, ok := msg.(DataMsg)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data.Data)
}

func TestConnectOkAndFailedDelivery(t *testing.T) {
	client, server := newMuxPair()
	defer client.Close()
	defer server.Close()

	w, r := client.OpenPort()
	w.ConnectDomainName("example.com", 443)

	ap, ok := server.Accept()
	require.True(t, ok)
	require.Equal(t, "example.com", ap.Domain)
	require.EqualValues(t, 443, ap.Port)

	server.ReplyConnectOk(ap.Write.id, "203.0.113.5:443")
	msg := r.Read()
	ok1, isOk := msg.(ConnectOkMsg)
	require.True(t, isOk)
	require.Equal(t, "203.0.113.5:443", ok1.Addr)

	w2, r2 := client.OpenPort()
	w2.Connect("blocked.example:80")
	ap2, ok := server.Accept()
	require.True(t, ok)
	server.ReplyConnectFailed(ap2.Write.id)
	msg2 := r2.Read()
	_, isFailed := msg2.(ConnectFailedMsg)
	require.True(t, isFailed)
}

func TestShutdownWriteThenClose(t *testing.T) {
	client, server := newMuxPair()
	defer client.Close()
	defer server.Close()

	w, r := client.OpenPort()
	w.Connect("example.com:80")
	ap, ok := server.Accept()
	require.True(t, ok)

	ap.Write.ShutdownWrite()
	msg := r.Read()
	_, isShutdown := msg.(ShutdownWriteMsg)
	require.True(t, isShutdown)

	ap.Write.Close()
	msg2 := r.Read()
	_, isClosed := msg2.(ClosedMsg)
	require.True(t, isClosed)
}

func TestPortsAreIndependent(t *testing.T) {
	client, server := newMuxPair()
	defer client.Close()
	defer server.Close()

	w1, r1 := client.OpenPort()
	w1.Connect("a.example:80")
	w2, r2 := client.OpenPort()
	w2.Connect("b.example:80")

	ap1, ok := server.Accept()
	require.True(t, ok)
	ap2, ok := server.Accept()
	require.True(t, ok)

	// Send on port 2 only; port 1's read side must not observe anything.
	ap2.Write.Write([]byte("only-for-two"))
	msg := r2.Read()
	data, ok := msg.(DataMsg)
	require.True(t, ok)
	require.Equal(t, []byte("only-for-two"), data.Data)

	select {
	case <-time.After(20 * time.Millisecond):
	case msg := <-r1.state.inbox:
		t.Fatalf("unexpected message on unrelated port: %#v", msg)
	}

	_ = ap1
}
