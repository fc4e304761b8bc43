package ucp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/stunnel/internal/codec"
)

// fakeAddr is a minimal net.Addr for tests that never touch a real socket.
type fakeAddr string

func (f fakeAddr) Network() string { return "udp" }
func (f fakeAddr) String() string  { return string(f) }

// capturingSender records every packet sent through it, in send order, so
// tests can inspect exactly what a stream would have put on the wire.
type capturingSender struct {
	sent []*codec.Packet
}

func (c *capturingSender) SendTo(buf []byte, addr net.Addr) error {
	p, ok := codec.Parse(buf)
	if !ok {
		panic("capturingSender: sent an unparseable packet")
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *capturingSender) last() *codec.Packet {
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

type noopHandler struct {
	updates int
	broken  bool
}

func (h *noopHandler) OnUpdate(s *Stream) bool { h.updates++; return true }
func (h *noopHandler) OnBroken(s *Stream)      { h.broken = true }

// fakeMetrics records every Metrics callback a Stream fires, so tests can
// assert retransmits and RTO updates without a real Prometheus registry.
type fakeMetrics struct {
	retransmits int
	lastRTT     uint32
}

func (f *fakeMetrics) OnRetransmit()            { f.retransmits++ }
func (f *fakeMetrics) OnRTTUpdate(rttMs uint32) { f.lastRTT = rttMs }

func TestHandshakeClientServer(t *testing.T) {
	clientSender := &capturingSender{}
	serverSender := &capturingSender{}

	addr := fakeAddr("peer:1")
	client := New(clientSender, addr, nil)
	client.SetHandler(&noopHandler{})
	client.Connect()
	require.Equal(t, StateConnecting, client.State())

	syn := clientSender.last()
	require.Equal(t, codec.CmdSyn, syn.Cmd)

	// server sees the SYN from an unknown peer and accepts.
	server := New(serverSender, addr, nil)
	server.SetHandler(&noopHandler{})
	server.ProcessPacket(syn, addr)
	require.Equal(t, StateAccepting, server.State())
	require.Equal(t, syn.SessionID, server.SessionID())

	// drive the server's tick so the buffered SYN_ACK actually goes out.
	server.Update()
	synAck := serverSender.last()
	require.Equal(t, codec.CmdSynAck, synAck.Cmd)

	client.ProcessPacket(synAck, addr)
	assert.Equal(t, StateEstablished, client.State())

	ack := clientSender.last()
	require.Equal(t, codec.CmdAck, ack.Cmd)

	server.ProcessPacket(ack, addr)
	assert.Equal(t, StateEstablished, server.State())
}

func establishedPair(t *testing.T) (client, server *Stream, clientSender, serverSender *capturingSender) {
	t.Helper()
	clientSender = &capturingSender{}
	serverSender = &capturingSender{}
	addr := fakeAddr("peer:1")

	client = New(clientSender, addr, nil)
	client.SetHandler(&noopHandler{})
	client.Connect()
	syn := clientSender.last()

	server = New(serverSender, addr, nil)
	server.SetHandler(&noopHandler{})
	server.ProcessPacket(syn, addr)
	server.Update()
	synAck := serverSender.last()

	client.ProcessPacket(synAck, addr)
	ack := clientSender.last()
	server.ProcessPacket(ack, addr)

	require.Equal(t, StateEstablished, client.State())
	require.Equal(t, StateEstablished, server.State())
	return
}

func TestDataDeliveryAndAck(t *testing.T) {
	client, server, _, serverSender := establishedPair(t)

	client.Send([]byte("hello"))
	client.Update() // promotes the DATA packet from send_buffer to send_queue and transmits it

	addr := fakeAddr("peer:1")
	require.Len(t, server.recvQueue, 0)

	// find the DATA packet among whatever the client's tick emitted.
	var dataPkt *codec.Packet
	cs := client.sender.(*capturingSender)
	for _, p := range cs.sent {
		if p.Cmd == codec.CmdData {
			dataPkt = p
		}
	}
	require.NotNil(t, dataPkt)

	server.ProcessPacket(dataPkt, addr)

	buf := make([]byte, 16)
	n := server.Recv(buf)
	assert.Equal(t, "hello", string(buf[:n]))

	require.Len(t, server.ackList, 1)
	server.Update()

	var ackPkt *codec.Packet
	for _, p := range serverSender.sent {
		if p.Cmd == codec.CmdAck {
			ackPkt = p
		}
	}
	require.NotNil(t, ackPkt)

	require.Len(t, client.sendQueue, 1)
	client.ProcessPacket(ackPkt, addr)
	assert.Len(t, client.sendQueue, 0)
}

func TestDuplicateDataIsIdempotent(t *testing.T) {
	_, server, _, _ := establishedPair(t)
	addr := fakeAddr("peer:1")

	p := codec.New()
	p.SessionID = server.SessionID()
	p.Seq = server.una
	p.Una = 0
	p.Timestamp = 5
	p.Window = DefaultWindow
	p.Cmd = codec.CmdData
	p.PayloadWriteSlice([]byte("x"))
	p.Pack()
	parsed, ok := codec.Parse(p.PackedBuffer())
	require.True(t, ok)

	server.ProcessPacket(parsed, addr)
	require.Len(t, server.recvQueue, 1)
	require.Len(t, server.ackList, 1)

	parsed2, _ := codec.Parse(p.PackedBuffer())
	server.ProcessPacket(parsed2, addr)
	assert.Len(t, server.recvQueue, 1, "duplicate seq must not be queued twice")
	assert.Len(t, server.ackList, 2, "duplicate must still be re-acknowledged")
}

func TestRecvQueueReordering(t *testing.T) {
	_, server, _, _ := establishedPair(t)
	addr := fakeAddr("peer:1")
	base := server.una

	mk := func(seq uint32, payload string) *codec.Packet {
		p := codec.New()
		p.SessionID = server.SessionID()
		p.Seq = seq
		p.Una = 0
		p.Timestamp = 1
		p.Window = DefaultWindow
		p.Cmd = codec.CmdData
		p.PayloadWriteSlice([]byte(payload))
		p.Pack()
		parsed, _ := codec.Parse(p.PackedBuffer())
		return parsed
	}

	server.ProcessPacket(mk(base+2, "c"), addr)
	server.ProcessPacket(mk(base, "a"), addr)
	server.ProcessPacket(mk(base+1, "b"), addr)

	require.Len(t, server.recvQueue, 3)
	for i := 1; i < len(server.recvQueue); i++ {
		assert.True(t, seqLess(server.recvQueue[i-1].Seq, server.recvQueue[i].Seq))
	}

	buf := make([]byte, 16)
	n := server.Recv(buf)
	assert.Equal(t, "abc", string(buf[:n]))
}

func TestFastSkipRetransmit(t *testing.T) {
	client, _, _, _ := establishedPair(t)
	addr := fakeAddr("peer:1")

	// tick after each Send so every payload leaves as its own DATA packet
	// instead of being appended to the previous, still-buffered one.
	client.Send([]byte("2"))
	client.Update()
	client.Send([]byte("3"))
	client.Update()
	client.Send([]byte("4"))
	client.Update()

	cs := client.sender.(*capturingSender)
	var data []*codec.Packet
	for _, p := range cs.sent {
		if p.Cmd == codec.CmdData {
			data = append(data, p)
		}
	}
	require.Len(t, data, 3)
	require.Len(t, client.sendQueue, 3)

	// server ACKs only the 2nd and 3rd DATA packets.
	ackPayload := func(seq, ts uint32) *codec.Packet {
		p := codec.New()
		p.SessionID = client.SessionID()
		p.Cmd = codec.CmdAck
		p.Una = 0
		p.Timestamp = 0
		p.Window = DefaultWindow
		p.PayloadWriteU32(seq)
		p.PayloadWriteU32(ts)
		p.Pack()
		parsed, _ := codec.Parse(p.PackedBuffer())
		return parsed
	}

	client.ProcessPacket(ackPayload(data[1].Seq, data[1].Timestamp), addr)
	client.ProcessPacket(ackPayload(data[2].Seq, data[2].Timestamp), addr)

	require.Len(t, client.sendQueue, 1)
	assert.Equal(t, uint32(2), client.sendQueue[0].SkipTimes)

	client.Update()
	assert.Equal(t, uint32(0), client.sendQueue[0].SkipTimes, "fast-skip retransmit resets the counter")
}

func TestNegativeRTTClampsToZero(t *testing.T) {
	s := New(&capturingSender{}, fakeAddr("peer:1"), nil)
	s.rto = DefaultRTO
	rtt := s.rttSince(^uint32(0) - 100) // a timestamp "in the future"
	assert.Equal(t, uint32(0), rtt)
}

func TestSeqLessWrapAround(t *testing.T) {
	var max32 uint32 = 0xfffffffe
	assert.True(t, seqLess(max32, max32+2))
	assert.False(t, seqLess(max32+2, max32))
}

func TestMetricsRTTUpdateOnAck(t *testing.T) {
	client, server, _, _ := establishedPair(t)
	addr := fakeAddr("peer:1")

	m := &fakeMetrics{}
	client.SetMetrics(m)

	client.Send([]byte("hello"))
	client.Update()

	cs := client.sender.(*capturingSender)
	var dataPkt *codec.Packet
	for _, p := range cs.sent {
		if p.Cmd == codec.CmdData {
			dataPkt = p
		}
	}
	require.NotNil(t, dataPkt)

	server.ProcessPacket(dataPkt, addr)
	server.Update()

	var ackPkt *codec.Packet
	for _, p := range server.sender.(*capturingSender).sent {
		if p.Cmd == codec.CmdAck {
			ackPkt = p
		}
	}
	require.NotNil(t, ackPkt)

	before := m.lastRTT
	client.ProcessPacket(ackPkt, addr)
	assert.NotEqual(t, before, m.lastRTT, "a fresh ACK must recompute and report rto")
}

func TestMetricsRetransmitOnFastSkip(t *testing.T) {
	client, _, _, _ := establishedPair(t)

	m := &fakeMetrics{}
	client.SetMetrics(m)

	client.Send([]byte("x"))
	client.Update()
	require.Len(t, client.sendQueue, 1)

	// force the fast-skip threshold rather than racing the RTO clock.
	client.sendQueue[0].SkipTimes = SkipResendTimes
	client.Update()

	assert.Equal(t, 1, m.retransmits)
}
