// Package ucp implements the reliable, in-order datagram transport layered
// on top of UDP: a per-peer ARQ state machine (handshake, RTO-driven
// retransmission, cumulative + selective ACKs, fast skip, heartbeat and
// liveness detection) plus the endpoint that demultiplexes one UDP socket
// across many such streams.
//
// Each stream is driven by a single owning goroutine: plain slices serve as
// segment queues, hash/crc32 covers the checksum, and all mutation happens
// on the tick/receive path rather than behind a lock.
package ucp

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/stunnel/internal/codec"
)

// Sender abstracts the UDP socket a stream transmits through. The endpoint
// multiplexer owns the actual net.PacketConn and hands every stream a
// Sender bound to that stream's remote address: an interface over a shared
// handle, rather than a duplicated OS descriptor per stream.
type Sender interface {
	SendTo(buf []byte, addr net.Addr) error
}

// Handler receives the two lifecycle callbacks a Stream drives during
// Update. Streams are plain data; handlers are passed the stream explicitly
// rather than stored as closures that capture it, to avoid the cyclic
// ownership a closure-based callback would create.
type Handler interface {
	// OnUpdate is invoked once per tick after housekeeping. Returning false
	// tells the caller (the endpoint multiplexer) to tear the stream down.
	OnUpdate(s *Stream) bool
	// OnBroken is invoked exactly once, when the liveness timeout fires.
	OnBroken(s *Stream)
}

// Metrics receives optional instrumentation callbacks from a Stream. Both
// methods are invoked synchronously from the tick goroutine that owns the
// stream, so implementations must not block.
type Metrics interface {
	// OnRetransmit is called once for every packet the stream resends,
	// whether due to RTO expiry or fast skip.
	OnRetransmit()
	// OnRTTUpdate is called with the smoothed round-trip time, in
	// milliseconds, every time it is recomputed from an incoming ACK.
	OnRTTUpdate(rttMs uint32)
}

type ackEntry struct {
	seq       uint32
	timestamp uint32
}

// Stream is one reliable-transport connection to a single remote peer.
type Stream struct {
	sender     Sender
	remoteAddr net.Addr
	log        *zap.Logger

	initialTime   time.Time
	aliveTime     time.Time
	heartbeatTime time.Time

	state State

	sendQueue  []*codec.Packet
	sendBuffer []*codec.Packet
	recvQueue  []*codec.Packet
	ackList    []ackEntry

	sessionID    uint32
	localWindow  uint32
	remoteWindow uint32
	seq          uint32
	una          uint32
	rto          uint32

	handler Handler
	metrics Metrics
}

// New creates a stream bound to a single remote peer, in the NONE state.
func New(sender Sender, remoteAddr net.Addr, log *zap.Logger) *Stream {
	now := time.Now()
	return &Stream{
		sender:        sender,
		remoteAddr:    remoteAddr,
		log:           log,
		initialTime:   now,
		aliveTime:     now,
		heartbeatTime: now,
		state:         StateNone,
		localWindow:   DefaultWindow,
		remoteWindow:  DefaultWindow,
		rto:           DefaultRTO,
	}
}

// SetHandler installs the tick callbacks. Must be called before the stream
// is driven by an endpoint's Update loop.
func (s *Stream) SetHandler(h Handler) { s.handler = h }

// SetMetrics installs optional instrumentation callbacks, invoked as the
// stream retransmits packets and recomputes its RTO.
func (s *Stream) SetMetrics(m Metrics) { s.metrics = m }

// RemoteAddr returns the peer address this stream exchanges datagrams with.
func (s *Stream) RemoteAddr() net.Addr { return s.remoteAddr }

// SessionID returns the stream's session identifier (0 until the handshake
// assigns one).
func (s *Stream) SessionID() uint32 { return s.sessionID }

// State returns the stream's current lifecycle state.
func (s *Stream) State() State { return s.state }

// IsSendBufferOverflow reports whether the not-yet-launched queue has
// reached the peer's advertised window, signalling backpressure to callers
// of Send.
func (s *Stream) IsSendBufferOverflow() bool {
	return len(s.sendBuffer) >= int(s.remoteWindow)
}

// seqLess reports whether a precedes b using signed 32-bit wraparound
// comparison: (a - b) as i32 < 0.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEq(a, b uint32) bool {
	return int32(a-b) <= 0
}

// timestamp returns milliseconds since stream creation, truncated to 32 bits.
func (s *Stream) timestamp() uint32 {
	return uint32(time.Since(s.initialTime).Milliseconds())
}

func (s *Stream) nextSeq() uint32 {
	s.seq++
	return s.seq
}

// Send enqueues application bytes for transmission: it first tops off the
// last buffered DATA packet's residual capacity, then allocates further
// MTU-sized DATA packets for the remainder.
func (s *Stream) Send(buf []byte) {
	pos := 0
	if n := len(s.sendBuffer); n > 0 {
		last := s.sendBuffer[n-1]
		remain := last.RemainingLoad()
		if remain > len(buf) {
			remain = len(buf)
		}
		if remain > 0 {
			last.PayloadWriteSlice(buf[:remain])
			pos = remain
		}
	}

	for pos < len(buf) {
		p := s.newPacket(codec.CmdData)
		size := p.RemainingLoad()
		if size > len(buf)-pos {
			size = len(buf) - pos
		}
		p.PayloadWriteSlice(buf[pos : pos+size])
		s.sendBuffer = append(s.sendBuffer, p)
		pos += size
	}
}

// Recv drains up to len(buf) contiguous bytes from the receive queue,
// stopping at the first packet not yet covered by una (i.e. not contiguous
// with what has already been delivered).
func (s *Stream) Recv(buf []byte) int {
	size := 0
	for size < len(buf) && len(s.recvQueue) > 0 {
		p := s.recvQueue[0]
		if !seqLess(p.Seq, s.una) {
			break
		}

		size += p.PayloadReadSlice(buf[size:])

		if p.PayloadRemaining() == 0 {
			s.recvQueue = s.recvQueue[1:]
		} else {
			break
		}
	}
	return size
}

// Connect begins the client-side handshake: NONE -> CONNECTING.
func (s *Stream) Connect() {
	s.state = StateConnecting
	id := rand.Uint32()
	for id == 0 {
		id = rand.Uint32()
	}
	s.sessionID = id

	syn := s.newPacket(codec.CmdSyn)
	s.enqueueDirect(syn)
	s.sendPendingPackets()
	if s.log != nil {
		s.log.Info("connecting ucp server",
			zap.Stringer("remote", s.remoteAddr), zap.Uint32("session", s.sessionID))
	}
}

// newPacket builds a packet destined for the reliable send path (consumes
// a sequence number).
func (s *Stream) newPacket(cmd codec.Command) *codec.Packet {
	p := codec.New()
	p.SessionID = s.sessionID
	p.Timestamp = s.timestamp()
	p.Window = s.localWindow
	p.Seq = s.nextSeq()
	p.Una = s.una
	p.Cmd = cmd
	return p
}

// newNoSeqPacket builds a packet sent directly, outside the reliable
// send/ack cycle (ACK, HEARTBEAT, HEARTBEAT_ACK).
func (s *Stream) newNoSeqPacket(cmd codec.Command) *codec.Packet {
	p := codec.New()
	p.SessionID = s.sessionID
	p.Timestamp = s.timestamp()
	p.Window = s.localWindow
	p.Una = s.una
	p.Cmd = cmd
	return p
}

// enqueueDirect puts a reliable (seq-bearing) packet into send_buffer to
// await window promotion on the next tick.
func (s *Stream) enqueueDirect(p *codec.Packet) {
	s.sendBuffer = append(s.sendBuffer, p)
}

// sendDirectly packs and transmits p immediately, bypassing both queues.
// Transport write failures are logged and otherwise ignored: the
// reliability layer, where applicable, retries via RTO.
func (s *Stream) sendDirectly(p *codec.Packet) {
	p.Pack()
	if err := s.sender.SendTo(p.PackedBuffer(), s.remoteAddr); err != nil && s.log != nil {
		s.log.Debug("ucp send_to failed", zap.Error(err), zap.Stringer("remote", s.remoteAddr))
	}
}

// ProcessPacket routes an inbound, already-parsed packet known to have come
// from remoteAddr. Packets from any other address are a cross-peer spoof
// and are dropped.
func (s *Stream) ProcessPacket(p *codec.Packet, from net.Addr) {
	if s.remoteAddr != nil && from.String() != s.remoteAddr.String() {
		if s.log != nil {
			s.log.Error("unexpected packet source",
				zap.Stringer("from", from), zap.Stringer("expect", s.remoteAddr))
		}
		return
	}

	if s.state == StateNone {
		if p.IsSyn() {
			s.accepting(p)
		}
		return
	}

	s.processing(p)
}

func (s *Stream) accepting(p *codec.Packet) {
	s.state = StateAccepting
	s.sessionID = p.SessionID
	s.remoteWindow = p.Window
	s.una = p.Seq + 1

	synAck := s.newPacket(codec.CmdSynAck)
	synAck.PayloadWriteU32(p.Seq)
	synAck.PayloadWriteU32(p.Timestamp)
	s.enqueueDirect(synAck)
	if s.log != nil {
		s.log.Info("accepting ucp client",
			zap.Stringer("remote", s.remoteAddr), zap.Uint32("session", s.sessionID))
	}
}

func (s *Stream) processing(p *codec.Packet) {
	if s.sessionID != p.SessionID {
		if s.log != nil {
			s.log.Error("unexpected session_id",
				zap.Uint32("got", p.SessionID), zap.Uint32("want", s.sessionID))
		}
		return
	}

	s.aliveTime = time.Now()
	s.remoteWindow = p.Window

	switch s.state {
	case StateAccepting:
		s.processStateAccepting(p)
	case StateConnecting:
		s.processSynAck(p)
	case StateEstablished:
		s.processStateEstablished(p)
	}
}

func (s *Stream) processStateAccepting(p *codec.Packet) {
	if p.Cmd == codec.CmdAck && p.PayloadRemaining() == 8 {
		seq := p.PayloadReadU32()
		ts := p.PayloadReadU32()
		if s.processAnAck(seq, ts) {
			s.state = StateEstablished
			if s.log != nil {
				s.log.Info("established", zap.Stringer("remote", s.remoteAddr), zap.Uint32("session", s.sessionID))
			}
		}
	}
}

func (s *Stream) processStateEstablished(p *codec.Packet) {
	s.processUna(p.Una)

	switch p.Cmd {
	case codec.CmdAck:
		s.processAck(p)
	case codec.CmdData:
		s.processData(p)
	case codec.CmdSynAck:
		s.processSynAck(p)
	case codec.CmdHeartbeat:
		s.processHeartbeat()
	case codec.CmdHeartbeatAck:
		s.processHeartbeatAck()
	}
}

func (s *Stream) processUna(una uint32) {
	for len(s.sendQueue) > 0 {
		if seqLess(s.sendQueue[0].Seq, una) {
			s.sendQueue = s.sendQueue[1:]
		} else {
			break
		}
	}
}

func (s *Stream) processAck(p *codec.Packet) {
	if p.Cmd != codec.CmdAck || p.PayloadRemaining()%8 != 0 {
		return
	}
	for p.PayloadRemaining() > 0 {
		seq := p.PayloadReadU32()
		ts := p.PayloadReadU32()
		s.processAnAck(seq, ts)
	}
}

func (s *Stream) processData(p *codec.Packet) {
	s.ackList = append(s.ackList, ackEntry{seq: p.Seq, timestamp: p.Timestamp})

	if seqLess(p.Seq, s.una) {
		return
	}

	pos := 0
	for ; pos < len(s.recvQueue); pos++ {
		diff := int32(p.Seq - s.recvQueue[pos].Seq)
		if diff == 0 {
			return // duplicate, already queued
		} else if diff < 0 {
			break
		}
	}

	s.recvQueue = append(s.recvQueue, nil)
	copy(s.recvQueue[pos+1:], s.recvQueue[pos:])
	s.recvQueue[pos] = p

	for i := pos; i < len(s.recvQueue); i++ {
		if s.recvQueue[i].Seq == s.una {
			s.una++
		} else {
			break
		}
	}
}

func (s *Stream) processSynAck(p *codec.Packet) {
	if p.Cmd != codec.CmdSynAck || p.PayloadRemaining() != 8 {
		return
	}
	seq := p.PayloadReadU32()
	ts := p.PayloadReadU32()

	ack := s.newNoSeqPacket(codec.CmdAck)
	ack.PayloadWriteU32(p.Seq)
	ack.PayloadWriteU32(p.Timestamp)
	s.sendDirectly(ack)

	if s.state == StateConnecting {
		if s.processAnAck(seq, ts) {
			s.state = StateEstablished
			s.una = p.Seq + 1
			if s.log != nil {
				s.log.Info("established", zap.Stringer("remote", s.remoteAddr), zap.Uint32("session", s.sessionID))
			}
		}
	}
}

func (s *Stream) processHeartbeat() {
	s.sendDirectly(s.newNoSeqPacket(codec.CmdHeartbeatAck))
}

func (s *Stream) processHeartbeatAck() {
	s.aliveTime = time.Now()
}

// processAnAck resolves a single (seq, timestamp) ACK pair: if it matches
// an outstanding packet, removes it and reports success. Every outstanding
// packet ahead of the match in send_queue (or every one, when nothing
// matches) whose timestamp is no later than the echoed timestamp is
// suspected lost and has its skip counter bumped (fast skip). Always
// updates rto from the RTT to the echoed timestamp, clamping a negative
// RTT (clock skew, replayed ACK) to zero rather than underflowing.
func (s *Stream) processAnAck(seq, timestamp uint32) bool {
	rtt := s.rttSince(timestamp)
	s.rto = (s.rto + rtt) / 2
	if s.metrics != nil {
		s.metrics.OnRTTUpdate(s.rto)
	}

	for i, p := range s.sendQueue {
		if p.Seq == seq {
			s.sendQueue = append(s.sendQueue[:i], s.sendQueue[i+1:]...)
			return true
		}
		if p.Timestamp <= timestamp {
			p.SkipTimes++
		}
	}
	return false
}

func (s *Stream) rttSince(timestamp uint32) uint32 {
	now := int64(s.timestamp())
	rtt := now - int64(timestamp)
	if rtt < 0 {
		if s.log != nil {
			s.log.Warn("negative rtt observed, clamping to zero",
				zap.Int64("rtt_ms", rtt), zap.Stringer("remote", s.remoteAddr))
		}
		return 0
	}
	return uint32(rtt)
}

// Update is the per-tick maintenance pass, invoked by the owning endpoint
// at >= TickInterval granularity. Returns false when the stream should be
// torn down (liveness failure, or the handler declining to continue).
func (s *Stream) Update() bool {
	if time.Since(s.aliveTime) >= StreamBrokenTimeout {
		if s.handler != nil {
			s.handler.OnBroken(s)
		}
		if s.log != nil {
			s.log.Error("ucp alive timeout",
				zap.Stringer("remote", s.remoteAddr), zap.Uint32("session", s.sessionID))
		}
		return false
	}

	s.doHeartbeat()
	s.sendAckList()
	s.timeoutResend()
	s.sendPendingPackets()

	if s.handler != nil {
		return s.handler.OnUpdate(s)
	}
	return true
}

func (s *Stream) doHeartbeat() {
	if time.Since(s.heartbeatTime) >= HeartbeatInterval {
		s.sendDirectly(s.newNoSeqPacket(codec.CmdHeartbeat))
		s.heartbeatTime = time.Now()
	}
}

func (s *Stream) sendAckList() {
	if len(s.ackList) == 0 {
		return
	}

	p := s.newNoSeqPacket(codec.CmdAck)
	for _, e := range s.ackList {
		if p.RemainingLoad() < 8 {
			s.sendDirectly(p)
			p = s.newNoSeqPacket(codec.CmdAck)
		}
		p.PayloadWriteU32(e.seq)
		p.PayloadWriteU32(e.timestamp)
	}
	s.sendDirectly(p)
	s.ackList = s.ackList[:0]
}

func (s *Stream) timeoutResend() {
	now := s.timestamp()
	for _, p := range s.sendQueue {
		interval := now - p.Timestamp
		if interval >= s.rto || p.SkipTimes >= SkipResendTimes {
			p.SkipTimes = 0
			p.Window = s.localWindow
			p.Una = s.una
			p.Timestamp = now
			p.XmitCount++
			s.sendDirectly(p)
			if s.metrics != nil {
				s.metrics.OnRetransmit()
			}
		}
	}
}

func (s *Stream) sendPendingPackets() {
	now := s.timestamp()
	window := int(s.remoteWindow)

	for len(s.sendQueue) < window {
		if len(s.sendQueue) > 0 && len(s.sendBuffer) > 0 {
			seqDiff := int(s.sendBuffer[0].Seq - s.sendQueue[0].Seq)
			if seqDiff >= window {
				break
			}
		}

		if len(s.sendBuffer) == 0 {
			break
		}
		p := s.sendBuffer[0]
		s.sendBuffer = s.sendBuffer[1:]

		p.Window = s.localWindow
		p.Una = s.una
		p.Timestamp = now

		s.sendDirectly(p)
		s.sendQueue = append(s.sendQueue, p)
	}
}

// String implements fmt.Stringer for convenient log fields.
func (s *Stream) String() string {
	return fmt.Sprintf("ucp.Stream{remote=%s session=%d state=%s}", s.remoteAddr, s.sessionID, s.state)
}
