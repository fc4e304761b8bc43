// Package codec implements the wire format of the reliable UDP transport:
// a fixed 1400-byte datagram with a 29-byte big-endian header and a CRC-32
// covering everything after the checksum field itself.
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Command identifies the purpose of a packet.
type Command uint8

const (
	CmdSyn          Command = 128
	CmdSynAck       Command = 129
	CmdAck          Command = 130
	CmdData         Command = 131
	CmdHeartbeat    Command = 132
	CmdHeartbeatAck Command = 133
)

func (c Command) Valid() bool {
	return c >= CmdSyn && c <= CmdHeartbeatAck
}

func (c Command) String() string {
	switch c {
	case CmdSyn:
		return "SYN"
	case CmdSynAck:
		return "SYN_ACK"
	case CmdAck:
		return "ACK"
	case CmdData:
		return "DATA"
	case CmdHeartbeat:
		return "HEARTBEAT"
	case CmdHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return fmt.Sprintf("CMD(%d)", uint8(c))
	}
}

const (
	// MTU is the maximum size of a packed datagram, header included.
	MTU = 1400
	// HeaderSize is the size in bytes of the fixed header preceding the payload.
	HeaderSize = 29
	// MaxPayload is the largest payload a single packet can carry.
	MaxPayload = MTU - HeaderSize
)

// Packet is a single datagram of the reliable transport. Header fields are
// exported for direct manipulation by the stream engine; Pack/Parse handle
// serialization, CRC, and cursor bookkeeping.
type Packet struct {
	buf [MTU]byte

	// size is the total packed length (header + payload) in buf.
	size int
	// payloadLen is the number of payload bytes written so far.
	payloadLen uint16
	// readPos is the read cursor into buf, used by payload readers.
	readPos int
	// SkipTimes counts how many times a later-sent packet was ACKed while
	// this one remained outstanding — a fast-retransmit signal. Sender side
	// only; never serialized on the wire.
	SkipTimes uint32

	SessionID  uint32
	Timestamp  uint32
	Window     uint32
	XmitCount  uint32
	Una        uint32
	Seq        uint32
	Cmd        Command
}

// New returns an empty packet ready for header fields to be set and payload
// to be appended before Pack.
func New() *Packet {
	return &Packet{}
}

// Parse decodes buf into the packet, validating size, CRC, and command.
// It returns nil and false for any malformed input — the caller is expected
// to simply drop the datagram.
func Parse(buf []byte) (*Packet, bool) {
	p := &Packet{size: len(buf)}
	if p.size < HeaderSize || p.size > MTU {
		return nil, false
	}
	copy(p.buf[:p.size], buf)

	if !p.crcOK() {
		return nil, false
	}

	off := 4
	p.SessionID = binary.BigEndian.Uint32(p.buf[off:])
	off += 4
	p.Timestamp = binary.BigEndian.Uint32(p.buf[off:])
	off += 4
	p.Window = binary.BigEndian.Uint32(p.buf[off:])
	off += 4
	p.XmitCount = binary.BigEndian.Uint32(p.buf[off:])
	off += 4
	p.Una = binary.BigEndian.Uint32(p.buf[off:])
	off += 4
	p.Seq = binary.BigEndian.Uint32(p.buf[off:])
	off += 4
	p.Cmd = Command(p.buf[off])
	off++

	if !p.Cmd.Valid() {
		return nil, false
	}

	p.payloadLen = uint16(p.size - HeaderSize)
	p.readPos = HeaderSize
	return p, true
}

func (p *Packet) crcOK() bool {
	want := binary.BigEndian.Uint32(p.buf[0:4])
	got := crc32.ChecksumIEEE(p.buf[4:p.size])
	return want == got
}

// Pack finalizes the packet: writes the header fields, computes size, and
// recomputes the CRC. Must be called before PackedBuffer after any field or
// payload mutation.
func (p *Packet) Pack() {
	off := 4
	binary.BigEndian.PutUint32(p.buf[off:], p.SessionID)
	off += 4
	binary.BigEndian.PutUint32(p.buf[off:], p.Timestamp)
	off += 4
	binary.BigEndian.PutUint32(p.buf[off:], p.Window)
	off += 4
	binary.BigEndian.PutUint32(p.buf[off:], p.XmitCount)
	off += 4
	binary.BigEndian.PutUint32(p.buf[off:], p.Una)
	off += 4
	binary.BigEndian.PutUint32(p.buf[off:], p.Seq)
	off += 4
	p.buf[off] = byte(p.Cmd)

	p.size = int(p.payloadLen) + HeaderSize
	digest := crc32.ChecksumIEEE(p.buf[4:p.size])
	binary.BigEndian.PutUint32(p.buf[0:4], digest)
}

// PackedBuffer returns the finalized datagram bytes. Call Pack first.
func (p *Packet) PackedBuffer() []byte {
	return p.buf[:p.size]
}

// Size returns the total packed size (header + payload).
func (p *Packet) Size() int {
	return p.size
}

// RemainingLoad is how many more payload bytes can still be appended.
func (p *Packet) RemainingLoad() int {
	return MTU - HeaderSize - int(p.payloadLen)
}

func (p *Packet) payloadOffset() int {
	return HeaderSize + int(p.payloadLen)
}

// PayloadWriteU32 appends a big-endian u32 to the payload, returning false
// if there is no room.
func (p *Packet) PayloadWriteU32(v uint32) bool {
	if p.RemainingLoad() < 4 {
		return false
	}
	off := p.payloadOffset()
	binary.BigEndian.PutUint32(p.buf[off:], v)
	p.payloadLen += 4
	return true
}

// PayloadWriteSlice appends buf to the payload, returning false if there is
// no room for all of it.
func (p *Packet) PayloadWriteSlice(buf []byte) bool {
	if p.RemainingLoad() < len(buf) {
		return false
	}
	off := p.payloadOffset()
	copy(p.buf[off:off+len(buf)], buf)
	p.payloadLen += uint16(len(buf))
	return true
}

// PayloadRemaining is how many unread payload bytes remain after readPos.
func (p *Packet) PayloadRemaining() int {
	return p.size - p.readPos
}

// PayloadReadU32 reads the next big-endian u32 from the payload cursor.
// Reading past the end is a programming error, not a wire error, and panics
// per the fail-fast policy for internal precondition violations.
func (p *Packet) PayloadReadU32() uint32 {
	if p.readPos+4 > p.size {
		panic(fmt.Sprintf("codec: read u32 out of range at pos %d, size %d", p.readPos, p.size))
	}
	v := binary.BigEndian.Uint32(p.buf[p.readPos:])
	p.readPos += 4
	return v
}

// PayloadReadSlice copies up to len(dst) unread payload bytes into dst,
// returning the number copied. It never reads past the packet's size.
func (p *Packet) PayloadReadSlice(dst []byte) int {
	n := p.PayloadRemaining()
	if n > len(dst) {
		n = len(dst)
	}
	if n > 0 {
		copy(dst[:n], p.buf[p.readPos:p.readPos+n])
		p.readPos += n
	}
	return n
}

// IsSyn reports whether the packet is a SYN.
func (p *Packet) IsSyn() bool {
	return p.Cmd == CmdSyn
}
