package tunnel

import (
	"encoding/binary"
	"fmt"
)

// Wire tags for the frames exchanged over a Carrier. Every frame starts
// with a one-byte tag and a four-byte big-endian port id.
const (
	tagOpenAddress    byte = 1
	tagOpenDomainName byte = 2
	tagShutdownWrite  byte = 3
	tagClose          byte = 4
	tagConnectOk      byte = 5
	tagConnectFailed  byte = 6
	tagData           byte = 7
)

const frameHeaderLen = 1 + 4 // tag + port id

// wireFrame is the decoded shape of one frame, independent of direction:
// control (port -> peer) is OpenAddress/OpenDomainName/ShutdownWrite/Close;
// control (peer -> port) is ConnectOk/ConnectFailed/ShutdownWrite; data is
// Data. Encoding is shared because the tag alone disambiguates direction.
type wireFrame struct {
	tag    byte
	portID uint32
	addr   string // OpenAddress / ConnectOk
	domain string // OpenDomainName
	port   uint16 // OpenDomainName
	data   []byte // Data
}

func encodeFrame(f wireFrame) []byte {
	switch f.tag {
	case tagOpenAddress, tagConnectOk:
		buf := make([]byte, frameHeaderLen+len(f.addr))
		putHeader(buf, f.tag, f.portID)
		copy(buf[frameHeaderLen:], f.addr)
		return buf
	case tagOpenDomainName:
		buf := make([]byte, frameHeaderLen+2+len(f.domain)+2)
		putHeader(buf, f.tag, f.portID)
		off := frameHeaderLen
		binary.BigEndian.PutUint16(buf[off:], uint16(len(f.domain)))
		off += 2
		copy(buf[off:], f.domain)
		off += len(f.domain)
		binary.BigEndian.PutUint16(buf[off:], f.port)
		return buf
	case tagShutdownWrite, tagClose, tagConnectFailed:
		buf := make([]byte, frameHeaderLen)
		putHeader(buf, f.tag, f.portID)
		return buf
	case tagData:
		buf := make([]byte, frameHeaderLen+len(f.data))
		putHeader(buf, f.tag, f.portID)
		copy(buf[frameHeaderLen:], f.data)
		return buf
	default:
		panic(fmt.Sprintf("tunnel: encode unknown tag %d", f.tag))
	}
}

func putHeader(buf []byte, tag byte, portID uint32) {
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:], portID)
}

func decodeFrame(buf []byte) (wireFrame, error) {
	if len(buf) < frameHeaderLen {
		return wireFrame{}, fmt.Errorf("tunnel: frame shorter than header (%d bytes)", len(buf))
	}
	f := wireFrame{tag: buf[0], portID: binary.BigEndian.Uint32(buf[1:5])}
	rest := buf[frameHeaderLen:]

	switch f.tag {
	case tagOpenAddress, tagConnectOk:
		f.addr = string(rest)
	case tagOpenDomainName:
		if len(rest) < 2 {
			return wireFrame{}, fmt.Errorf("tunnel: truncated OpenDomainName frame")
		}
		dlen := int(binary.BigEndian.Uint16(rest))
		if len(rest) < 2+dlen+2 {
			return wireFrame{}, fmt.Errorf("tunnel: truncated OpenDomainName frame")
		}
		f.domain = string(rest[2 : 2+dlen])
		f.port = binary.BigEndian.Uint16(rest[2+dlen:])
	case tagShutdownWrite, tagClose, tagConnectFailed:
		// no payload
	case tagData:
		f.data = append([]byte(nil), rest...)
	default:
		return wireFrame{}, fmt.Errorf("tunnel: unknown frame tag %d", f.tag)
	}
	return f, nil
}
