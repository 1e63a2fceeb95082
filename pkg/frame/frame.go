// Package frame implements the Serial Framer (F): it turns a raw byte
// stream from a UART-like port into complete, delimited frames and
// back. It is the bottom layer of the drive link stack; everything
// above it deals in Frame values, never in raw bytes.
package frame

import "fmt"

const (
	prefix byte = 0x53 // 'S'
	suffix byte = 0x45 // 'E'

	// MinSize is the smallest legal frame: prefix, length, node id,
	// command, crc, suffix.
	MinSize = 6
	// MaxSize bounds a single frame; anything longer overflows the
	// receiver and is dropped without being emitted.
	MaxSize = 64

	// MaxPayload is the largest payload a frame can carry given MaxSize.
	MaxPayload = MaxSize - MinSize
)

// Command identifies the purpose of a frame. Requests and their
// responses share the same code; direction and payload shape tell them
// apart.
type Command byte

const (
	Boot         Command = 0
	SdoReadReq   Command = 1
	SdoWriteReq  Command = 2
	SdoError     Command = 3
	CtrlWord     Command = 4
	StatusWord   Command = 5
	LoggingReq   Command = 6
	EmergencyMsg Command = 7
)

func (c Command) String() string {
	switch c {
	case Boot:
		return "Boot"
	case SdoReadReq:
		return "SdoReadReq"
	case SdoWriteReq:
		return "SdoWriteReq"
	case SdoError:
		return "SdoError"
	case CtrlWord:
		return "CtrlWord"
	case StatusWord:
		return "StatusWord"
	case LoggingReq:
		return "LoggingReq"
	case EmergencyMsg:
		return "EmergencyMsg"
	default:
		return fmt.Sprintf("Command(%#x)", byte(c))
	}
}

// Frame is a fully decoded message: node id, command, and payload
// (which, for outbound frames, does not yet include the CRC byte — the
// router appends it). Its wire length field L (see wireLen, and Raw.Len
// on the receive side) is counted from the length byte through the CRC
// byte.
type Frame struct {
	NodeID  uint8
	Cmd     Command
	Payload []byte
}

// wireLen returns the wire length byte L: the byte index of the CRC
// position, counting prefix(0)/length(1)/NodeId(2)/Cmd(3)/payload
// (4..4+p-1). L = 4 + len(payload), which puts the CRC at buf[L] and
// the suffix at buf[L+1], for a total wire length of L+2.
func (f Frame) wireLen() int {
	return 4 + len(f.Payload)
}

// Encode renders the frame onto the wire, including prefix, length,
// node id, command, payload, crc, and suffix. crc is the value the
// caller (the router) has already computed over [L, NodeId, Cmd,
// payload...].
func Encode(f Frame, crc byte) []byte {
	l := f.wireLen()
	buf := make([]byte, l+2)
	buf[0] = prefix
	buf[1] = byte(l)
	buf[2] = f.NodeID
	buf[3] = byte(f.Cmd)
	copy(buf[4:4+len(f.Payload)], f.Payload)
	buf[4+len(f.Payload)] = crc
	buf[l+1] = suffix
	return buf
}

// Raw is a frame as received off the wire, still carrying its CRC byte
// and suffix so the router can verify them before trusting the payload.
type Raw struct {
	buf []byte
}

// NodeID is byte index 2 of the raw frame.
func (r Raw) NodeID() uint8 { return r.buf[2] }

// Cmd is byte index 3.
func (r Raw) Cmd() Command { return Command(r.buf[3]) }

// Len is the wire length field L (byte index 1).
func (r Raw) Len() int { return int(r.buf[1]) }

// CRCRegion returns the bytes the CRC is computed over: index 1 through
// L-1 inclusive (length byte, node id, command, payload), excluding the
// CRC byte itself.
func (r Raw) CRCRegion() []byte {
	l := r.Len()
	return r.buf[1:l]
}

// CRC is the transmitted CRC byte, at index L.
func (r Raw) CRC() byte { return r.buf[r.Len()] }

// Payload is the frame's payload, excluding command and CRC.
func (r Raw) Payload() []byte {
	l := r.Len()
	return r.buf[4:l]
}

// Bytes returns the full wire representation, prefix through suffix.
func (r Raw) Bytes() []byte { return r.buf }
