package sdo

import "fmt"

// AbortCode mirrors the handful of SDO abort reasons this protocol's
// servo firmware actually emits on an SdoError frame. It deliberately
// does not cover the full CANopen abort code table (segmented/block
// transfer aborts, PDO mapping aborts) since this engine never
// negotiates anything beyond a single expedited transfer.
type AbortCode uint32

const (
	AbortNone         AbortCode = 0x00000000
	AbortReadOnly     AbortCode = 0x06010002
	AbortWriteOnly    AbortCode = 0x06010001
	AbortNoSuchObject AbortCode = 0x06020000
	AbortGeneral      AbortCode = 0x08000000
	AbortTimeout      AbortCode = 0x05040000
)

var abortText = map[AbortCode]string{
	AbortNone:         "no abort",
	AbortReadOnly:     "attempt to write a read-only object",
	AbortWriteOnly:    "attempt to read a write-only object",
	AbortNoSuchObject: "object does not exist in the object dictionary",
	AbortGeneral:      "general error",
	AbortTimeout:      "sdo protocol timed out",
}

func (a AbortCode) Error() string {
	if s, ok := abortText[a]; ok {
		return s
	}
	return fmt.Sprintf("sdo abort %#08x", uint32(a))
}
