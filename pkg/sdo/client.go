// Package sdo implements the SDO Engine (S): one pollable read or write
// transaction per node, layered directly on the Message Router, with
// busy retry, response-timeout retry, and a terminal error/timeout
// state.
package sdo

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/pkg/frame"
	"github.com/canservo/candrive/pkg/router"
)

// RespTimeout is the deadline for a response to an outstanding
// transaction, expressed as a multiple of the framer's inter-byte
// timeout.
const RespTimeout = 4 * frame.MsgTimeout

// State is the SDO Engine's pollable transaction state.
type State int

const (
	Idle State = iota
	Waiting
	Retry
	Done
	Error
	Timeout
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Waiting:
		return "Waiting"
	case Retry:
		return "Retry"
	case Done:
		return "Done"
	case Error:
		return "Error"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

type direction int

const (
	dirRead direction = iota
	dirWrite
)

// Client is the SDO Engine bound to one node slot. A node owns exactly
// one Client; only one transaction may be outstanding at a time.
type Client struct {
	log *log.Entry

	router *router.Router
	handle router.Handle

	state State
	dir   direction
	idx   uint16
	sub   uint8

	txValue uint32
	txLen   uint8

	rxValue uint32
	rxLen   uint8

	lastErr error

	busyRetry    uint8
	busyRetryMax uint8
	toRetry      uint8
	toRetryMax   uint8

	sentAt time.Time
	now    time.Time
}

// New builds an SDO Client addressing the node registered at h. It
// registers itself as the router's SDO callback for that slot.
func New(r *router.Router, h router.Handle) *Client {
	c := &Client{
		log:          log.WithField("layer", "sdo"),
		router:       r,
		handle:       h,
		busyRetryMax: 3,
		toRetryMax:   1,
	}
	r.OnSdoRx(h, c.handleRx)
	return c
}

// SetBusyRetryMax overrides the default busy-retry bound (3).
func (c *Client) SetBusyRetryMax(n uint8) { c.busyRetryMax = n }

// SetToRetryMax overrides the default response-timeout retry bound (1).
func (c *Client) SetToRetryMax(n uint8) { c.toRetryMax = n }

// State reports the current transaction state.
func (c *Client) State() State { return c.state }

// SetActTime records the current tick time; Update compares it against
// the outstanding transaction's deadline.
func (c *Client) SetActTime(now time.Time) { c.now = now }

// ReadSDO starts (or retries) a read of idx:sub. Valid from Idle or
// Retry; any other state is a caller bug and is ignored.
func (c *Client) ReadSDO(idx uint16, sub uint8) State {
	if c.state != Idle && c.state != Retry {
		return c.state
	}
	c.dir = dirRead
	c.idx, c.sub = idx, sub
	payload := []byte{byte(idx), byte(idx >> 8), sub}
	return c.send(frame.SdoReadReq, payload)
}

// WriteSDO starts (or retries) a write of value, truncated to length
// bytes (1, 2, or 4), to idx:sub. The payload is copied byte-wise,
// matching the original firmware's unaligned-safe approach to an
// unaligned 32-bit field on the wire.
func (c *Client) WriteSDO(idx uint16, sub uint8, value uint32, length uint8) State {
	if c.state != Idle && c.state != Retry {
		return c.state
	}
	c.dir = dirWrite
	c.idx, c.sub = idx, sub
	c.txValue, c.txLen = value, length

	payload := make([]byte, 3, 3+4)
	payload[0], payload[1], payload[2] = byte(idx), byte(idx>>8), sub
	var b [4]byte
	b[0] = byte(value)
	b[1] = byte(value >> 8)
	b[2] = byte(value >> 16)
	b[3] = byte(value >> 24)
	payload = append(payload, b[:length]...)

	return c.send(frame.SdoWriteReq, payload)
}

func (c *Client) send(cmd frame.Command, payload []byte) State {
	if !c.router.Lock() {
		// Caller re-polls; no state change on a failed lock attempt.
		return c.state
	}
	ok := c.router.Send(c.handle, frame.Frame{Cmd: cmd, Payload: payload})
	if ok {
		c.state = Waiting
		c.sentAt = c.now
		c.busyRetry = 0
		return c.state
	}

	c.router.Unlock()
	c.busyRetry++
	if c.busyRetry > c.busyRetryMax {
		c.log.WithFields(log.Fields{"index": idxHex(c.idx), "sub": c.sub}).Warn("busy retry exhausted")
		c.state = Error
	} else {
		c.state = Retry
	}
	return c.state
}

// Update checks the outstanding transaction's response deadline.
func (c *Client) Update(now time.Time) {
	c.now = now
	if c.state != Waiting {
		return
	}
	if now.Sub(c.sentAt) <= RespTimeout {
		return
	}
	if c.router.Locked() {
		c.router.Unlock()
	}
	if c.toRetry < c.toRetryMax {
		c.toRetry++
		c.state = Retry
		c.log.WithFields(log.Fields{"index": idxHex(c.idx), "sub": c.sub}).Debug("response timeout, retrying")
		return
	}
	c.state = Timeout
	c.toRetry = 0
	c.log.WithFields(log.Fields{"index": idxHex(c.idx), "sub": c.sub}).Warn("response timeout exhausted")
}

func (c *Client) handleRx(raw frame.Raw) {
	if c.state != Waiting && c.state != Retry {
		return
	}

	payload := raw.Payload()
	if len(payload) < 3 {
		c.state = Error
		return
	}
	idx := uint16(payload[0]) | uint16(payload[1])<<8
	sub := payload[2]
	if idx != c.idx || sub != c.sub {
		c.state = Error
		return
	}

	switch raw.Cmd() {
	case frame.SdoReadReq:
		if c.dir != dirRead {
			c.state = Error
			return
		}
		var v uint32
		n := len(payload) - 3
		if n > 4 {
			n = 4
		}
		for i := 0; i < n; i++ {
			v |= uint32(payload[3+i]) << (8 * uint(i))
		}
		c.rxValue = v
		c.rxLen = uint8(n)
		c.state = Done
	case frame.SdoWriteReq:
		if c.dir != dirWrite {
			c.state = Error
			return
		}
		c.state = Done
	case frame.SdoError:
		ac := AbortGeneral
		if len(payload) >= 7 {
			ac = AbortCode(uint32(payload[3]) | uint32(payload[4])<<8 | uint32(payload[5])<<16 | uint32(payload[6])<<24)
		}
		c.lastErr = fmt.Errorf("sdo abort on %s:%d: %w", idxHex(idx), sub, ac)
		c.log.WithFields(log.Fields{"index": idxHex(idx), "sub": sub}).WithError(c.lastErr).Warn("sdo abort received")
		c.state = Error
		return
	default:
		c.state = Error
		return
	}

	if c.router.Locked() {
		c.router.Unlock()
	}
}

// Err returns the reason the transaction last entered Error by way of an
// SdoError response, or nil if it never did (a busy-retry exhaustion or
// mismatched-echo Error carries no AbortCode and leaves this nil). The
// result wraps an AbortCode, so callers can test it with errors.Is
// against the AbortXxx constants.
func (c *Client) Err() error { return c.lastErr }

// GetObjValue returns the value of a completed read transaction. If the
// transaction was Done, it resets to Idle so the value is observed
// exactly once.
func (c *Client) GetObjValue() (uint32, State) {
	v, s := c.rxValue, c.state
	if c.state == Done {
		c.state = Idle
	}
	return v, s
}

// ResetComState forces the transaction back to Idle, releasing the
// router lock if this client still holds it.
func (c *Client) ResetComState() {
	if c.router.Locked() {
		c.router.Unlock()
	}
	c.state = Idle
	c.busyRetry = 0
	c.toRetry = 0
	c.lastErr = nil
}

func idxHex(idx uint16) string {
	return fmt.Sprintf("%#04x", idx)
}
