// Package node implements the Node Controller (N): control-word
// write-with-acknowledgement, asynchronous status-word capture, cyclic
// status-word polling via SDO, and boot/emergency capture. A Drive
// Controller (pkg/drive) owns exactly one Node.
package node

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/pkg/frame"
	"github.com/canservo/candrive/pkg/router"
	"github.com/canservo/candrive/pkg/sdo"
)

// CwRespTimeout bounds how long a control-word write waits for its
// acknowledgement before retrying at half the deadline.
const CwRespTimeout = 5 * time.Millisecond

// StatusWordIndex is the well-known object read by the cyclic SW poll.
const (
	StatusWordIndex    = 0x6041
	StatusWordSubIndex = 0x00
)

// CWState is the control-word access state machine.
type CWState int

const (
	Idle CWState = iota
	Waiting
	Done
	Error
	Retry
	Timeout
	RxResponse
	Wait4SW
)

func (s CWState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Waiting:
		return "Waiting"
	case Done:
		return "Done"
	case Error:
		return "Error"
	case Retry:
		return "Retry"
	case Timeout:
		return "Timeout"
	case RxResponse:
		return "RxResponse"
	case Wait4SW:
		return "Wait4SW"
	default:
		return "Unknown"
	}
}

// Node is the Node Controller (N) layer.
type Node struct {
	log *log.Entry

	router *router.Router
	handle router.Handle
	sdo    *sdo.Client

	ctrlWord   uint16
	statusWord uint16

	cwAccess      CWState
	firstCwAccess bool

	busyRetry    uint8
	busyRetryMax uint8

	cwSentAt time.Time
	swRxAt   time.Time
	maxSwDly time.Duration

	emcyCode uint16
	isLive   bool

	now time.Time
}

// New builds a Node bound to a registered router slot and owning an
// SDO client of its own.
func New(r *router.Router, h router.Handle) *Node {
	n := &Node{
		log:           log.WithField("layer", "node"),
		router:        r,
		handle:        h,
		sdo:           sdo.New(r, h),
		firstCwAccess: true,
		busyRetryMax:  3,
	}
	r.OnSysRx(h, n.handleSysRx)
	return n
}

// SDO exposes the owned SDO Engine directly, for callers (the Drive
// Controller) that need raw object access alongside CW/SW handling.
func (n *Node) SDO() *sdo.Client { return n.sdo }

// SetActTime propagates the tick time to the Node and its SDO client.
func (n *Node) SetActTime(now time.Time) {
	n.now = now
	n.sdo.Update(now)
}

// SetBusyRetryMax overrides the CW write busy-retry bound.
func (n *Node) SetBusyRetryMax(max uint8) {
	n.busyRetryMax = max
}

// SetToRetryMax forwards to the owned SDO client, used by the cyclic SW
// poll and any direct object access through this node.
func (n *Node) SetToRetryMax(max uint8) {
	n.sdo.SetToRetryMax(max)
}

// IsLive reports whether a Boot broadcast has been observed since the
// last reset or link-down.
func (n *Node) IsLive() bool { return n.isLive }

// GetLastError returns the captured emergency error code, if any.
func (n *Node) GetLastError() uint16 { return n.emcyCode }

// StatusWord returns the most recently observed status word.
func (n *Node) StatusWord() uint16 { return n.statusWord }

// ControlWord returns the last successfully written control word.
func (n *Node) ControlWord() uint16 { return n.ctrlWord }

// CWAccess reports the control-word access state machine's state.
func (n *Node) CWAccess() CWState { return n.cwAccess }

// SendCw drives the control-word write-with-response protocol. value
// is the desired CW; maxSwDelay, if nonzero, bounds how stale the
// cached status word may be once the write completes before the node
// falls back to an SDO poll to refresh it.
func (n *Node) SendCw(value uint16, maxSwDelay time.Duration) CWState {
	doSend := value != n.ctrlWord || n.firstCwAccess ||
		(n.cwAccess == Retry && n.now.After(n.cwSentAt.Add(CwRespTimeout/2)))

	if doSend && n.cwAccess == Done {
		n.cwAccess = Idle
	}
	if !doSend && n.cwAccess == Idle {
		n.cwAccess = RxResponse
	}
	if n.cwAccess == Waiting && n.now.After(n.cwSentAt.Add(CwRespTimeout/2)) {
		if n.router.Locked() {
			n.router.Unlock()
		}
		n.cwAccess = Retry
	}

	switch n.cwAccess {
	case Idle, Retry:
		n.tryWriteCw(value)
	}

	switch n.cwAccess {
	case RxResponse:
		if n.router.Locked() {
			n.router.Unlock()
		}
		n.cwAccess = Done
		n.swRxAt = n.now
		n.maxSwDly = maxSwDelay
	case Done:
		if n.maxSwDly > 0 && n.now.Sub(n.swRxAt) > n.maxSwDly {
			n.cwAccess = Wait4SW
		}
	case Wait4SW:
		n.pollSW()
	}

	return n.cwAccess
}

func (n *Node) tryWriteCw(value uint16) {
	if !n.router.Lock() {
		return
	}
	payload := []byte{byte(value), byte(value >> 8)}
	ok := n.router.Send(n.handle, frame.Frame{Cmd: frame.CtrlWord, Payload: payload})
	if ok {
		n.cwAccess = Waiting
		n.ctrlWord = value
		n.firstCwAccess = false
		n.cwSentAt = n.now
		n.busyRetry = 0
		return
	}
	n.router.Unlock()
	n.busyRetry++
	if n.busyRetry > n.busyRetryMax {
		n.cwAccess = Error
	} else {
		n.cwAccess = Retry
	}
}

// PullSW runs the same Wait4SW/Done sub-machine as SendCw's staleness
// check, independent of any pending CW write, for callers that only
// need a fresh status word (e.g. polling for target-reached).
func (n *Node) PullSW(maxDelay time.Duration) CWState {
	if n.cwAccess != Wait4SW && n.now.Sub(n.swRxAt) <= maxDelay {
		return Done
	}
	n.cwAccess = Wait4SW
	n.pollSW()
	return n.cwAccess
}

func (n *Node) pollSW() {
	st := n.sdo.ReadSDO(StatusWordIndex, StatusWordSubIndex)
	if st != sdo.Done {
		return
	}
	v, _ := n.sdo.GetObjValue()
	n.statusWord = uint16(v)
	n.sdo.ResetComState()
	n.swRxAt = n.now
	n.cwAccess = Done
}

// SendReset issues the Boot command; no response is expected. The node
// is considered not live until a later Boot broadcast arrives.
func (n *Node) SendReset() {
	n.router.Send(n.handle, frame.Frame{Cmd: frame.Boot, Payload: []byte{0x00, 0x00}})
	n.isLive = false
}

// ResetComState returns the CW access machine to Idle and resets the
// owned SDO client, releasing the router lock if still held.
func (n *Node) ResetComState() {
	if n.router.Locked() {
		n.router.Unlock()
	}
	n.cwAccess = Idle
	n.busyRetry = 0
	n.sdo.ResetComState()
}

func (n *Node) handleSysRx(raw frame.Raw) {
	switch raw.Cmd() {
	case frame.CtrlWord:
		n.handleCwResponse(raw)
	case frame.StatusWord:
		n.handleStatusWordBroadcast(raw)
	case frame.Boot:
		n.handleBoot()
	case frame.EmergencyMsg:
		n.handleEmergency(raw)
	}
}

func (n *Node) handleCwResponse(raw frame.Raw) {
	if n.cwAccess != Waiting && n.cwAccess != Retry {
		return
	}
	payload := raw.Payload()
	if len(payload) < 1 {
		n.cwAccess = Error
		return
	}
	if payload[0] == 0 {
		n.firstCwAccess = false
		n.cwAccess = RxResponse
	} else {
		n.cwAccess = Error
	}
}

func (n *Node) handleStatusWordBroadcast(raw frame.Raw) {
	payload := raw.Payload()
	if len(payload) < 2 {
		return
	}
	n.statusWord = uint16(payload[0]) | uint16(payload[1])<<8
	n.swRxAt = n.now
}

func (n *Node) handleBoot() {
	n.isLive = true
	n.cwAccess = Idle
	n.firstCwAccess = true
	n.busyRetry = 0
	n.sdo.ResetComState()
	n.log.Info("node reported boot")
}

func (n *Node) handleEmergency(raw frame.Raw) {
	payload := raw.Payload()
	if len(payload) < 2 {
		return
	}
	n.emcyCode = uint16(payload[0]) | uint16(payload[1])<<8
	n.log.WithField("code", n.emcyCode).Warn("emergency message received")
}
