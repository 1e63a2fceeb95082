// Package router implements the Message Router (R): CRC framing over
// the Serial Framer, up to MaxNodes node slots with stable handles, a
// single-claim lock with lease expiry, and per-node store-and-forward
// for one outbound frame.
package router

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/internal/crc"
	"github.com/canservo/candrive/pkg/frame"
)

// MaxNodes bounds how many drives can share one physical link.
const MaxNodes = 4

// LeaseMargin extends the lock lease past the round-trip budget so a
// slow but live transaction is never force-unlocked out from under it;
// the lease itself is 2*MsgTimeout + LeaseMargin.
const LeaseMargin = 2 * time.Millisecond

// Handle identifies a registered node slot. It is stable for the
// lifetime of the registration.
type Handle int

// Unregistered is returned by Register when every slot is occupied.
const Unregistered Handle = -1

type slot struct {
	inUse     bool
	nodeID    uint8
	onSysRx   func(frame.Raw)
	onSdoRx   func(frame.Raw)
	txPending []byte
}

// Router is the Message Router (R) layer.
type Router struct {
	log *log.Entry

	framer *frame.Framer
	slots  [MaxNodes]slot

	locked   bool
	lockedAt time.Time
	now      time.Time
}

// New builds a Router on top of an already-constructed Framer. The
// Router registers itself as the framer's RX callback.
func New(f *frame.Framer) *Router {
	r := &Router{
		log:    log.WithField("layer", "router"),
		framer: f,
	}
	f.OnRx(r.handleRx)
	return r
}

// SetActTime records the current tick time; Update uses it to evaluate
// the lock lease.
func (r *Router) SetActTime(now time.Time) {
	r.now = now
}

// Update advances the lock lease. It does not poll the framer itself —
// the caller drives Framer.Update separately so the tick order in the
// owning application stays explicit (Framer, then Router, then up).
func (r *Router) Update(now time.Time) {
	r.now = now
	if r.locked && now.Sub(r.lockedAt) > 2*frame.MsgTimeout+LeaseMargin {
		r.log.Warn("lock lease expired, force-unlocking")
		r.locked = false
	}
}

// Register claims the first free slot for nodeID.
func (r *Router) Register(nodeID uint8) Handle {
	for i := range r.slots {
		if !r.slots[i].inUse {
			r.slots[i] = slot{inUse: true, nodeID: nodeID}
			r.log.WithFields(log.Fields{"node": nodeID, "handle": i}).Info("node registered")
			return Handle(i)
		}
	}
	return Unregistered
}

// Unregister clears a slot, releasing it for reuse.
func (r *Router) Unregister(h Handle) {
	if !r.valid(h) {
		return
	}
	r.slots[h] = slot{}
}

// NodeID returns the node id bound to h.
func (r *Router) NodeID(h Handle) (uint8, bool) {
	if !r.valid(h) || !r.slots[h].inUse {
		return 0, false
	}
	return r.slots[h].nodeID, true
}

// Find returns the handle registered for nodeID, or Unregistered.
func (r *Router) Find(nodeID uint8) Handle {
	for i := range r.slots {
		if r.slots[i].inUse && r.slots[i].nodeID == nodeID {
			return Handle(i)
		}
	}
	return Unregistered
}

// OnSysRx registers the callback for Boot/CtrlWord/StatusWord/
// EmergencyMsg frames addressed to h.
func (r *Router) OnSysRx(h Handle, cb func(frame.Raw)) {
	if r.valid(h) {
		r.slots[h].onSysRx = cb
	}
}

// OnSdoRx registers the callback for SdoReadReq/SdoWriteReq/SdoError
// frames addressed to h.
func (r *Router) OnSdoRx(h Handle, cb func(frame.Raw)) {
	if r.valid(h) {
		r.slots[h].onSdoRx = cb
	}
}

func (r *Router) valid(h Handle) bool {
	return h >= 0 && int(h) < MaxNodes
}

// Lock claims the global lock for exclusive use of the wire. It
// succeeds iff the lock was free.
func (r *Router) Lock() bool {
	if r.locked {
		return false
	}
	r.locked = true
	r.lockedAt = r.now
	return true
}

// Unlock releases the lock unconditionally. Every caller that
// successfully Locked must Unlock exactly once on every exit path.
func (r *Router) Unlock() {
	r.locked = false
}

// Locked reports whether the lock is currently held, for callers that
// need to avoid acquiring it twice in one state machine step.
func (r *Router) Locked() bool {
	return r.locked
}

// Send stamps NodeId and CRC onto payload and attempts to write it
// through the framer. It returns true both when the framer accepted
// the frame immediately and when the frame was stored for a later
// drain attempt — store-and-forward defers the caller's retry logic to
// the router, not the other way around. It returns false when a frame
// was already pending for this node, or when h is not a registered slot.
func (r *Router) Send(h Handle, f frame.Frame) bool {
	if !r.valid(h) || !r.slots[h].inUse {
		return false
	}
	s := &r.slots[h]
	f.NodeID = s.nodeID

	buf := frame.Encode(f, 0)
	region := buf[1 : len(buf)-2]
	buf[len(buf)-2] = crc.Sum(region)

	ok, err := r.framer.Write(buf)
	if err != nil {
		r.log.WithError(err).Error("write failed")
	}
	if ok {
		return true
	}

	if s.txPending != nil {
		r.log.WithField("node", s.nodeID).Warn("tx slot already occupied, dropping")
		return false
	}
	s.txPending = buf
	return true
}

// handleRx dispatches one framed, CRC-checked message to its node slot.
// drain runs unconditionally on every call, not just on a successful
// dispatch: a malformed or misaddressed frame still means the link is
// alive, and any node with a stored frame deserves its resend attempt.
func (r *Router) handleRx(raw frame.Raw) {
	defer r.drain()

	h := r.Find(raw.NodeID())
	if h == Unregistered {
		r.log.WithField("node", raw.NodeID()).Debug("frame for unknown node, dropping")
		return
	}

	region := raw.CRCRegion()
	want := crc.Sum(region)
	if raw.CRC() != want {
		r.log.WithFields(log.Fields{"node": raw.NodeID(), "got": raw.CRC(), "want": want}).Warn("crc mismatch, dropping")
		return
	}

	s := &r.slots[h]
	switch raw.Cmd() {
	case frame.Boot, frame.CtrlWord, frame.StatusWord, frame.EmergencyMsg:
		if s.onSysRx != nil {
			s.onSysRx(raw)
		}
	case frame.SdoReadReq, frame.SdoWriteReq, frame.SdoError:
		if s.onSdoRx != nil {
			s.onSdoRx(raw)
		}
	default:
		r.log.WithField("cmd", raw.Cmd()).Debug("unrecognized command, dropping")
	}
}

// drain attempts, in slot order, to flush every node's stored frame
// once. It is called after dispatching a received frame, matching the
// spec's "drain on inbound event" store-and-forward contract.
func (r *Router) drain() {
	for i := range r.slots {
		s := &r.slots[i]
		if s.txPending == nil {
			continue
		}
		ok, err := r.framer.Write(s.txPending)
		if err != nil {
			r.log.WithError(err).Error("drain write failed")
			continue
		}
		if ok {
			s.txPending = nil
		}
	}
}
