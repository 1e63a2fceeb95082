// Package drive implements the Drive Controller (D): CiA 402 high
// level sequences (enable, disable, stop, profile, motion, homing,
// parameter list transfer, generic object access) composed from the
// Node Controller and SDO Engine beneath it. Every non-getter method is
// pollable: it returns Waiting while a sequence is in progress and Done
// exactly once, after which the caller must call ResetComState before
// starting another sequence.
package drive

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/pkg/node"
	"github.com/canservo/candrive/pkg/router"
	"github.com/canservo/candrive/pkg/sdo"
)

// Well-known CiA 402 object dictionary entries this controller drives
// directly (beyond the control/status word, which travel over the
// CtrlWord/StatusWord commands rather than SDO).
const (
	objOpModeSet        = 0x6060
	objOpModeDisplay     = 0x6061
	objPositionActual   = 0x6063
	objVelocityActual   = 0x606C
	objTargetPosition    = 0x607A
	objProfileVelocity  = 0x6081
	objProfileAccel     = 0x6083
	objProfileDecel     = 0x6084
	objMotionProfileType = 0x6086
	objHomingMethod     = 0x6098
	objTargetVelocityPV  = 0x60FF
)

// Status word masks used by the enable/disable/stop/motion state
// machines.
const (
	swMainStateMask   = 0x006F
	swSwitchOnDisabled = 0x0040
	swReadyToSwitchOn = 0x0021
	swSwitchedOn      = 0x0023
	swOperationEnabled = 0x0027
	swQuickStopActive = 0x0007
	swFault           = 0x0008
	swTargetReached   = 0x0400
	swSetPointAck     = 0x1000
	swHomingMask      = 0x1400
)

// Control word bits used by the motion state machines.
const (
	cwSwitchOn      = 0x0001
	cwEnableVoltage = 0x0002
	cwQuickStop     = 0x0004
	cwEnableOp      = 0x0008
	cwStart         = 0x0010
	cwImmediate     = 0x0020
	cwRelative      = 0x0040
	cwFaultReset    = 0x0080
)

const (
	opModePP = 1
	opModePV = 3
	opModeHM = 6
)

// PullSWCycleTime bounds how often a motion-wait loop re-reads the
// status word via SDO while it has no fresher asynchronous value.
const PullSWCycleTime = 20 * time.Millisecond

// State is the Drive Controller's pollable sequence state.
type State int

const (
	Idle State = iota
	Waiting
	Busy
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
	case Busy:
		return "Busy"
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

// Parameter is one entry of a download/upload parameter list.
type Parameter struct {
	Index  uint16
	Sub    uint8
	Value  uint32
	Length uint8
}

// Drive is the Drive Controller (D) layer. It owns a Node Controller
// (which in turn owns an SDO Engine).
type Drive struct {
	log *log.Entry

	node *node.Node

	state      State
	accessStep uint8

	opModeRequested int8
	opModeReported  int8

	busyRetry    uint8
	busyRetryMax uint8
	toRetryMax   uint8

	params    []Parameter
	listUpNow bool

	now time.Time
}

// New builds a Drive owning a fresh Node bound to the given router
// slot.
func New(r *router.Router, h router.Handle) *Drive {
	d := &Drive{
		log:          log.WithField("layer", "drive"),
		node:         node.New(r, h),
		busyRetryMax: 3,
		toRetryMax:   1,
		opModeReported: -1,
	}
	return d
}

// SetActTime propagates the tick time down through Node and SDO.
func (d *Drive) SetActTime(now time.Time) {
	d.now = now
	d.node.SetActTime(now)
}

// SetBusyRetryMax forwards the bound to the owned Node (CW writes) and
// to its SDO client, which carries the Drive's own object accesses.
func (d *Drive) SetBusyRetryMax(max uint8) {
	d.busyRetryMax = max
	d.node.SetBusyRetryMax(max)
	d.node.SDO().SetBusyRetryMax(max)
}

// SetToRetryMax forwards the bound to the owned Node's SDO client.
func (d *Drive) SetToRetryMax(max uint8) {
	d.toRetryMax = max
	d.node.SetToRetryMax(max)
}

// IsLive, GetLastError, GetSW, GetOpMode, GetCWAccess, GetAccessStep
// expose read-only projections of the underlying Node/SDO state for
// embedding applications (§6 "Embedding interface").
func (d *Drive) IsLive() bool          { return d.node.IsLive() }
func (d *Drive) GetLastError() uint16  { return d.node.GetLastError() }
func (d *Drive) GetSW() uint16         { return d.node.StatusWord() }
func (d *Drive) GetOpMode() int8       { return d.opModeReported }
func (d *Drive) GetCWAccess() node.CWState { return d.node.CWAccess() }
func (d *Drive) GetAccessStep() uint8  { return d.accessStep }
func (d *Drive) GetSDOState() sdo.State { return d.node.SDO().State() }
func (d *Drive) GetNodeState() node.CWState { return d.node.CWAccess() }

// CheckComState projects the Node's CW access state onto the Drive's
// return value when the Drive itself has nothing more specific to
// report. Sequence methods do not call it; they project CW errors onto
// their own return value through projectCW, and CheckComState lets a
// caller query the same projection between calls.
func (d *Drive) CheckComState() State {
	switch d.node.CWAccess() {
	case node.Error:
		d.state = Error
	case node.Timeout:
		d.state = Timeout
	}
	return d.state
}

// ResetComState returns the Drive, the Node, and the SDO Engine to
// Idle, releasing the router lock if still held anywhere in the stack.
func (d *Drive) ResetComState() {
	d.node.ResetComState()
	d.state = Idle
	d.accessStep = 0
	d.busyRetry = 0
}

// SendReset issues a node reset (Boot) and clears the Drive's own
// sequence state.
func (d *Drive) SendReset() State {
	d.node.SendReset()
	d.ResetComState()
	return d.state
}

func (d *Drive) sw() uint16 { return d.node.StatusWord() }

// EnableDrive drives the CiA 402 state machine from whatever state it
// is currently in towards Operation Enabled (status & 0x6F == 0x27).
func (d *Drive) EnableDrive() State {
	masked := d.sw() & swMainStateMask
	if masked == swOperationEnabled {
		d.state = Done
		return d.state
	}

	cw := d.node.ControlWord()
	var newCW uint16
	switch masked {
	case swReadyToSwitchOn:
		newCW = cw | 0x07
	case swSwitchedOn:
		newCW = cw | 0x0F
	case swQuickStopActive:
		newCW = cw | 0x0F
	case swFault:
		newCW = cw | cwFaultReset
	default:
		newCW = cw | 0x06
	}

	cwState := d.node.SendCw(newCW, PullSWCycleTime)
	if st := d.projectCW(cwState); st != 0 {
		return st
	}
	d.state = Waiting
	return d.state
}

// DisableDrive clears the low control-word nibble and waits for
// Switch-On-Disabled.
func (d *Drive) DisableDrive() State {
	masked := d.sw() & swMainStateMask
	if masked == swSwitchOnDisabled {
		d.state = Done
		return d.state
	}
	cw := d.node.ControlWord() &^ 0x000F
	cwState := d.node.SendCw(cw, PullSWCycleTime)
	if st := d.projectCW(cwState); st != 0 {
		return st
	}
	d.state = Waiting
	return d.state
}

// StopDrive clears the quick-stop bit and waits for either
// Quick-Stop-Active or Switch-On-Disabled.
func (d *Drive) StopDrive() State {
	masked := d.sw() & swMainStateMask
	if masked == swQuickStopActive || masked == swSwitchOnDisabled {
		d.state = Done
		return d.state
	}
	cw := d.node.ControlWord() &^ uint16(cwQuickStop)
	cwState := d.node.SendCw(cw, PullSWCycleTime)
	if st := d.projectCW(cwState); st != 0 {
		return st
	}
	d.state = Waiting
	return d.state
}

// projectCW maps a Node CWState onto the Drive's terminal states. It
// returns 0 (Idle) when the caller should keep running its own
// sequence logic unchanged.
func (d *Drive) projectCW(cw node.CWState) State {
	switch cw {
	case node.Error:
		d.state = Error
		return d.state
	case node.Timeout:
		d.state = Timeout
		return d.state
	}
	return 0
}

// resolveSDOState maps an sdo.State onto a Drive State, consuming a
// completed read's value exactly once (mirroring sdo.Client.GetObjValue's
// own once-only contract).
func (d *Drive) resolveSDOState(st sdo.State) (uint32, State) {
	switch st {
	case sdo.Waiting, sdo.Retry:
		return 0, Waiting
	case sdo.Error:
		return 0, Error
	case sdo.Timeout:
		return 0, Timeout
	case sdo.Done:
		v, _ := d.node.SDO().GetObjValue()
		return v, Done
	default:
		return 0, Idle
	}
}

// ReadObject and WriteObject collapse the three width-specific object
// accessors of the original firmware into one pair generic over the
// transferred width; callers pick the length (1, 2, or 4 bytes) at the
// call site instead of the compiler picking an overload.
func (d *Drive) ReadObject(idx uint16, sub uint8) (uint32, State) {
	st := d.node.SDO().ReadSDO(idx, sub)
	v, ds := d.resolveSDOState(st)
	d.state = ds
	return v, ds
}

func (d *Drive) WriteObject(idx uint16, sub uint8, value uint32, length uint8) State {
	st := d.node.SDO().WriteSDO(idx, sub, value, length)
	_, ds := d.resolveSDOState(st)
	d.state = ds
	return ds
}

// step is one stage of a multi-step access sequence; it reports only
// its own completion, never the sequence's.
type step func(d *Drive) State

func writeStep(idx uint16, sub uint8, value uint32, length uint8) step {
	return func(d *Drive) State { return d.WriteObject(idx, sub, value, length) }
}

func readStep(idx uint16, sub uint8, into *uint32) step {
	return func(d *Drive) State {
		v, st := d.ReadObject(idx, sub)
		if st == Done {
			*into = v
		}
		return st
	}
}

// runSteps advances a fixed sequence of steps by one tick, using
// accessStep to resume at the right stage on the next call. It is the
// generic engine behind SetProfile, DownloadParamterList, and
// UploadParamterList.
func (d *Drive) runSteps(steps []step) State {
	if int(d.accessStep) >= len(steps) {
		d.accessStep = 0
	}
	st := steps[d.accessStep](d)
	switch st {
	case Done:
		d.accessStep++
		if int(d.accessStep) >= len(steps) {
			d.accessStep = 0
			d.state = Done
		} else {
			d.state = Waiting
		}
	case Error, Timeout:
		d.accessStep = 0
		d.state = st
	default:
		d.state = Waiting
	}
	return d.state
}

// SetOpMode writes the requested CiA 402 mode of operation (1 = PP,
// 3 = PV, 6 = Homing) and confirms it by reading back the mode-display
// object; Done is returned only once the drive has echoed the mode it
// was asked to take.
func (d *Drive) SetOpMode(mode int8) State {
	d.opModeRequested = mode
	var reported uint32
	st := d.runSteps([]step{
		writeStep(objOpModeSet, 0, uint32(uint8(mode)), 1),
		readStep(objOpModeDisplay, 0, &reported),
	})
	if st == Done {
		d.opModeReported = int8(reported)
		if d.opModeReported != d.opModeRequested {
			d.state = Error
			return d.state
		}
	}
	return st
}

// SetProfile writes the profile velocity, acceleration, and
// deceleration used by subsequent PP moves, followed by a linear
// motion profile type.
func (d *Drive) SetProfile(velocity, accel, decel uint32) State {
	return d.runSteps([]step{
		writeStep(objProfileVelocity, 0, velocity, 4),
		writeStep(objProfileAccel, 0, accel, 4),
		writeStep(objProfileDecel, 0, decel, 4),
		writeStep(objMotionProfileType, 0, 0, 2),
	})
}

// movePP drives the new-set-point handshake shared by StartAbsMove and
// StartRelMove, per original_source/MCDrive/MCDrive.cpp's MovePP: clear
// the Start bit and confirm the Ack status bit actually cleared, write
// the target, raise Start (with Immediate/Relative) and wait for Ack to
// raise, then lower Start/Immediate/Relative again and confirm Ack
// cleared a second time before reporting Done.
func (d *Drive) movePP(target uint32, relative bool) State {
	switch d.accessStep {
	case 0:
		cw := d.node.ControlWord() &^ uint16(cwStart)
		cwState := d.node.SendCw(cw, 0)
		if st := d.projectCW(cwState); st != 0 {
			d.accessStep = 0
			return st
		}
		if cwState == node.Done {
			d.accessStep = 1
		}
		d.state = Waiting
		return d.state
	case 1:
		pullSt := d.node.PullSW(PullSWCycleTime)
		if st := d.projectCW(pullSt); st != 0 {
			d.accessStep = 0
			return st
		}
		if pullSt == node.Done && d.sw()&swSetPointAck == 0 {
			d.accessStep = 2
		}
		d.state = Waiting
		return d.state
	case 2:
		st := d.WriteObject(objTargetPosition, 0, target, 4)
		if st == Done {
			d.accessStep = 3
			d.state = Waiting
			return d.state
		}
		d.state = st
		return d.state
	case 3:
		cw := d.node.ControlWord() | uint16(cwStart) | uint16(cwImmediate)
		if relative {
			cw |= cwRelative
		}
		cwState := d.node.SendCw(cw, 0)
		if st := d.projectCW(cwState); st != 0 {
			d.accessStep = 0
			return st
		}
		if cwState == node.Done {
			d.accessStep = 4
		}
		d.state = Waiting
		return d.state
	case 4:
		pullSt := d.node.PullSW(PullSWCycleTime)
		if st := d.projectCW(pullSt); st != 0 {
			d.accessStep = 0
			return st
		}
		if pullSt == node.Done && d.sw()&swSetPointAck != 0 {
			d.accessStep = 5
		}
		d.state = Waiting
		return d.state
	case 5:
		cw := d.node.ControlWord() &^ uint16(cwStart|cwImmediate|cwRelative)
		cwState := d.node.SendCw(cw, 0)
		if st := d.projectCW(cwState); st != 0 {
			d.accessStep = 0
			return st
		}
		if cwState == node.Done {
			d.accessStep = 6
		}
		d.state = Waiting
		return d.state
	case 6:
		pullSt := d.node.PullSW(PullSWCycleTime)
		if st := d.projectCW(pullSt); st != 0 {
			d.accessStep = 0
			return st
		}
		if pullSt == node.Done && d.sw()&swSetPointAck == 0 {
			d.accessStep = 0
			d.state = Done
			return d.state
		}
		d.state = Waiting
		return d.state
	}
	d.accessStep = 0
	d.state = Error
	return d.state
}

// StartAbsMove starts a profile-position move to an absolute target.
// The caller must already be in PP mode (SetOpMode(1)) and Operation
// Enabled.
func (d *Drive) StartAbsMove(target int32) State {
	return d.movePP(uint32(target), false)
}

// StartRelMove starts a profile-position move relative to the current
// target position.
func (d *Drive) StartRelMove(delta int32) State {
	return d.movePP(uint32(delta), true)
}

// IsInPos reports whether the drive has reached its target, pulling a
// fresh status word at most every PullSWCycleTime.
func (d *Drive) IsInPos() State {
	pullSt := d.node.PullSW(PullSWCycleTime)
	if st := d.projectCW(pullSt); st != 0 {
		return st
	}
	if pullSt != node.Done {
		d.state = Waiting
		return d.state
	}
	if d.sw()&swTargetReached != 0 {
		d.state = Done
	} else {
		d.state = Waiting
	}
	return d.state
}

// ConfigureHoming writes the CiA 402 homing method object (0x6098) that
// a subsequent DoHoming call will use, mirroring
// original_source/MCDrive/MCDrive.cpp's ConfigureHoming.
func (d *Drive) ConfigureHoming(method int8) State {
	return d.WriteObject(objHomingMethod, 0, uint32(uint8(method)), 1)
}

// DoHoming runs the CiA 402 homing sequence, per
// original_source/MCDrive/MCDrive.cpp's DoHoming: force the Start bit
// low, switch to Homing mode (op-mode 6, confirmed by reading back the
// mode-display object and retrying the mode switch on mismatch), raise
// the Start bit, poll until the homing-finished status mask is set,
// then lower the Start bit again before reporting Done. The mode-switch
// sub-steps are inlined rather than delegated to SetOpMode, which would
// otherwise collide with this sequence over the shared accessStep
// counter. timeout mirrors the original firmware's DoHoming(timeout)
// signature; the host-side sequencer here does not consult it, just as
// the firmware's own switch statement never referenced its timeout
// parameter.
func (d *Drive) DoHoming(timeout time.Duration) State {
	switch d.accessStep {
	case 0:
		cw := d.node.ControlWord() &^ uint16(cwStart)
		cwState := d.node.SendCw(cw, 0)
		if st := d.projectCW(cwState); st != 0 {
			d.accessStep = 0
			return st
		}
		if cwState == node.Done {
			d.accessStep = 1
		}
		d.state = Waiting
		return d.state
	case 1:
		st := d.WriteObject(objOpModeSet, 0, uint32(uint8(opModeHM)), 1)
		if st == Done {
			d.accessStep = 2
			d.state = Waiting
			return d.state
		}
		d.state = st
		return d.state
	case 2:
		v, st := d.ReadObject(objOpModeDisplay, 0)
		if st == Done {
			d.opModeReported = int8(v)
			if d.opModeReported != opModeHM {
				d.accessStep = 1
				d.state = Waiting
				return d.state
			}
			d.accessStep = 3
			d.state = Waiting
			return d.state
		}
		d.state = st
		return d.state
	case 3:
		cw := d.node.ControlWord() | uint16(cwStart)
		cwState := d.node.SendCw(cw, 0)
		if st := d.projectCW(cwState); st != 0 {
			d.accessStep = 0
			return st
		}
		if cwState == node.Done {
			d.accessStep = 4
		}
		d.state = Waiting
		return d.state
	case 4:
		pullSt := d.node.PullSW(PullSWCycleTime)
		if st := d.projectCW(pullSt); st != 0 {
			d.accessStep = 0
			return st
		}
		if pullSt == node.Done && d.sw()&swHomingMask == swHomingMask {
			d.accessStep = 5
		}
		d.state = Waiting
		return d.state
	case 5:
		cw := d.node.ControlWord() &^ uint16(cwStart)
		cwState := d.node.SendCw(cw, 0)
		if st := d.projectCW(cwState); st != 0 {
			d.accessStep = 0
			return st
		}
		if cwState == node.Done {
			d.accessStep = 0
			d.state = Done
			return d.state
		}
		d.state = Waiting
		return d.state
	}
	d.accessStep = 0
	d.state = Error
	return d.state
}

// IsHomingFinished reports whether the homing-finished/target-reached
// bits of a fresh status word are both set.
func (d *Drive) IsHomingFinished() State {
	pullSt := d.node.PullSW(PullSWCycleTime)
	if st := d.projectCW(pullSt); st != 0 {
		return st
	}
	if pullSt != node.Done {
		d.state = Waiting
		return d.state
	}
	if d.sw()&swHomingMask == swHomingMask {
		d.state = Done
	} else {
		d.state = Waiting
	}
	return d.state
}

// MoveAtSpeed drives a profile-velocity (PV mode) target, the simpler
// sibling of the PP move machinery: PV mode has no new-set-point
// handshake, so a single object write suffices.
func (d *Drive) MoveAtSpeed(speed int32) State {
	return d.WriteObject(objTargetVelocityPV, 0, uint32(speed), 4)
}

// DownloadParamterList writes every parameter in params in order,
// stopping at the first error. The misspelling matches the firmware
// this was ported from and is kept on purpose, as is the one in
// UploadParamterList.
func (d *Drive) DownloadParamterList(params []Parameter) State {
	if d.accessStep == 0 {
		d.params = params
	}
	steps := make([]step, len(d.params))
	for i, p := range d.params {
		p := p
		steps[i] = writeStep(p.Index, p.Sub, p.Value, p.Length)
	}
	if len(steps) == 0 {
		d.state = Done
		return d.state
	}
	return d.runSteps(steps)
}

// UploadParamterList reads every parameter in params in order (Index
// and Sub select the object; Length is not consulted; Value is filled
// in from each read) and returns the populated list once every entry
// has been read.
func (d *Drive) UploadParamterList(params []Parameter) ([]Parameter, State) {
	if d.accessStep == 0 {
		d.params = append([]Parameter(nil), params...)
	}
	steps := make([]step, len(d.params))
	for i := range d.params {
		i := i
		steps[i] = func(dr *Drive) State {
			v, st := dr.ReadObject(dr.params[i].Index, dr.params[i].Sub)
			if st == Done {
				dr.params[i].Value = v
			}
			return st
		}
	}
	if len(steps) == 0 {
		d.state = Done
		return d.params, d.state
	}
	st := d.runSteps(steps)
	return d.params, st
}

// Vendor gear object, shared by SwitchToGear and ActualGear. It is
// addressed through the same generic ReadObject/WriteObject pair as
// every other object; no dedicated gear type exists.
const (
	objGear        = 0x3010
	gearTargetSub  = 0x00
	gearActualSub  = 0x01
)

// SwitchToGear writes the target gear ratio selector.
func SwitchToGear(d *Drive, gear uint32) State {
	return d.WriteObject(objGear, gearTargetSub, gear, 4)
}

// ActualGear reads back the gear ratio currently engaged.
func ActualGear(d *Drive) (uint32, State) {
	return d.ReadObject(objGear, gearActualSub)
}
