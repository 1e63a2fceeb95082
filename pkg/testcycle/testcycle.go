// Package testcycle drives a single Drive through a repeating
// enable/move-to-max/move-to-min/home sequence, exercising the full
// communication stack without any external supervisor. Grounded on
// original_source/MCTestCycle, which exists for exactly this purpose
// in the firmware this system was distilled from.
package testcycle

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/pkg/drive"
)

// Bounds on the randomized profile used each turn, carried over
// unchanged from original_source/MCTestCycle.h.
const (
	MinSpeed   = 500
	MaxSpeed   = 3000
	MinAccDec  = 250
	MaxAcc     = 2500
	MaxDec     = 2500
	MaxRetries = 200
)

type step uint8

const (
	stepEnable step = iota
	stepSetProfile
	stepMoveMax
	stepWaitMax
	stepMoveMin
	stepWaitMin
	stepConfigureHoming
	stepHome
	stepWaitHome
)

// Cycle repeatedly drives one Drive between two positions, homing
// between turns.
type Cycle struct {
	log *log.Entry

	drive *drive.Drive
	rng   *rand.Rand

	minPos, maxPos int32
	homingMethod   int8

	current step
	retries uint16
	turns   uint32
}

// New builds a Cycle exercising d between minPos and maxPos, homing
// with the given CiA 402 homing method between turns.
func New(d *drive.Drive, name string, minPos, maxPos int32, homingMethod int8, seed int64) *Cycle {
	return &Cycle{
		log:          log.WithFields(log.Fields{"layer": "testcycle", "name": name}),
		drive:        d,
		rng:          rand.New(rand.NewSource(seed)),
		minPos:       minPos,
		maxPos:       maxPos,
		homingMethod: homingMethod,
	}
}

// Turns reports how many full min-max-home cycles have completed.
func (c *Cycle) Turns() uint32 { return c.turns }

// ResetTurns zeroes the turn counter.
func (c *Cycle) ResetTurns() { c.turns = 0 }

// ResetComState returns the cycle (and the underlying Drive) to its
// starting step, releasing any held router lock.
func (c *Cycle) ResetComState() {
	c.drive.ResetComState()
	c.current = stepEnable
	c.retries = 0
}

func (c *Cycle) randomProfile() (vel, acc, dec uint32) {
	vel = uint32(MinSpeed + c.rng.Intn(MaxSpeed-MinSpeed+1))
	acc = uint32(MinAccDec + c.rng.Intn(MaxAcc-MinAccDec+1))
	dec = uint32(MinAccDec + c.rng.Intn(MaxDec-MinAccDec+1))
	return
}

// DoCycle advances the sequence by one tick. It returns true once a
// full min-max-home turn has completed (the same tick Turns()
// increments).
func (c *Cycle) DoCycle(now time.Time) bool {
	c.drive.SetActTime(now)

	switch c.current {
	case stepEnable:
		if c.bump(c.drive.EnableDrive()) {
			c.current = stepSetProfile
		}
	case stepSetProfile:
		vel, acc, dec := c.randomProfile()
		if c.bump(c.drive.SetProfile(vel, acc, dec)) {
			c.current = stepMoveMax
		}
	case stepMoveMax:
		if c.bump(c.drive.StartAbsMove(c.maxPos)) {
			c.current = stepWaitMax
		}
	case stepWaitMax:
		if c.bump(c.drive.IsInPos()) {
			c.current = stepMoveMin
		}
	case stepMoveMin:
		if c.bump(c.drive.StartAbsMove(c.minPos)) {
			c.current = stepWaitMin
		}
	case stepWaitMin:
		if c.bump(c.drive.IsInPos()) {
			c.current = stepConfigureHoming
		}
	case stepConfigureHoming:
		if c.bump(c.drive.ConfigureHoming(c.homingMethod)) {
			c.current = stepHome
		}
	case stepHome:
		if c.bump(c.drive.DoHoming(0)) {
			c.current = stepWaitHome
		}
	case stepWaitHome:
		if c.bump(c.drive.IsHomingFinished()) {
			c.current = stepEnable
			c.turns++
			c.log.WithField("turns", c.turns).Info("cycle complete")
			return true
		}
	}
	return false
}

// bump advances the retry counter on error/timeout, resets the
// sequence if MaxRetries is exceeded, and reports whether st
// represents completion of the current step.
func (c *Cycle) bump(st drive.State) bool {
	switch st {
	case drive.Done:
		c.retries = 0
		return true
	case drive.Error, drive.Timeout:
		c.retries++
		c.drive.ResetComState()
		if c.retries > MaxRetries {
			c.log.Warn("retry budget exhausted, restarting cycle")
			c.current = stepEnable
			c.retries = 0
		}
		return false
	default:
		return false
	}
}
