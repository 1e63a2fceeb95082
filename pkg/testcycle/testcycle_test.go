package testcycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canservo/candrive/pkg/drive"
	"github.com/canservo/candrive/pkg/frame"
	"github.com/canservo/candrive/pkg/router"
)

type loopbackPort struct {
	rx []byte
	tx [][]byte
}

func (p *loopbackPort) feed(b ...byte) { p.rx = append(p.rx, b...) }

func (p *loopbackPort) ReadAvailable() ([]byte, error) {
	out := p.rx
	p.rx = nil
	return out, nil
}

func (p *loopbackPort) TryWrite(buf []byte) (bool, error) {
	p.tx = append(p.tx, append([]byte(nil), buf...))
	return true, nil
}

func sumCRC(buf []byte) byte {
	calc := byte(0xFF)
	for _, b := range buf {
		calc ^= b
		for i := 0; i < 8; i++ {
			if calc&1 != 0 {
				calc = (calc >> 1) ^ 0xD5
			} else {
				calc = calc >> 1
			}
		}
	}
	return calc
}

func newHarness(t *testing.T) (*loopbackPort, *frame.Framer, *router.Router, *drive.Drive) {
	port := &loopbackPort{}
	f := frame.New(port)
	f.Open()
	r := router.New(f)
	h := r.Register(1)
	require.NotEqual(t, router.Unregistered, h)
	d := drive.New(r, h)
	return port, f, r, d
}

func peerFrame(cmd frame.Command, payload []byte) []byte {
	buf := frame.Encode(frame.Frame{NodeID: 1, Cmd: cmd, Payload: payload}, 0)
	region := buf[1 : len(buf)-2]
	buf[len(buf)-2] = sumCRC(region)
	return buf
}

func respondCw(port *loopbackPort, f *frame.Framer, now time.Time) {
	port.feed(peerFrame(frame.CtrlWord, []byte{0x00})...)
	_ = f.Update(now)
}

func setStatusWord(port *loopbackPort, f *frame.Framer, now time.Time, sw uint16) {
	port.feed(peerFrame(frame.StatusWord, []byte{byte(sw), byte(sw >> 8)})...)
	_ = f.Update(now)
}

func TestRandomProfileWithinBounds(t *testing.T) {
	c := New(nil, "bounds", 0, 1000, 6, 42)
	for i := 0; i < 100; i++ {
		vel, acc, dec := c.randomProfile()
		assert.GreaterOrEqual(t, vel, uint32(MinSpeed))
		assert.LessOrEqual(t, vel, uint32(MaxSpeed))
		assert.GreaterOrEqual(t, acc, uint32(MinAccDec))
		assert.LessOrEqual(t, acc, uint32(MaxAcc))
		assert.GreaterOrEqual(t, dec, uint32(MinAccDec))
		assert.LessOrEqual(t, dec, uint32(MaxDec))
	}
}

func TestBumpResetsRetriesOnDone(t *testing.T) {
	_, _, _, d := newHarness(t)
	c := New(d, "bump", 0, 1000, 6, 1)
	c.retries = 4
	assert.True(t, c.bump(drive.Done))
	assert.Equal(t, uint16(0), c.retries)
}

func TestBumpRestartsCycleAfterMaxRetries(t *testing.T) {
	_, _, _, d := newHarness(t)
	c := New(d, "bump", 0, 1000, 6, 1)
	c.current = stepWaitMax
	c.retries = MaxRetries
	assert.False(t, c.bump(drive.Error))
	assert.Equal(t, stepEnable, c.current)
	assert.Equal(t, uint16(0), c.retries)
}

func TestDoCycleAdvancesThroughEnableStep(t *testing.T) {
	port, f, r, d := newHarness(t)
	now := time.Now()
	r.SetActTime(now)
	d.SetActTime(now)

	c := New(d, "seq", 0, 1000, 6, 7)
	require.Equal(t, stepEnable, c.current)

	setStatusWord(port, f, now, 0x0021)
	assert.False(t, c.DoCycle(now))
	require.Equal(t, stepEnable, c.current)

	respondCw(port, f, now)
	assert.False(t, c.DoCycle(now))
	setStatusWord(port, f, now, 0x0023)
	assert.False(t, c.DoCycle(now))
	respondCw(port, f, now)
	assert.False(t, c.DoCycle(now))
	setStatusWord(port, f, now, 0x0027)
	assert.False(t, c.DoCycle(now))

	assert.Equal(t, stepSetProfile, c.current)
}

func TestResetComStateReturnsToEnableStep(t *testing.T) {
	_, _, _, d := newHarness(t)
	c := New(d, "reset", 0, 1000, 6, 1)
	c.current = stepWaitHome
	c.retries = 9
	c.turns = 3

	c.ResetComState()
	assert.Equal(t, stepEnable, c.current)
	assert.Equal(t, uint16(0), c.retries)
	assert.Equal(t, uint32(3), c.turns)
}

func TestTurnsResetable(t *testing.T) {
	_, _, _, d := newHarness(t)
	c := New(d, "turns", 0, 1000, 6, 1)
	c.turns = 2
	assert.Equal(t, uint32(2), c.Turns())
	c.ResetTurns()
	assert.Equal(t, uint32(0), c.Turns())
}
