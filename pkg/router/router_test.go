package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canservo/candrive/internal/crc"
	"github.com/canservo/candrive/pkg/frame"
)

type loopbackPort struct {
	rx   []byte
	tx   [][]byte
	busy bool
}

func (p *loopbackPort) feed(b ...byte) { p.rx = append(p.rx, b...) }

func (p *loopbackPort) ReadAvailable() ([]byte, error) {
	out := p.rx
	p.rx = nil
	return out, nil
}

func (p *loopbackPort) TryWrite(buf []byte) (bool, error) {
	if p.busy {
		return false, nil
	}
	p.tx = append(p.tx, append([]byte(nil), buf...))
	return true, nil
}

func newHarness() (*loopbackPort, *frame.Framer, *Router) {
	port := &loopbackPort{}
	f := frame.New(port)
	f.Open()
	r := New(f)
	return port, f, r
}

func frameWithCRC(nodeID uint8, cmd frame.Command, payload []byte) []byte {
	buf := frame.Encode(frame.Frame{NodeID: nodeID, Cmd: cmd, Payload: payload}, 0)
	region := buf[1 : len(buf)-2]
	buf[len(buf)-2] = crc.Sum(region)
	return buf
}

func TestRegisterFindUnregister(t *testing.T) {
	_, _, r := newHarness()

	h := r.Register(3)
	require.NotEqual(t, Unregistered, h)

	id, ok := r.NodeID(h)
	require.True(t, ok)
	assert.EqualValues(t, 3, id)

	assert.Equal(t, h, r.Find(3))

	r.Unregister(h)
	assert.Equal(t, Unregistered, r.Find(3))
}

func TestRegisterFullTable(t *testing.T) {
	_, _, r := newHarness()
	for i := 0; i < MaxNodes; i++ {
		require.NotEqual(t, Unregistered, r.Register(uint8(i+1)))
	}
	assert.Equal(t, Unregistered, r.Register(99))
}

func TestSendAppendsCRCAndDispatches(t *testing.T) {
	port, f, r := newHarness()
	h := r.Register(1)

	ok := r.Send(h, frame.Frame{Cmd: frame.CtrlWord, Payload: []byte{0x0F, 0x00}})
	require.True(t, ok)
	require.Len(t, port.tx, 1)

	sent := port.tx[0]
	assert.Equal(t, uint8(1), sent[2])
	region := sent[1 : len(sent)-2]
	assert.Equal(t, crc.Sum(region), sent[len(sent)-2])

	_ = f
}

func TestCRCMismatchDropped(t *testing.T) {
	port, f, r := newHarness()
	h := r.Register(1)

	var gotSdo int
	r.OnSdoRx(h, func(frame.Raw) { gotSdo++ })

	buf := frameWithCRC(1, frame.SdoReadReq, []byte{0x41, 0x60, 0x00})
	buf[len(buf)-2] ^= 0xFF // corrupt the CRC
	port.feed(buf...)

	require.NoError(t, f.Update(time.Now()))
	assert.Equal(t, 0, gotSdo)
}

func TestDrainRunsEvenOnCRCMismatch(t *testing.T) {
	port, f, r := newHarness()
	h := r.Register(1)
	r.OnSysRx(h, func(frame.Raw) {})

	port.busy = true
	ok := r.Send(h, frame.Frame{Cmd: frame.CtrlWord, Payload: []byte{0x0F, 0x00}})
	require.True(t, ok, "store-and-forward must report success even though nothing was written yet")
	assert.Len(t, port.tx, 0)

	port.busy = false
	buf := frameWithCRC(1, frame.SdoReadReq, []byte{0x41, 0x60, 0x00})
	buf[len(buf)-2] ^= 0xFF // corrupt the CRC
	port.feed(buf...)
	require.NoError(t, f.Update(time.Now()))

	require.Len(t, port.tx, 1, "a dropped, malformed inbound frame must still trigger drain")
}

func TestDispatchSdoVsSys(t *testing.T) {
	port, f, r := newHarness()
	h := r.Register(1)

	var sdoRx, sysRx int
	r.OnSdoRx(h, func(frame.Raw) { sdoRx++ })
	r.OnSysRx(h, func(frame.Raw) { sysRx++ })

	port.feed(frameWithCRC(1, frame.SdoReadReq, []byte{0x41, 0x60, 0x00})...)
	require.NoError(t, f.Update(time.Now()))
	assert.Equal(t, 1, sdoRx)
	assert.Equal(t, 0, sysRx)

	port.feed(frameWithCRC(1, frame.StatusWord, []byte{0x27, 0x00})...)
	require.NoError(t, f.Update(time.Now()))
	assert.Equal(t, 1, sdoRx)
	assert.Equal(t, 1, sysRx)
}

func TestSendStoresWhenBusyThenDrains(t *testing.T) {
	port, f, r := newHarness()
	h := r.Register(1)
	r.OnSysRx(h, func(frame.Raw) {})

	port.busy = true
	ok := r.Send(h, frame.Frame{Cmd: frame.CtrlWord, Payload: []byte{0x0F, 0x00}})
	require.True(t, ok, "store-and-forward must report success even though nothing was written yet")
	assert.Len(t, port.tx, 0)

	// A second send while one is already pending must fail.
	ok = r.Send(h, frame.Frame{Cmd: frame.CtrlWord, Payload: []byte{0x07, 0x00}})
	assert.False(t, ok)

	port.busy = false
	port.feed(frameWithCRC(1, frame.StatusWord, []byte{0x27, 0x00})...)
	require.NoError(t, f.Update(time.Now()))

	require.Len(t, port.tx, 1, "drain should flush the stored frame on the next inbound event")
}

func TestLockUnlockAndForceUnlock(t *testing.T) {
	_, _, r := newHarness()

	start := time.Now()
	r.SetActTime(start)
	require.True(t, r.Lock())
	assert.False(t, r.Lock(), "second lock attempt must fail while held")

	r.Update(start.Add(time.Millisecond))
	assert.True(t, r.Locked(), "lease has not expired yet")

	r.Update(start.Add(2*frame.MsgTimeout + LeaseMargin + time.Millisecond))
	assert.False(t, r.Locked(), "lease must force-unlock after 2*MsgTimeout+margin")
}

func TestUnlockReleasesImmediately(t *testing.T) {
	_, _, r := newHarness()
	r.SetActTime(time.Now())
	require.True(t, r.Lock())
	r.Unlock()
	assert.True(t, r.Lock(), "lock should be acquirable again right after Unlock")
}
