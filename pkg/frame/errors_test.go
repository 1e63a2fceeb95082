package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRawAcceptsValidFrame(t *testing.T) {
	buf := validSDOReadFrame()
	raw, err := ParseRaw(buf)
	require.NoError(t, err)
	assert.Equal(t, SdoReadReq, raw.Cmd())
	assert.Equal(t, buf, raw.Bytes())
}

func TestParseRawRejectsShortBuffer(t *testing.T) {
	_, err := ParseRaw([]byte{0x53, 0x00})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &FrameError{Reason: ErrTooShort}))
}

func TestParseRawRejectsOversizeBuffer(t *testing.T) {
	_, err := ParseRaw(make([]byte, MaxSize+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, &FrameError{Reason: ErrTooLong}))
}

func TestParseRawRejectsBadPrefix(t *testing.T) {
	buf := validSDOReadFrame()
	buf[0] = 0x00
	_, err := ParseRaw(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &FrameError{Reason: ErrBadPrefix}))
}

func TestParseRawRejectsLengthMismatch(t *testing.T) {
	buf := validSDOReadFrame()
	buf = append(buf, 0x00) // length field now understates the buffer
	_, err := ParseRaw(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &FrameError{Reason: ErrTooShort}))
}

func TestParseRawRejectsBadSuffix(t *testing.T) {
	buf := validSDOReadFrame()
	buf[len(buf)-1] = 0x00
	_, err := ParseRaw(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &FrameError{Reason: ErrBadSuffix}))
}

func TestFrameErrorMessageIncludesDetail(t *testing.T) {
	err := &FrameError{Reason: ErrTooShort, Detail: "length field claims 9 bytes, got 5"}
	assert.Contains(t, err.Error(), "length field claims 9 bytes, got 5")
	assert.Contains(t, err.Error(), reasonText[ErrTooShort])
}
