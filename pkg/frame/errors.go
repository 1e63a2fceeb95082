package frame

import "fmt"

// Reason classifies why a buffer could not be interpreted as a frame.
type Reason int

const (
	ErrBadPrefix Reason = iota
	ErrBadSuffix
	ErrBadCRC
	ErrTooShort
	ErrTooLong
)

var reasonText = map[Reason]string{
	ErrBadPrefix: "bad prefix byte",
	ErrBadSuffix: "bad suffix byte",
	ErrBadCRC:    "crc mismatch",
	ErrTooShort:  "frame shorter than minimum size",
	ErrTooLong:   "frame longer than maximum size",
}

// FrameError reports why input could not be interpreted as a frame.
// The live Framer builds one at every discard site and keeps the most
// recent as LastDropErr without returning it from Update (the link
// tolerates the loss and relies on retries); ParseRaw returns one to
// offline tooling that wants to know why a captured buffer didn't parse.
type FrameError struct {
	Reason Reason
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return reasonText[e.Reason]
	}
	return fmt.Sprintf("%s: %s", reasonText[e.Reason], e.Detail)
}

// Is reports equality by Reason, ignoring Detail, so callers can test
// with errors.Is(err, &FrameError{Reason: ErrBadCRC}) without building an
// exact match.
func (e *FrameError) Is(target error) bool {
	t, ok := target.(*FrameError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// ParseRaw validates and wraps a captured buffer as a Raw frame,
// without the receiver's timeout bookkeeping. Used by log/capture
// tooling, not by the live Framer.
func ParseRaw(buf []byte) (Raw, error) {
	if len(buf) < MinSize {
		return Raw{}, &FrameError{Reason: ErrTooShort}
	}
	if len(buf) > MaxSize {
		return Raw{}, &FrameError{Reason: ErrTooLong}
	}
	if buf[0] != prefix {
		return Raw{}, &FrameError{Reason: ErrBadPrefix}
	}
	l := int(buf[1]) + 2
	if l != len(buf) {
		return Raw{}, &FrameError{Reason: ErrTooShort, Detail: fmt.Sprintf("length field claims %d bytes, got %d", l, len(buf))}
	}
	if buf[len(buf)-1] != suffix {
		return Raw{}, &FrameError{Reason: ErrBadSuffix}
	}
	return Raw{buf: append([]byte(nil), buf...)}, nil
}
