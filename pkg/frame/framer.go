package frame

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// MsgTimeout is the inter-byte deadline: once a frame has started, each
// subsequent byte must arrive within this window or the partial frame
// is dropped. It doubles as MaxMsgTime elsewhere in the stack (the
// router lock lease and the SDO response deadline are expressed as
// multiples of it).
const MsgTimeout = 3 * time.Millisecond

// Port is the byte sink/source the Framer reads from and writes to. It
// models a UART as something that can be polled for whatever bytes have
// arrived since the last call, and that reports whether it can accept a
// full frame right now instead of blocking.
type Port interface {
	// ReadAvailable returns bytes already buffered by the underlying
	// device, without blocking to wait for more.
	ReadAvailable() ([]byte, error)
	// TryWrite writes buf in full if the sink can accept it immediately;
	// ok is false (and buf is not written) if the sink is momentarily
	// busy.
	TryWrite(buf []byte) (ok bool, err error)
}

type rxState int

const (
	notReady rxState = iota
	operating
	timeout
)

// Framer is the Serial Framer (F) layer: it assembles complete frames
// out of a raw byte stream with inter-byte timeout recovery, and hands
// whole frames down to a Port for transmission.
type Framer struct {
	log *log.Entry

	port  Port
	state rxState

	buf      []byte
	expected int
	deadline time.Time

	lastDrop error

	onRx func(Raw)
}

// New creates a Framer bound to port. Call Open before the first Update.
func New(port Port) *Framer {
	return &Framer{
		log:  log.WithField("layer", "framer"),
		port: port,
		buf:  make([]byte, 0, MaxSize),
	}
}

// OnRx registers the callback invoked for every frame whose suffix was
// verified. It is called synchronously from Update.
func (f *Framer) OnRx(cb func(Raw)) {
	f.onRx = cb
}

// Open transitions the framer to Operating. The underlying Port is
// assumed already opened by the caller (see pkg/serial); Framer itself
// only tracks readiness.
func (f *Framer) Open() {
	f.state = operating
	f.resetRx()
}

// Reset discards any partial frame and returns to Operating.
func (f *Framer) Reset() {
	f.resetRx()
	if f.state == notReady {
		return
	}
	f.state = operating
}

func (f *Framer) resetRx() {
	f.buf = f.buf[:0]
	f.expected = 0
}

// Update reads whatever bytes are available this tick and advances the
// receive state machine. now is the caller's monotonic clock.
func (f *Framer) Update(now time.Time) error {
	if f.state == notReady {
		return nil
	}

	if f.state == operating && len(f.buf) > 0 && now.After(f.deadline) {
		f.drop(&FrameError{Reason: ErrTooShort, Detail: "inter-byte timeout"})
		f.resetRx()
		f.enterTimeout(now)
	}

	if f.state == timeout {
		if now.Before(f.deadline) {
			// Still discarding bytes until the deadline passes; drain
			// the port so it doesn't back up, but ignore the content.
			_, err := f.port.ReadAvailable()
			return err
		}
		f.state = operating
	}

	bytes, err := f.port.ReadAvailable()
	if err != nil {
		return err
	}

	for _, b := range bytes {
		f.feed(b, now)
	}
	return nil
}

func (f *Framer) feed(b byte, now time.Time) {
	if len(f.buf) == 0 {
		if b != prefix {
			f.drop(&FrameError{Reason: ErrBadPrefix, Detail: fmt.Sprintf("byte %#02x", b)})
			return
		}
		f.buf = append(f.buf, b)
		f.deadline = now.Add(MsgTimeout)
		return
	}

	if len(f.buf) == 1 {
		f.expected = int(b) + 2
		if f.expected < MinSize {
			f.drop(&FrameError{Reason: ErrTooShort, Detail: fmt.Sprintf("length field claims %d bytes", f.expected)})
			f.resetRx()
			return
		}
		if f.expected > MaxSize {
			f.drop(&FrameError{Reason: ErrTooLong, Detail: fmt.Sprintf("length field claims %d bytes", f.expected)})
			f.resetRx()
			return
		}
	}

	if now.After(f.deadline) {
		f.drop(&FrameError{Reason: ErrTooShort, Detail: "inter-byte timeout"})
		f.resetRx()
		f.enterTimeout(now)
		return
	}

	f.buf = append(f.buf, b)
	f.deadline = now.Add(MsgTimeout)

	if len(f.buf) < 2 {
		return
	}
	if len(f.buf) > MaxSize {
		f.drop(&FrameError{Reason: ErrTooLong, Detail: "overflow without a terminated frame"})
		f.resetRx()
		return
	}
	if len(f.buf) != f.expected {
		return
	}

	if f.buf[len(f.buf)-1] != suffix {
		f.drop(&FrameError{Reason: ErrBadSuffix, Detail: fmt.Sprintf("byte %#02x", f.buf[len(f.buf)-1])})
		f.resetRx()
		return
	}

	raw := Raw{buf: append([]byte(nil), f.buf...)}
	f.resetRx()
	if f.onRx != nil {
		f.onRx(raw)
	}
}

// drop records err as the most recently observed malformed input and
// logs it; the live receive path tolerates the bad byte(s) and keeps
// going rather than surfacing err to the caller (see Update), but
// LastDropErr lets a caller that cares — test code, a diagnostics
// command — retrieve the reason after the fact.
func (f *Framer) drop(err *FrameError) {
	f.lastDrop = err
	f.log.WithError(err).Debug("dropped input")
}

// LastDropErr returns the reason the framer most recently discarded
// input, or nil if nothing has been dropped yet. Composes with
// errors.Is against the ErrXxx Reason values via FrameError.Is.
func (f *Framer) LastDropErr() error { return f.lastDrop }

func (f *Framer) enterTimeout(now time.Time) {
	f.state = timeout
	f.deadline = now.Add(MsgTimeout)
}

// Write stamps prefix/suffix onto buf (overwriting whatever the caller
// placed there) and hands it to the port. It returns true iff the port
// accepted the whole frame now; the caller (the router) is responsible
// for store-and-forward when it returns false.
func (f *Framer) Write(buf []byte) (bool, error) {
	if len(buf) < MinSize {
		return false, nil
	}
	buf[0] = prefix
	buf[len(buf)-1] = suffix
	return f.port.TryWrite(buf)
}
