package serial

import "sync"

// Loopback is an in-memory Port used by tests and by cmd/candrive's
// offline demo mode. Bytes injected with Feed are returned by the next
// ReadAvailable; TryWrite accepts and discards whatever is written
// (unless SetBusy(true) makes it report busy), so nothing answers the
// frames sent through it.
type Loopback struct {
	mu   sync.Mutex
	rx   []byte
	busy bool
}

// NewLoopback returns a fresh, empty loopback port.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Feed injects bytes as if received from the wire.
func (l *Loopback) Feed(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rx = append(l.rx, b...)
}

// SetBusy forces TryWrite to report busy, for exercising store-and-
// forward retry paths.
func (l *Loopback) SetBusy(busy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busy = busy
}

func (l *Loopback) ReadAvailable() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.rx
	l.rx = nil
	return out, nil
}

func (l *Loopback) TryWrite(buf []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return false, nil
	}
	return true, nil
}

func init() {
	RegisterPort("loopback", func(Options) (Port, error) {
		return NewLoopback(), nil
	})
}
