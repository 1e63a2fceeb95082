// Package serial provides the Port backends that plug into
// pkg/frame.Framer: a real UART backend over go.bug.st/serial and a
// registry so alternative backends (e.g. a test loopback) can be
// selected by name, the same way the teacher's pkg/can registers CAN
// bus interfaces by name.
package serial

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	gbsserial "go.bug.st/serial"
)

// Port matches pkg/frame.Port's method set structurally so any value
// returned from this package can be passed straight to frame.New.
type Port interface {
	ReadAvailable() ([]byte, error)
	TryWrite(buf []byte) (bool, error)
}

// Options configures a backend opened through this package's registry.
type Options struct {
	PortName string
	BaudRate int
}

// Factory builds a Port from Options. Backends register one via
// RegisterPort.
type Factory func(Options) (Port, error)

var portRegistry = map[string]Factory{}

// RegisterPort makes a named backend available to Open. Called from
// each backend's init().
func RegisterPort(name string, f Factory) {
	portRegistry[name] = f
}

// Open builds the named backend with the given options.
func Open(name string, opts Options) (Port, error) {
	f, ok := portRegistry[name]
	if !ok {
		return nil, fmt.Errorf("serial: no port backend registered under %q", name)
	}
	return f(opts)
}

func init() {
	RegisterPort("uart", openUART)
}

// uartPort wraps a real go.bug.st/serial.Port as a non-blocking Port:
// ReadAvailable never blocks, reporting a zero-length slice when
// nothing has arrived since the last poll.
type uartPort struct {
	log *log.Entry
	p   gbsserial.Port
}

func openUART(opts Options) (Port, error) {
	mode := &gbsserial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   gbsserial.NoParity,
		StopBits: gbsserial.OneStopBit,
	}
	p, err := gbsserial.Open(opts.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", opts.PortName, err)
	}
	// A zero read timeout makes Read return immediately with whatever
	// is already buffered, rather than blocking the tick loop.
	if err := p.SetReadTimeout(0); err != nil {
		p.Close()
		return nil, fmt.Errorf("serial: set read timeout on %s: %w", opts.PortName, err)
	}
	return &uartPort{
		log: log.WithFields(log.Fields{"layer": "serial", "port": opts.PortName}),
		p:   p,
	}, nil
}

func (u *uartPort) ReadAvailable() ([]byte, error) {
	buf := make([]byte, 256)
	n, err := u.p.Read(buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

func (u *uartPort) TryWrite(buf []byte) (bool, error) {
	n, err := u.p.Write(buf)
	if err != nil {
		return false, err
	}
	if n < len(buf) {
		// A short write on a UART under back-pressure is reported as
		// busy rather than a partial send; the caller re-submits the
		// whole frame next tick via the router's store-and-forward
		// slot.
		u.log.Debug("short write, reporting busy")
		return false, nil
	}
	return true, nil
}

// Close releases the underlying OS handle.
func (u *uartPort) Close() error { return u.p.Close() }

// DefaultBaudRate is used by pkg/config when a config file omits baud.
const DefaultBaudRate = 115200
