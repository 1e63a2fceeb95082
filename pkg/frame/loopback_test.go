package frame

// loopbackPort is a minimal in-memory Port used only by this package's
// tests: bytes written with feed() become available to ReadAvailable,
// and TryWrite captures what the Framer sent so the test can assert on
// it, optionally refusing writes to exercise the busy path.
type loopbackPort struct {
	rx   []byte
	tx   [][]byte
	busy bool
}

func (p *loopbackPort) feed(b ...byte) {
	p.rx = append(p.rx, b...)
}

func (p *loopbackPort) ReadAvailable() ([]byte, error) {
	out := p.rx
	p.rx = nil
	return out, nil
}

func (p *loopbackPort) TryWrite(buf []byte) (bool, error) {
	if p.busy {
		return false, nil
	}
	cp := append([]byte(nil), buf...)
	p.tx = append(p.tx, cp)
	return true, nil
}
