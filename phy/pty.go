package phy

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/creack/pty"
)

// PTYPhy backs ProfibusPhy with one side of a real pseudo-terminal
// pair, used by phy/pty_test.go to exercise SerialPHY-equivalent
// buffering against genuine byte-stream timing without RS-485
// hardware. Grounded on nblair2-dingopie's use of creack/pty to
// simulate a serial link for its own CLI tests.
type PTYPhy struct {
	f            *os.File
	baud         Baudrate
	transmitting bool
	idleAt       time.Time
}

// NewPTYPair opens a master/slave PTY pair and returns a PTYPhy for
// each side.
func NewPTYPair(baud Baudrate) (master, slave *PTYPhy, closeFn func() error, err error) {
	m, s, err := pty.Open()
	if err != nil {
		return nil, nil, nil, err
	}
	master = &PTYPhy{f: m, baud: baud, idleAt: time.Now()}
	slave = &PTYPhy{f: s, baud: baud, idleAt: time.Now()}
	closeFn = func() error {
		err1 := m.Close()
		err2 := s.Close()
		if err1 != nil {
			return err1
		}
		return err2
	}
	return master, slave, closeFn, nil
}

func (p *PTYPhy) PollReceive(buf []byte) (int, error) {
	if err := p.f.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, &Fault{Err: err}
	}
	n, err := p.f.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) || isTimeout(err) || os.IsTimeout(err) {
			return n, nil
		}
		return n, &Fault{Err: err}
	}
	return n, nil
}

func (p *PTYPhy) PollTransmit(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := p.f.Write(buf)
	if err != nil {
		return n, &Fault{Err: err}
	}
	p.transmitting = true
	p.idleAt = time.Now().Add(p.baud.ByteTime() * time.Duration(n))
	return n, nil
}

func (p *PTYPhy) IsTransmitIdle() bool {
	if !p.transmitting {
		return true
	}
	if time.Now().After(p.idleAt) {
		p.transmitting = false
		return true
	}
	return false
}

func (p *PTYPhy) SetBaudrate(rate Baudrate) error {
	p.baud = rate
	return nil
}

func (p *PTYPhy) Reset() error {
	p.transmitting = false
	return nil
}
