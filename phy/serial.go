package phy

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// pollReadTimeout bounds how long a single PollReceive call may block
// inside the underlying driver. Kept short so PollReceive behaves as
// "non-blocking enough" for the poll loop's cadence; it is not zero
// because goburrow/serial has no true non-blocking read mode.
const pollReadTimeout = time.Millisecond

// SerialPHY is the hosted RS-485 implementation of ProfibusPhy,
// wrapping goburrow/serial's connection-oriented client transport to
// fit the PROFIBUS wire's half-duplex direction-switch model.
type SerialPHY struct {
	mu   sync.Mutex
	cfg  serial.Config
	port io.ReadWriteCloser

	baud         Baudrate
	qui          time.Duration // direction-switch latency, set at construction
	lastTxDone   time.Time
	transmitting bool
}

// NewSerialPHY opens the named device at the given baud rate.
// directionSwitchLatency is the RS-485 transceiver's turnaround delay,
// padded onto the quiet-time budget before IsTransmitIdle reports true.
func NewSerialPHY(device string, baud Baudrate, directionSwitchLatency time.Duration) (*SerialPHY, error) {
	cfg := serial.Config{
		Address:  device,
		BaudRate: int(baud),
		DataBits: 8,
		StopBits: 1,
		Parity:   "E",
		Timeout:  pollReadTimeout,
	}
	port, err := serial.Open(&cfg)
	if err != nil {
		return nil, &Fault{Err: err}
	}
	return &SerialPHY{cfg: cfg, port: port, baud: baud, qui: directionSwitchLatency, lastTxDone: time.Now()}, nil
}

func (s *SerialPHY) PollReceive(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return 0, &Fault{Err: errors.New("serial port not open")}
	}
	n, err := s.port.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) || isTimeout(err) {
			return n, nil
		}
		return n, &Fault{Err: err}
	}
	return n, nil
}

func (s *SerialPHY) PollTransmit(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return 0, &Fault{Err: errors.New("serial port not open")}
	}
	n, err := s.port.Write(buf)
	if err != nil {
		return n, &Fault{Err: err}
	}
	s.transmitting = true
	s.lastTxDone = time.Now().Add(s.baud.ByteTime() * time.Duration(n)).Add(s.qui)
	return n, nil
}

func (s *SerialPHY) IsTransmitIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transmitting {
		return true
	}
	if time.Now().After(s.lastTxDone) {
		s.transmitting = false
		return true
	}
	return false
}

func (s *SerialPHY) SetBaudrate(rate Baudrate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.BaudRate = int(rate)
	s.baud = rate
	if s.port == nil {
		return nil
	}
	if err := s.port.Close(); err != nil {
		return &Fault{Err: err}
	}
	port, err := serial.Open(&s.cfg)
	if err != nil {
		s.port = nil
		return &Fault{Err: err}
	}
	s.port = port
	return nil
}

func (s *SerialPHY) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transmitting = false
	return nil
}

// Close releases the underlying device.
func (s *SerialPHY) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
