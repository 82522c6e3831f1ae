package phy

import "time"

// Baudrate is one of the standard PROFIBUS-DP line speeds.
type Baudrate uint32

const (
	Baud9600   Baudrate = 9600
	Baud19200  Baudrate = 19200
	Baud45450  Baudrate = 45450
	Baud93750  Baudrate = 93750
	Baud187500 Baudrate = 187500
	Baud500K   Baudrate = 500000
	Baud1500K  Baudrate = 1500000
	Baud3000K  Baudrate = 3000000
	Baud6000K  Baudrate = 6000000
	Baud12000K Baudrate = 12000000
)

// BitTime returns the duration of a single bit at this rate.
func (b Baudrate) BitTime() time.Duration {
	return time.Second / time.Duration(b)
}

// BitsToDuration converts a count of bit-times into a wall-clock
// duration at this baud rate.
func (b Baudrate) BitsToDuration(bits uint32) time.Duration {
	return b.BitTime() * time.Duration(bits)
}

// ByteTime is the duration of one UART byte: 1 start + 8 data + 1
// parity + 1 stop = 11 bit-times.
func (b Baudrate) ByteTime() time.Duration {
	return b.BitsToDuration(11)
}
