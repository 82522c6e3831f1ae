// Package phy defines the physical-layer contract the fdl package
// polls, plus a hosted RS-485 implementation and two test doubles.
//
// Every implementation must be non-blocking: PollReceive/PollTransmit
// return immediately with whatever bytes are available/accepted, never
// waiting for more. This is what lets fdl.ActiveStation.Poll stay a
// single cooperative call with no goroutines.
package phy

// ProfibusPhy is the physical-layer contract consumed by the fdl
// package: a minimal non-blocking line interface, not a general-purpose
// serial API.
type ProfibusPhy interface {
	// PollReceive copies any bytes the line has produced since the last
	// call into buf, returning how many were written. It never blocks:
	// if nothing is available it returns (0, nil).
	PollReceive(buf []byte) (int, error)

	// PollTransmit offers buf to the line, returning how many leading
	// bytes were accepted. It never blocks; if the transmitter is busy
	// it returns (0, nil) and the caller retries on a later poll.
	PollTransmit(buf []byte) (int, error)

	// IsTransmitIdle reports whether the last bit of the last
	// submitted byte has physically left the shifter -- true only once
	// it is safe to switch the RS-485 driver back to receive.
	IsTransmitIdle() bool

	// SetBaudrate reconfigures the line speed.
	SetBaudrate(rate Baudrate) error

	// Reset clears any buffered/partial state (e.g. after a
	// PhyFault) without closing the underlying device.
	Reset() error
}
