//go:build !tinygo

// This file is built only for hosted targets. An embedded build would
// supply its own ProfibusPhy (e.g. a UART peripheral driver) and a
// matching constructors_embedded.go; the fdl/dp packages never import
// this file directly, only the ProfibusPhy interface.
package phy

import "time"

// NewHostSerialPhy is the hosted-platform convenience constructor:
// open an RS-485 device at the given baud rate with a sane default
// direction-switch latency.
func NewHostSerialPhy(device string, baud Baudrate) (*SerialPHY, error) {
	const defaultDirectionSwitchLatency = 50 * time.Microsecond
	return NewSerialPHY(device, baud, defaultDirectionSwitchLatency)
}
