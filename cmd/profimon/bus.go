package main

import (
	"fmt"
	"strings"

	"github.com/fieldbus-go/profibus/fdl"
	"github.com/fieldbus-go/profibus/phy"
)

// parseBaud accepts both the raw numeric rates and the shorthand names
// printed in -baud's usage string.
func parseBaud(name string) (phy.Baudrate, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "9600":
		return phy.Baud9600, nil
	case "19200":
		return phy.Baud19200, nil
	case "45450":
		return phy.Baud45450, nil
	case "93750":
		return phy.Baud93750, nil
	case "187500":
		return phy.Baud187500, nil
	case "500k", "500000":
		return phy.Baud500K, nil
	case "1.5m", "1500k", "1500000":
		return phy.Baud1500K, nil
	case "3m", "3000k", "3000000":
		return phy.Baud3000K, nil
	case "6m", "6000k", "6000000":
		return phy.Baud6000K, nil
	case "12m", "12000k", "12000000":
		return phy.Baud12000K, nil
	default:
		return 0, fmt.Errorf("unrecognized baud rate %q", name)
	}
}

// openPhy opens the configured transport: a real RS-485 device, or an
// in-process loopback pair under -simulate. The returned closer must
// be called once the command is done with the line.
func openPhy(baud phy.Baudrate) (phy.ProfibusPhy, func() error, error) {
	if simulate {
		p, _ := phy.NewPair(baud)
		return p, func() error { return nil }, nil
	}
	if device == "" {
		return nil, nil, fmt.Errorf("-device is required unless -simulate is set")
	}
	p, err := phy.NewHostSerialPhy(device, baud)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// newStation builds an ActiveStation at the configured address, wired
// to app, with the requested log level applied.
func newStation(baud phy.Baudrate, app fdl.Application) (*fdl.ActiveStation, error) {
	params, err := fdl.NewParameters(address, baud, fdl.WithHighestStationAddress(hsa))
	if err != nil {
		return nil, err
	}
	station, err := fdl.NewActiveStation(params, app)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(traceLevel) {
	case "debug", "trace":
		station.LogMode(true)
	}
	return station, nil
}
