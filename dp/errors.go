package dp

import "fmt"

// ConfigError is returned synchronously when a request cannot be
// accepted: from NewPeripheral for an invalid descriptor, from
// AddPeripheral on a duplicate address, and from GetConfig,
// SetSlaveAddress and ResetPeripheral when they cannot be issued.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dp: config: %s", e.Reason)
}

// FaultKind classifies a PeripheralFault.
type FaultKind uint8

const (
	Misconfig FaultKind = iota
	DiagTimeout
	Watchdog
)

func (k FaultKind) String() string {
	switch k {
	case Misconfig:
		return "misconfig"
	case DiagTimeout:
		return "diag-timeout"
	case Watchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}

// PeripheralFault reports a failed request to peripheral Addr. The
// master returns it (Kind DiagTimeout) to a pending one-shot request
// that timed out; a peripheral forced back to Stop by the not-ready or
// watchdog rule is reported as an EventLostContact event instead.
type PeripheralFault struct {
	Addr uint8
	Kind FaultKind
}

func (e *PeripheralFault) Error() string {
	return fmt.Sprintf("dp: peripheral %d fault: %s", e.Addr, e.Kind)
}
