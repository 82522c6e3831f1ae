// Package dp implements the DP (Decentralized Peripherals) layer: the
// per-slave state machine and the master orchestrator that round-robins
// peripherals through it, driven by the fdl package's Application
// callback.
package dp

// DiagnosticFlags is the bitmask carried in a Slave_Diag response. Go
// has no bitflags macro, so this is a small hand-written uint16 type
// with named constants instead.
type DiagnosticFlags uint16

const (
	DiagStationNotReady    DiagnosticFlags = 0x02
	DiagConfigurationFault DiagnosticFlags = 0x04
	DiagExtDiag            DiagnosticFlags = 0x08
	DiagNotSupported       DiagnosticFlags = 0x10
	DiagParameterFault     DiagnosticFlags = 0x40
	DiagParameterRequired  DiagnosticFlags = 0x100
	DiagStatusDiagnostics  DiagnosticFlags = 0x200
	DiagPermanentBit       DiagnosticFlags = 0x400
	DiagWatchdogOn         DiagnosticFlags = 0x800
	DiagFreezeMode         DiagnosticFlags = 0x1000
	DiagSyncMode           DiagnosticFlags = 0x2000
)

// Has reports whether all bits in want are set.
func (f DiagnosticFlags) Has(want DiagnosticFlags) bool { return f&want == want }

// Diagnostics is the parsed form of a Slave_Diag response.
type Diagnostics struct {
	Flags         DiagnosticFlags
	IdentNumber   uint16
	MasterAddress uint8
}

// parseDiagnostics decodes a Slave_Diag response PDU: the flags word
// (little-endian) in pdu[0..2], a master-address byte at pdu[3], then
// a big-endian ident number at pdu[4..6] (PDU at least 6 bytes long).
// The permanent bit is expected set on every well-formed response;
// consistent reports whether it actually was, and the bit is always
// stripped from Flags before the caller sees it, since it carries no
// diagnostic meaning of its own once checked.
func parseDiagnostics(pdu []byte) (diag Diagnostics, consistent bool, ok bool) {
	if len(pdu) < 6 {
		return Diagnostics{}, false, false
	}
	flags := DiagnosticFlags(pdu[0]) | DiagnosticFlags(pdu[1])<<8
	consistent = flags.Has(DiagPermanentBit)
	flags &^= DiagPermanentBit
	return Diagnostics{
		Flags:         flags,
		MasterAddress: pdu[3],
		IdentNumber:   uint16(pdu[4])<<8 | uint16(pdu[5]),
	}, consistent, true
}
