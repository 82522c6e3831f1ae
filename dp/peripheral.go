package dp

import (
	"time"

	"github.com/fieldbus-go/profibus/fdl"
	"github.com/fieldbus-go/profibus/internal/xlog"
	"github.com/fieldbus-go/profibus/telegram"
)

// SAPs used by the DP layer. "default" (no DSAP) is Data_Exchange and
// carries no extension byte at all.
const (
	sapSlaveDiag       = 62
	sapSetPrm          = 61
	sapChkCfg          = 62
	sapGlobalControl   = 58
	sapGetCfg          = 60
	sapSetSlaveAddress = 55
)

// PeripheralState is the per-slave state machine driven by the FDL
// transaction outcomes: Stop, parameterization, configuration, and
// cyclic Data_Exchange, in that progression.
type PeripheralState uint8

const (
	Stop PeripheralState = iota
	WaitForDiag
	ReqParam
	ReqCfg
	WaitForDiag2
	DataExchange
	Reset
)

func (s PeripheralState) String() string {
	switch s {
	case Stop:
		return "Stop"
	case WaitForDiag:
		return "WaitForDiag"
	case ReqParam:
		return "ReqParam"
	case ReqCfg:
		return "ReqCfg"
	case WaitForDiag2:
		return "WaitForDiag2"
	case DataExchange:
		return "DataExchange"
	case Reset:
		return "Reset"
	default:
		return "unknown"
	}
}

// PeripheralOptions configures one slave descriptor.
type PeripheralOptions struct {
	IdentNumber     uint16
	SyncMode        bool
	FreezeMode      bool
	Groups          uint8
	MaxTsdrBits     uint8
	FailSafe        bool
	UserParameters  []byte
	Config          []byte
	WatchdogFactor1 uint8
	WatchdogFactor2 uint8
}

// PeripheralOption is a functional option for NewPeripheral.
type PeripheralOption func(*Peripheral)

func WithIdentNumber(n uint16) PeripheralOption {
	return func(p *Peripheral) { p.opts.IdentNumber = n }
}
func WithSyncMode(on bool) PeripheralOption  { return func(p *Peripheral) { p.opts.SyncMode = on } }
func WithFreezeMode(on bool) PeripheralOption {
	return func(p *Peripheral) { p.opts.FreezeMode = on }
}
func WithGroups(g uint8) PeripheralOption { return func(p *Peripheral) { p.opts.Groups = g } }
func WithUserParameters(b []byte) PeripheralOption {
	return func(p *Peripheral) { p.opts.UserParameters = b }
}
func WithConfig(b []byte) PeripheralOption { return func(p *Peripheral) { p.opts.Config = b } }
func WithFailSafe(on bool) PeripheralOption {
	return func(p *Peripheral) { p.opts.FailSafe = on }
}
func WithWatchdogFactors(f1, f2 uint8) PeripheralOption {
	return func(p *Peripheral) { p.opts.WatchdogFactor1, p.opts.WatchdogFactor2 = f1, f2 }
}

// WithIOBuffers supplies the caller-owned input/output storage: each
// peripheral owns its buffers, so embedded users can supply static
// buffers and hosted users can supply heap buffers.
func WithIOBuffers(outputs, inputs []byte) PeripheralOption {
	return func(p *Peripheral) { p.outputs, p.inputs = outputs, inputs }
}

const defaultMaxNotReady = 3

// Peripheral is one DP slave's state machine.
type Peripheral struct {
	xlog.Logs

	addr uint8
	opts PeripheralOptions

	state         PeripheralState
	fcb           telegram.FrameCountBit
	notReadyCount uint32

	diag    Diagnostics
	haveDiag bool

	outputs      []byte
	inputs       []byte
	dirtyOutputs bool

	lastExchange time.Time
	events       eventRing
}

// NewPeripheral constructs a peripheral descriptor at addr, initial
// state Stop.
func NewPeripheral(addr uint8, opts ...PeripheralOption) (*Peripheral, error) {
	if addr > 125 {
		return nil, &ConfigError{Reason: "peripheral address must be <= 125"}
	}
	p := &Peripheral{addr: addr, state: Stop, fcb: telegram.FCBFirst, Logs: xlog.NewLogs("dp")}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Address returns the peripheral's PROFIBUS address.
func (p *Peripheral) Address() uint8 { return p.addr }

// State returns the peripheral's current state.
func (p *Peripheral) State() PeripheralState { return p.state }

// WriteOutputs stages bytes to be sent on the next Data_Exchange
// cycle; the write takes effect on the next DataExchange, not
// immediately.
func (p *Peripheral) WriteOutputs(b []byte) {
	copy(p.outputs, b)
	p.dirtyOutputs = true
}

// ReadInputs returns the process-image bytes produced by the last
// successful exchange.
func (p *Peripheral) ReadInputs() []byte { return p.inputs }

// Diagnostics returns the last-known diagnostics, if any have been
// received yet.
func (p *Peripheral) Diagnostics() (Diagnostics, bool) { return p.diag, p.haveDiag }

// RequestReset arms a one-shot transition to Reset, which on its next
// NextAction call issues Global_Control/Clear addressed to this
// peripheral and then returns to Stop.
func (p *Peripheral) RequestReset() { p.state = Reset }

// NextAction builds the telegram this peripheral wants to send next,
// if any (it may have nothing to do, e.g. mid-retry backoff).
func (p *Peripheral) NextAction(now time.Time) (fdl.Action, bool) {
	switch p.state {
	case Stop:
		return p.requestStatus(), true
	case WaitForDiag:
		return p.requestDiag(), true
	case ReqParam:
		return p.requestSetPrm(), true
	case ReqCfg:
		return p.requestChkCfg(), true
	case WaitForDiag2:
		return p.requestDiag(), true
	case DataExchange:
		return p.requestDataExchange(), true
	case Reset:
		// Clear_Data addressed to this one peripheral is fire-and-forget
		// (Expect: ExpectNone): no reply ever arrives to drive a further
		// transition, so the return to Stop happens here instead of
		// waiting on HandleReply/HandleTimeout.
		action := p.requestGlobalControlClear()
		p.state = Stop
		return action, true
	default:
		return fdl.Action{}, false
	}
}

func (p *Peripheral) requestStatus() fdl.Action {
	return fdl.Action{
		Header: telegram.DataHeader{
			DA: p.addr,
			FC: telegram.NewRequestFC(telegram.FCBInactive, telegram.ReqFdlStatus),
		},
		Expect: fdl.ExpectReply,
	}
}

func (p *Peripheral) requestDiag() fdl.Action {
	dsap := uint8(sapSlaveDiag)
	return fdl.Action{
		Header: telegram.DataHeader{
			DA:   p.addr,
			DSAP: &dsap,
			FC:   telegram.NewSrdLow(p.fcb),
		},
		Expect: fdl.ExpectReply,
	}
}

// requestSetPrm builds the Set_Prm request: byte 0 carries the
// Sync_Req/Freeze_Req/WD_On/Fail_Safe flags, bytes 1-2 the watchdog
// factors, byte 3 min_tsdr, bytes 4-5 the ident number, byte 6 the
// group mask, followed by user parameters.
func (p *Peripheral) requestSetPrm() fdl.Action {
	dsap := uint8(sapSetPrm)
	pdu := make([]byte, 7+len(p.opts.UserParameters))
	if p.opts.SyncMode {
		pdu[0] |= 0x20
	}
	if p.opts.FreezeMode {
		pdu[0] |= 0x10
	}
	pdu[0] |= 0x08 // WD_On: always run with the watchdog armed.
	if p.opts.FailSafe {
		pdu[0] |= 0x04
	}
	pdu[1] = p.opts.WatchdogFactor1
	pdu[2] = p.opts.WatchdogFactor2
	pdu[3] = p.opts.MaxTsdrBits
	pdu[4] = uint8(p.opts.IdentNumber >> 8)
	pdu[5] = uint8(p.opts.IdentNumber)
	pdu[6] = p.opts.Groups
	copy(pdu[7:], p.opts.UserParameters)

	return fdl.Action{
		Header:   telegram.DataHeader{DA: p.addr, DSAP: &dsap, FC: telegram.NewSrdLow(p.fcb)},
		PDULen:   len(pdu),
		WritePDU: func(b []byte) { copy(b, pdu) },
		Expect:   fdl.ExpectShortAck,
	}
}

func (p *Peripheral) requestChkCfg() fdl.Action {
	dsap := uint8(sapChkCfg)
	cfg := p.opts.Config
	return fdl.Action{
		Header:   telegram.DataHeader{DA: p.addr, DSAP: &dsap, FC: telegram.NewSrdLow(p.fcb)},
		PDULen:   len(cfg),
		WritePDU: func(b []byte) { copy(b, cfg) },
		Expect:   fdl.ExpectShortAck,
	}
}

// requestDataExchange writes the current output buffer. Output writes
// are only meaningful once the peripheral is actually past
// configuration; operator-level Operate/Clear gating is Master's job
// via Global_Control, not checked here.
func (p *Peripheral) requestDataExchange() fdl.Action {
	out := p.outputs
	return fdl.Action{
		Header:   telegram.DataHeader{DA: p.addr, FC: telegram.NewSrdHigh(p.fcb)},
		PDULen:   len(out),
		WritePDU: func(b []byte) { copy(b, out) },
		Expect:   fdl.ExpectReply,
	}
}

func (p *Peripheral) requestGlobalControlClear() fdl.Action {
	dsap := uint8(sapGlobalControl)
	pdu := []byte{0x02} // Clear_Data bit, addressed to this one peripheral.
	return fdl.Action{
		Header:   telegram.DataHeader{DA: p.addr, DSAP: &dsap, FC: telegram.NewSrdLow(telegram.FCBInactive)},
		PDULen:   len(pdu),
		WritePDU: func(b []byte) { copy(b, pdu) },
		Expect:   fdl.ExpectNone,
	}
}

// HandleReply applies the effect of a successfully received response
// to the currently outstanding request, per peripheral state.
func (p *Peripheral) HandleReply(now time.Time, tel telegram.Telegram) {
	switch p.state {
	case Stop:
		_, status, ok := telegram.IsResponse(tel)
		if ok && status == telegram.StatusOK {
			p.state = WaitForDiag
			p.events.pushAddr(EventCameOnline, p.addr, now)
		}
	case WaitForDiag, WaitForDiag2:
		d, ok := tel.(telegram.Data)
		if !ok {
			return
		}
		diag, consistent, ok := parseDiagnostics(d.PDU)
		if !ok {
			return
		}
		if !consistent {
			p.Debug("peripheral %d: diagnostics missing permanent bit", p.addr)
		}
		p.recordDiag(now, diag)
		if diag.Flags.Has(DiagStationNotReady) {
			p.bumpNotReady(now)
			return
		}
		p.notReadyCount = 0
		if p.state == WaitForDiag {
			p.state = ReqParam
			return
		}
		// WaitForDiag2: progress to DataExchange only once parameters
		// have been accepted and no configuration fault remains.
		if diag.Flags.Has(DiagParameterRequired) {
			p.state = ReqParam
			return
		}
		if diag.Flags.Has(DiagConfigurationFault) {
			p.state = ReqParam
			return
		}
		p.state = DataExchange
	case ReqParam:
		if _, ok := tel.(telegram.ShortConfirmation); ok {
			p.fcb.Cycle()
			p.state = ReqCfg
		}
	case ReqCfg:
		if _, ok := tel.(telegram.ShortConfirmation); ok {
			p.fcb.Cycle()
			p.state = WaitForDiag2
		}
	case DataExchange:
		d, ok := tel.(telegram.Data)
		if !ok {
			return
		}
		_, status, isResp := telegram.IsResponse(tel)
		if !isResp {
			return
		}
		if status == telegram.StatusSapNotEnabled {
			// Configuration was invalidated out from under us; revert
			// and re-validate.
			p.state = ReqCfg
			return
		}
		copy(p.inputs, d.PDU)
		p.fcb.Cycle()
		p.dirtyOutputs = false
		p.lastExchange = now
		p.events.pushAddr(EventCyclicDataReceived, p.addr, now)
		if status == telegram.StatusDataHigh {
			// High-priority diagnostics pending: retrieve it, then resume
			// cyclic exchange directly rather than re-parameterizing --
			// WaitForDiag2 is the same "diagnostics clean -> DataExchange"
			// resolution used after configuration, just reached from a
			// running exchange instead of Chk_Cfg.
			p.state = WaitForDiag2
		}
	}
}

func (p *Peripheral) recordDiag(now time.Time, diag Diagnostics) {
	changed := !p.haveDiag || p.diag.Flags != diag.Flags
	p.diag, p.haveDiag = diag, true
	if changed {
		p.events.pushAddr(EventDiagnosticsChanged, p.addr, now)
	}
}

func (p *Peripheral) bumpNotReady(now time.Time) {
	p.notReadyCount++
	if p.notReadyCount >= defaultMaxNotReady {
		p.notReadyCount = 0
		p.state = Stop
		p.events.pushAddr(EventLostContact, p.addr, now)
	}
}

// HandleTimeout applies the effect of the outstanding request
// receiving no usable reply.
func (p *Peripheral) HandleTimeout(now time.Time) {
	p.bumpNotReady(now)
}

// WatchdogExpired reports whether this peripheral has gone longer than
// its configured watchdog window (factor1*factor2*10ms) without a
// successful Data_Exchange.
func (p *Peripheral) WatchdogExpired(now time.Time) bool {
	if p.state != DataExchange || p.lastExchange.IsZero() {
		return false
	}
	factor := time.Duration(p.opts.WatchdogFactor1) * time.Duration(p.opts.WatchdogFactor2)
	if factor == 0 {
		return false
	}
	window := factor * 10 * time.Millisecond
	return now.Sub(p.lastExchange) > window
}

// ForceStop drops the peripheral back to Stop, e.g. on a watchdog
// expiry detected by the master.
func (p *Peripheral) ForceStop(now time.Time) {
	p.state = Stop
	p.events.pushAddr(EventLostContact, p.addr, now)
}
