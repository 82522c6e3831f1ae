package dp

import (
	"sort"
	"time"

	"github.com/fieldbus-go/profibus/fdl"
	"github.com/fieldbus-go/profibus/telegram"
)

// globalControlPeriod is the number of TransmitTelegram calls between
// Global Control broadcasts: every 50th call that is not blocked by an
// outstanding request sends GC, ahead of the cyclic rotation on that
// call.
const globalControlPeriod = 50

// oneShot is an injected single-request command (Get_Cfg,
// Set_Slave_Address, single-station Reset) that rides the same
// fdl.Application transmit hook ahead of the cyclic rotation.
type oneShot struct {
	header telegram.DataHeader
	pdu    []byte
	expect fdl.ResponseKind
	result chan oneShotResult
}

type oneShotResult struct {
	reply telegram.Telegram
	err   error
}

// Master is the DP orchestrator: it owns a set of Peripherals and
// round-robins them through their per-slave state machines, driven by
// the fdl layer's Application callback.
type Master struct {
	peripherals map[uint8]*Peripheral
	order       []uint8 // sorted addresses, fixed cycle order
	cursor      int

	gcCountdown     int
	operate         bool // Operate (true) vs Clear (false) broadcast mode
	completedCycles uint64

	// pendingExchange is the set of peripherals that were in
	// DataExchange when the current rotation began and have not yet had
	// a successful exchange; EventCycleCompleted fires the moment it
	// empties.
	pendingExchange map[uint8]struct{}

	pending  *oneShot
	busy     bool  // an Action is outstanding, awaiting a reply or timeout
	awaiting uint8 // address of the currently outstanding request
	gap      bool  // the outstanding request is a one-shot, not cyclic

	events eventRing
}

// NewMaster constructs an empty orchestrator. Peripherals are added
// with AddPeripheral before Enable-ing the fdl.ActiveStation that
// drives it.
func NewMaster() *Master {
	return &Master{
		peripherals:     make(map[uint8]*Peripheral),
		gcCountdown:     globalControlPeriod,
		pendingExchange: make(map[uint8]struct{}),
	}
}

// AddPeripheral registers a peripheral descriptor. Returns a
// ConfigError on a duplicate address.
func (m *Master) AddPeripheral(p *Peripheral) error {
	if _, exists := m.peripherals[p.addr]; exists {
		return &ConfigError{Reason: "duplicate peripheral address"}
	}
	m.peripherals[p.addr] = p
	m.order = append(m.order, p.addr)
	sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })
	return nil
}

// Peripheral returns the descriptor for addr, if registered.
func (m *Master) Peripheral(addr uint8) (*Peripheral, bool) {
	p, ok := m.peripherals[addr]
	return p, ok
}

// CompletedCycles returns how many full round-robin passes over the
// peripheral set have completed.
func (m *Master) CompletedCycles() uint64 { return m.completedCycles }

// SetOperate switches the next Global Control broadcast between
// Operate and Clear mode. Clear is the safe default (outputs held at
// fail-safe values); user code calls SetOperate(true) once the
// application is ready to drive real outputs.
func (m *Master) SetOperate(operate bool) { m.operate = operate }

// TakeLastEvents drains and returns all buffered master and peripheral
// events: the master's own events first (oldest first), then each
// peripheral's events in address order.
func (m *Master) TakeLastEvents() []Event {
	all := m.events.drain()
	for _, addr := range m.order {
		all = append(all, m.peripherals[addr].events.drain()...)
	}
	return all
}

// GetConfig issues a one-shot Get_Cfg (SAP 60) request to addr and
// blocks the cyclic rotation until it completes. The actual wait
// happens across subsequent Poll calls of the fdl.ActiveStation
// driving this Master; this method only enqueues the request and
// returns immediately, reporting completion via the returned function
// once TransmitTelegram/ReceiveReply have exchanged it.
func (m *Master) GetConfig(addr uint8) (func() ([]byte, error, bool), error) {
	if m.pending != nil {
		return nil, &ConfigError{Reason: "a one-shot request is already pending"}
	}
	dsap := uint8(sapGetCfg)
	res := make(chan oneShotResult, 1)
	m.pending = &oneShot{
		header: telegram.DataHeader{DA: addr, DSAP: &dsap, FC: telegram.NewSrdLow(telegram.FCBInactive)},
		expect: fdl.ExpectReply,
		result: res,
	}
	poll := func() ([]byte, error, bool) {
		select {
		case r := <-res:
			if r.err != nil {
				return nil, r.err, true
			}
			d, ok := r.reply.(telegram.Data)
			if !ok {
				return nil, &ConfigError{Reason: "Get_Cfg reply was not a Data telegram"}, true
			}
			return d.PDU, nil, true
		default:
			return nil, nil, false
		}
	}
	return poll, nil
}

// SetSlaveAddress issues a one-shot Set_Slave_Address (SAP 55) request.
// Like GetConfig, the actual exchange happens across Poll calls; the
// returned function reports completion.
func (m *Master) SetSlaveAddress(addr, newAddr uint8, identNumber uint16) (func() (error, bool), error) {
	if m.pending != nil {
		return nil, &ConfigError{Reason: "a one-shot request is already pending"}
	}
	if newAddr > 125 {
		return nil, &ConfigError{Reason: "new address must be <= 125"}
	}
	dsap := uint8(sapSetSlaveAddress)
	pdu := []byte{newAddr, uint8(identNumber >> 8), uint8(identNumber), 0}
	res := make(chan oneShotResult, 1)
	m.pending = &oneShot{
		header: telegram.DataHeader{DA: addr, DSAP: &dsap, FC: telegram.NewSrdLow(telegram.FCBInactive)},
		pdu:    pdu,
		expect: fdl.ExpectShortAck,
		result: res,
	}
	poll := func() (error, bool) {
		select {
		case r := <-res:
			return r.err, true
		default:
			return nil, false
		}
	}
	return poll, nil
}

// ResetPeripheral arms a one-shot Global_Control/Clear_Data addressed
// at a single peripheral, returning it to Stop.
func (m *Master) ResetPeripheral(addr uint8) error {
	p, ok := m.peripherals[addr]
	if !ok {
		return &ConfigError{Reason: "unknown peripheral address"}
	}
	p.RequestReset()
	return nil
}

// TransmitTelegram implements fdl.Application: it drives the one-shot
// queue, the periodic Global Control broadcast, and the round-robin
// cyclic rotation, in that priority order.
func (m *Master) TransmitTelegram(now time.Time, thBudget time.Duration) (fdl.Action, bool) {
	if m.busy {
		return fdl.Action{}, false
	}
	if m.pending != nil {
		os := m.pending
		m.busy = true
		m.awaiting = os.header.DA
		m.gap = true
		pdu := os.pdu
		return fdl.Action{
			Header:   os.header,
			PDULen:   len(pdu),
			WritePDU: func(b []byte) { copy(b, pdu) },
			Expect:   os.expect,
		}, true
	}

	m.gcCountdown--
	if m.gcCountdown <= 0 {
		m.gcCountdown = globalControlPeriod
		if action, ok := m.globalControlAction(); ok {
			return action, true
		}
	}

	return m.nextCyclicAction(now)
}

func (m *Master) globalControlAction() (fdl.Action, bool) {
	dsap := uint8(sapGlobalControl)
	flags := byte(0x00) // Operate: no bits set.
	if !m.operate {
		flags = 0x02 // Clear_Data
	}
	pdu := []byte{flags}
	return fdl.Action{
		Header:   telegram.DataHeader{DA: 127, DSAP: &dsap, FC: telegram.NewSrdLow(telegram.FCBInactive)},
		PDULen:   len(pdu),
		WritePDU: func(b []byte) { copy(b, pdu) },
		Expect:   fdl.ExpectNone,
	}, true
}

// nextCyclicAction advances the round-robin cursor to the next
// peripheral with an action to issue, wrapping at the end of the
// order.
func (m *Master) nextCyclicAction(now time.Time) (fdl.Action, bool) {
	n := len(m.order)
	if n == 0 {
		return fdl.Action{}, false
	}
	for i := 0; i < n; i++ {
		addr := m.order[m.cursor]
		m.cursor = (m.cursor + 1) % n
		if m.cursor == 0 {
			m.completedCycles++
			m.armCycle()
		}
		p := m.peripherals[addr]
		if p.WatchdogExpired(now) {
			p.ForceStop(now)
		}
		action, ok := p.NextAction(now)
		if !ok {
			continue
		}
		// ExpectNone actions (Reset's Clear_Data broadcast) never reach
		// ReceiveReply/HandleTimeout -- the FDL returns straight to
		// UseToken after issuing them -- so there is nothing to clear
		// busy on later; leave it false here instead of stalling the
		// rotation forever.
		if action.Expect != fdl.ExpectNone {
			m.busy = true
			m.awaiting = addr
			m.gap = false
		}
		return action, true
	}
	return fdl.Action{}, false
}

// armCycle snapshots the peripherals currently in DataExchange as the
// set that must each be exchanged at least once before the next
// EventCycleCompleted fires.
func (m *Master) armCycle() {
	m.pendingExchange = make(map[uint8]struct{}, len(m.order))
	for _, addr := range m.order {
		if m.peripherals[addr].State() == DataExchange {
			m.pendingExchange[addr] = struct{}{}
		}
	}
}

// ReceiveReply implements fdl.Application.
func (m *Master) ReceiveReply(now time.Time, addr uint8, reply telegram.Telegram) {
	if m.gap {
		if m.pending != nil && addr == m.awaiting {
			m.pending.result <- oneShotResult{reply: reply}
			m.pending = nil
		}
		m.busy, m.awaiting, m.gap = false, 0, false
		return
	}
	if p, ok := m.peripherals[addr]; ok && addr == m.awaiting {
		wasDataExchange := p.State() == DataExchange
		p.HandleReply(now, reply)
		if wasDataExchange && p.State() == DataExchange {
			if _, pending := m.pendingExchange[addr]; pending {
				delete(m.pendingExchange, addr)
				if len(m.pendingExchange) == 0 {
					m.events.push(EventCycleCompleted, now)
				}
			}
		}
	}
	m.busy, m.awaiting = false, 0
}

// HandleTimeout implements fdl.Application.
func (m *Master) HandleTimeout(now time.Time, addr uint8) {
	if m.gap {
		if m.pending != nil && addr == m.awaiting {
			m.pending.result <- oneShotResult{err: &PeripheralFault{Addr: addr, Kind: DiagTimeout}}
			m.pending = nil
		}
		m.busy, m.awaiting, m.gap = false, 0, false
		return
	}
	if p, ok := m.peripherals[addr]; ok && addr == m.awaiting {
		p.HandleTimeout(now)
	}
	m.busy, m.awaiting = false, 0
}
