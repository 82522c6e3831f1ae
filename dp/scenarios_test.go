package dp

import (
	"testing"
	"time"

	"github.com/fieldbus-go/profibus/fdl"
	"github.com/fieldbus-go/profibus/phy"
	"github.com/fieldbus-go/profibus/telegram"
)

// peripheralStub is a hand-rolled device standing in for a real slave,
// driving itself through the same Stop -> WaitForDiag -> ReqParam ->
// ReqCfg -> WaitForDiag2 -> DataExchange progression the Peripheral
// state machine expects to see on the wire. It disambiguates Slave_Diag
// from Chk_Cfg -- both SAP 62 -- by request PDU length, since a real
// slave would know which of its own states it's in rather than needing
// to guess.
type peripheralStub struct {
	addr          uint8
	notReadyLeft  int
	rejectCfg     bool
	lastOutputs   []byte
	raiseDiagOnce bool
	diagRequests  int
	silent        bool
}

func (s *peripheralStub) step(t *testing.T, p *phy.PairPHY) {
	t.Helper()
	buf := make([]byte, 64)
	n, _ := p.PollReceive(buf)
	if n == 0 {
		return
	}
	tel, _, err := telegram.Decode(buf[:n])
	if err != nil {
		return
	}
	d, ok := tel.(telegram.Data)
	if !ok || d.Header.DA != s.addr || !d.Header.FC.IsRequest {
		return
	}
	if s.silent {
		return
	}

	out := make([]byte, 64)
	var n2 int

	switch {
	case d.Header.FC.Req == telegram.ReqFdlStatus:
		n2 = telegram.Encode(out, telegram.DataHeader{
			DA: d.Header.SA, SA: s.addr,
			FC: telegram.NewResponseFC(telegram.RespSlave, telegram.StatusOK),
		}, 0, func([]byte) {})

	case d.Header.DSAP != nil && *d.Header.DSAP == sapSlaveDiag && len(d.PDU) == 0:
		s.diagRequests++
		pdu := make([]byte, 6)
		if s.notReadyLeft > 0 {
			s.notReadyLeft--
			pdu[0] = byte(DiagStationNotReady)
		} else if s.rejectCfg {
			pdu[0] = byte(DiagConfigurationFault)
		}
		pdu[1] |= byte(DiagPermanentBit >> 8)
		pdu[3] = d.Header.SA
		pdu[4], pdu[5] = 0x12, 0x34
		n2 = telegram.Encode(out, telegram.DataHeader{
			DA: d.Header.SA, SA: s.addr,
			FC: telegram.NewResponseFC(telegram.RespSlave, telegram.StatusOK),
		}, len(pdu), func(b []byte) { copy(b, pdu) })

	case d.Header.DSAP != nil && *d.Header.DSAP == sapSetPrm:
		n2 = telegram.EncodeShortConfirmation(out)

	case d.Header.DSAP != nil && *d.Header.DSAP == sapChkCfg && len(d.PDU) > 0:
		// Chk_Cfg itself is always acknowledged; a rejected configuration
		// is reported back via the WaitForDiag2 Slave_Diag response's
		// cfg_fault bit, not a Chk_Cfg-level refusal.
		n2 = telegram.EncodeShortConfirmation(out)

	case d.Header.DSAP == nil && d.Header.FC.Req == telegram.ReqSrdHigh:
		s.lastOutputs = append(s.lastOutputs[:0], d.PDU...)
		reply := []byte{0xAA, 0xBB}
		status := telegram.StatusOK
		if s.raiseDiagOnce {
			status = telegram.StatusDataHigh
			s.raiseDiagOnce = false
		}
		n2 = telegram.Encode(out, telegram.DataHeader{
			DA: d.Header.SA, SA: s.addr,
			FC: telegram.NewResponseFC(telegram.RespSlave, status),
		}, len(reply), func(b []byte) { copy(b, reply) })

	default:
		return
	}

	_, _ = p.PollTransmit(out[:n2])
}

// newScenarioMaster wires one ActiveStation, holding exactly one
// dp.Master Application, against a loopback PHY pair whose other end is
// driven by a peripheralStub. HighestStationAddress equals the
// master's own address, so no GAP sweep range exists and the cyclic
// exchange reaches steady state quickly. The GAP sweep itself is
// exercised by the fdl package's gap_test.go.
func newScenarioMaster(t *testing.T, stub *peripheralStub) (*fdl.ActiveStation, *fdl.Parameters, *Master, *phy.PairPHY, *phy.PairPHY) {
	t.Helper()
	params, err := fdl.NewParameters(1, phy.Baud500K,
		fdl.WithHighestStationAddress(1),
		fdl.WithSlotBits(20),
		fdl.WithTokenRotationBits(2000),
		fdl.WithSynchronizationPauseBits(2),
		fdl.WithGapWaitRotations(1),
		fdl.WithMaxRetryLimit(2),
	)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	m := NewMaster()
	p := newTestPeripheral(t, stub.addr)
	if err := m.AddPeripheral(p); err != nil {
		t.Fatalf("AddPeripheral: %v", err)
	}
	station, err := fdl.NewActiveStation(params, m)
	if err != nil {
		t.Fatalf("NewActiveStation: %v", err)
	}
	masterPhy, slavePhy := phy.NewPair(phy.Baud500K)
	return station, params, m, masterPhy, slavePhy
}

func runScenario(t *testing.T, station *fdl.ActiveStation, params *fdl.Parameters, masterPhy, slavePhy *phy.PairPHY, stub *peripheralStub, iterations int) time.Time {
	t.Helper()
	now := time.Now()
	station.Enable(now)
	now = now.Add(params.TokenLostTimeout() + time.Millisecond)
	if _, err := station.Poll(now, masterPhy); err != nil {
		t.Fatalf("Poll (claim): %v", err)
	}
	for i := 0; i < iterations; i++ {
		now = now.Add(20 * time.Microsecond)
		if _, err := station.Poll(now, masterPhy); err != nil {
			t.Fatalf("Poll iteration %d: %v", i, err)
		}
		stub.step(t, slavePhy)
	}
	return now
}

// stepScenario continues driving an already-running station/stub pair
// from a prior runScenario call's end time, with no re-Enable jump.
func stepScenario(t *testing.T, station *fdl.ActiveStation, masterPhy, slavePhy *phy.PairPHY, stub *peripheralStub, now time.Time, iterations int) time.Time {
	t.Helper()
	for i := 0; i < iterations; i++ {
		now = now.Add(20 * time.Microsecond)
		if _, err := station.Poll(now, masterPhy); err != nil {
			t.Fatalf("Poll iteration %d: %v", i, err)
		}
		stub.step(t, slavePhy)
	}
	return now
}

func TestScenarioBringUpReachesDataExchange(t *testing.T) {
	stub := &peripheralStub{addr: 5}
	station, params, m, masterPhy, slavePhy := newScenarioMaster(t, stub)
	// Drain after every poll: the per-peripheral event ring holds only
	// eventRingCapacity entries, and steady-state cyclic events would
	// otherwise overwrite CameOnline long before 400 polls.
	now := runScenario(t, station, params, masterPhy, slavePhy, stub, 0)
	var events []Event
	for i := 0; i < 400; i++ {
		now = stepScenario(t, station, masterPhy, slavePhy, stub, now, 1)
		events = append(events, m.TakeLastEvents()...)
	}

	p, _ := m.Peripheral(5)
	if p.State() != DataExchange {
		t.Fatalf("peripheral state = %v, want DataExchange", p.State())
	}
	sawOnline := false
	for _, e := range events {
		if e.Kind == EventCameOnline {
			sawOnline = true
		}
	}
	if !sawOnline {
		t.Fatal("expected a CameOnline event during bring-up")
	}
}

func TestScenarioNotReadyRetriesUntilDiagClears(t *testing.T) {
	stub := &peripheralStub{addr: 5, notReadyLeft: 2}
	station, params, m, masterPhy, slavePhy := newScenarioMaster(t, stub)
	runScenario(t, station, params, masterPhy, slavePhy, stub, 500)

	p, _ := m.Peripheral(5)
	if p.State() != DataExchange {
		t.Fatalf("peripheral state = %v, want DataExchange once not-ready clears", p.State())
	}
}

func TestScenarioConfigRejectionLoopsBackToReqParam(t *testing.T) {
	stub := &peripheralStub{addr: 5, rejectCfg: true}
	station, params, m, masterPhy, slavePhy := newScenarioMaster(t, stub)
	runScenario(t, station, params, masterPhy, slavePhy, stub, 400)

	p, _ := m.Peripheral(5)
	if p.State() == DataExchange {
		t.Fatal("peripheral reached DataExchange despite a persistently rejected configuration")
	}
	if p.State() != ReqParam && p.State() != ReqCfg && p.State() != WaitForDiag2 {
		t.Fatalf("peripheral state = %v, want it cycling through ReqParam/ReqCfg/WaitForDiag2", p.State())
	}
}

func TestScenarioCyclicDataExchangeCarriesOutputs(t *testing.T) {
	stub := &peripheralStub{addr: 5}
	station, params, m, masterPhy, slavePhy := newScenarioMaster(t, stub)
	p, _ := m.Peripheral(5)
	p.WriteOutputs([]byte{0x01, 0x02})

	runScenario(t, station, params, masterPhy, slavePhy, stub, 600)

	if p.State() != DataExchange {
		t.Fatalf("peripheral state = %v, want DataExchange", p.State())
	}
	if len(stub.lastOutputs) != 2 || stub.lastOutputs[0] != 0x01 || stub.lastOutputs[1] != 0x02 {
		t.Fatalf("slave observed outputs %v, want [1 2]", stub.lastOutputs)
	}
	if got := p.ReadInputs(); len(got) != 2 || got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("master inputs = %v, want [AA BB]", got)
	}
}

func TestScenarioCycleCompletedFiresOnceEveryPeripheralExchanged(t *testing.T) {
	stub := &peripheralStub{addr: 5}
	station, params, m, masterPhy, slavePhy := newScenarioMaster(t, stub)
	now := runScenario(t, station, params, masterPhy, slavePhy, stub, 400)

	p, _ := m.Peripheral(5)
	if p.State() != DataExchange {
		t.Fatalf("peripheral state = %v, want DataExchange before watching for cycle completion", p.State())
	}
	m.TakeLastEvents() // drain bring-up events

	sawCycleCompleted := false
	for i := 0; i < 100 && !sawCycleCompleted; i++ {
		now = stepScenario(t, station, masterPhy, slavePhy, stub, now, 1)
		for _, e := range m.TakeLastEvents() {
			if e.Kind == EventCycleCompleted {
				sawCycleCompleted = true
			}
		}
	}
	if !sawCycleCompleted {
		t.Fatal("expected an EventCycleCompleted once the only registered peripheral exchanged")
	}
}

func TestScenarioDiagInterruptResumesDataExchangeSameCycle(t *testing.T) {
	stub := &peripheralStub{addr: 5}
	station, params, m, masterPhy, slavePhy := newScenarioMaster(t, stub)
	now := runScenario(t, station, params, masterPhy, slavePhy, stub, 400)

	p, _ := m.Peripheral(5)
	if p.State() != DataExchange {
		t.Fatalf("peripheral state = %v, want DataExchange before the diagnostics interrupt", p.State())
	}

	stub.raiseDiagOnce = true
	diagBefore := stub.diagRequests
	stepScenario(t, station, masterPhy, slavePhy, stub, now, 200)

	if p.State() != DataExchange {
		t.Fatalf("peripheral state = %v, want back in DataExchange after the diagnostics interrupt resolved", p.State())
	}
	if stub.diagRequests != diagBefore+1 {
		t.Fatalf("diagRequests = %d, want exactly %d (one diagnostics fetch for the interrupt, no extra stall)", stub.diagRequests, diagBefore+1)
	}
}

func TestScenarioWatchdogExpiryForcesStopAndLostContact(t *testing.T) {
	stub := &peripheralStub{addr: 5}
	station, params, m, masterPhy, slavePhy := newScenarioMaster(t, stub)
	p, _ := m.Peripheral(5)
	p.opts.WatchdogFactor1, p.opts.WatchdogFactor2 = 2, 2 // 40ms window, short enough to hit in-test

	now := runScenario(t, station, params, masterPhy, slavePhy, stub, 400)
	if p.State() != DataExchange {
		t.Fatalf("peripheral state = %v, want DataExchange before silencing the stub", p.State())
	}
	m.TakeLastEvents() // drain bring-up events so only the watchdog event remains below

	stub.silent = true
	stepScenario(t, station, masterPhy, slavePhy, stub, now, 3000)

	if p.State() != Stop {
		t.Fatalf("peripheral state = %v, want Stop after the watchdog expired", p.State())
	}
	sawLostContact := false
	for _, e := range m.TakeLastEvents() {
		if e.Kind == EventLostContact && e.Addr == 5 {
			sawLostContact = true
		}
	}
	if !sawLostContact {
		t.Fatal("expected a LostContact event once the watchdog expired")
	}
}
