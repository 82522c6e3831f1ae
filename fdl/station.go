// Package fdl implements the PROFIBUS Fieldbus Data Link active
// station: token-ring formation and maintenance, GAP sweep, and the
// transaction window handed to an upper-layer Application.
package fdl

import (
	"sort"
	"time"

	"github.com/fieldbus-go/profibus/internal/xlog"
	"github.com/fieldbus-go/profibus/phy"
	"github.com/fieldbus-go/profibus/schedule"
	"github.com/fieldbus-go/profibus/telegram"
)

type stationState uint8

const (
	Offline stationState = iota
	ListenToken
	ClaimToken
	ActiveIdle
	UseToken
	AwaitResponse
	PassToken
	AwaitStatusResponse
)

func (s stationState) String() string {
	switch s {
	case Offline:
		return "Offline"
	case ListenToken:
		return "ListenToken"
	case ClaimToken:
		return "ClaimToken"
	case ActiveIdle:
		return "ActiveIdle"
	case UseToken:
		return "UseToken"
	case AwaitResponse:
		return "AwaitResponse"
	case PassToken:
		return "PassToken"
	case AwaitStatusResponse:
		return "AwaitStatusResponse"
	default:
		return "unknown"
	}
}

const (
	rxBufSize = 512
	txBufSize = 300

	deadlineListen   = "listen-timeout"
	deadlineResponse = "await-response"
	deadlinePass     = "pass-token"
	deadlineSync     = "sync-pause"
)

// ActiveStation is one station's FDL layer: the only component that
// touches the PHY.
type ActiveStation struct {
	xlog.Logs

	params *Parameters
	app    Application
	wheel  *schedule.Wheel

	state stationState

	thisStation     uint8
	nextStation     uint8
	previousStation uint8
	inRing          bool

	liveList map[uint8]bool

	gap        map[uint8]*gapEntry
	gapCursor  uint8
	gapWaitCtr uint32

	listenFirstTokenDA int
	listenRotations    int

	lastBusActivity   time.Time
	lastTokenTime     time.Time
	previousTokenTime time.Time
	firstAcquisition  bool

	missedTokenCount int

	// In-flight transaction bookkeeping (AwaitResponse).
	pendingAddr      uint8
	pendingTx        []byte
	pendingTxLen     int
	pendingExpect    ResponseKind
	pendingIsGap     bool
	pendingIsDiscov  bool
	pendingRetries   uint32

	// PassToken bookkeeping.
	passFailures int

	// Next-station discovery bookkeeping.
	discoveryAddr uint8

	// Deferred FDL_Status response (ActiveIdle, gated on MinTsdrTime).
	fdlStatusPending  bool
	fdlStatusTo       uint8
	fdlStatusRecvTime time.Time

	rxBuf []byte
	rxLen int
	txBuf []byte
	txLen int
	txPos int
}

// NewActiveStation constructs an offline station; call Enable to join
// the ring. app may be nil and set later via SetApplication (useful
// when the application itself needs a reference to the station).
func NewActiveStation(params *Parameters, app Application) (*ActiveStation, error) {
	if params == nil {
		return nil, &ConfigError{Reason: "parameters must not be nil"}
	}
	s := &ActiveStation{
		params:             params,
		app:                app,
		wheel:              schedule.NewWheel(),
		state:              Offline,
		thisStation:        params.Address,
		nextStation:        params.Address,
		previousStation:    params.Address,
		liveList:           make(map[uint8]bool),
		gap:                make(map[uint8]*gapEntry),
		listenFirstTokenDA: -1,
		rxBuf:              make([]byte, rxBufSize),
		txBuf:              make([]byte, txBufSize),
	}
	s.Logs = xlog.NewLogs("fdl")
	return s, nil
}

// SetApplication attaches the upper-layer transaction source.
func (s *ActiveStation) SetApplication(app Application) { s.app = app }

// State returns the station's current top-level state.
func (s *ActiveStation) State() stationState { return s.state }

// InRing reports whether this station currently participates in the
// token ring (as opposed to passively listening).
func (s *ActiveStation) InRing() bool { return s.inRing }

// Params returns this station's configured Parameters, read-only.
func (s *ActiveStation) Params() *Parameters { return s.params }

// LiveStations returns the addresses this station has observed
// responding on the bus, sorted ascending. Populated by both normal
// token-passing traffic and the GAP sweep, so it fills in even before
// this station has joined the ring.
func (s *ActiveStation) LiveStations() []uint8 {
	out := make([]uint8, 0, len(s.liveList))
	for addr, live := range s.liveList {
		if live {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Enable transitions an Offline station into ListenToken.
func (s *ActiveStation) Enable(now time.Time) {
	if s.state != Offline {
		return
	}
	s.lastBusActivity = now
	s.listenFirstTokenDA = -1
	s.listenRotations = 0
	s.state = ListenToken
	s.wheel.Set(now, deadlineListen, s.params.TokenLostTimeout())
}

// Disable returns the station to Offline; no transmit or receive
// processing occurs until Enable is called again.
func (s *ActiveStation) Disable() {
	s.state = Offline
	s.inRing = false
}

// Poll drives the station forward by at most one observable state
// transition per call: drain PHY, feed the codec, process one
// transition, possibly enqueue one transmit, flush PHY transmit. It
// returns the next instant at which the caller should poll again.
func (s *ActiveStation) Poll(now time.Time, p phy.ProfibusPhy) (time.Time, error) {
	if s.state == Offline {
		return now.Add(time.Second), nil
	}

	if err := s.drainReceive(now, p); err != nil {
		return now, err
	}

	s.processOneTelegram(now)
	s.checkTimeouts(now)
	s.flushTransmit(now, p)

	if d, ok := s.wheel.NextDeadline(); ok {
		return d, nil
	}
	return now.Add(s.params.SlotTime()), nil
}

func (s *ActiveStation) drainReceive(now time.Time, p phy.ProfibusPhy) error {
	for {
		if s.rxLen >= len(s.rxBuf) {
			// Buffer full of undecodable garbage; drop it all rather
			// than wedge forever.
			s.rxLen = 0
		}
		n, err := p.PollReceive(s.rxBuf[s.rxLen:])
		if err != nil {
			return err
		}
		if n > 0 {
			s.markBusActivity(now)
		}
		s.rxLen += n
		if n == 0 {
			return nil
		}
	}
}

func (s *ActiveStation) markBusActivity(now time.Time) {
	s.lastBusActivity = now
}

// processOneTelegram decodes and handles at most one telegram from the
// receive buffer, discarding any number of leading garbage bytes first
// (resynchronization is not itself a state transition).
func (s *ActiveStation) processOneTelegram(now time.Time) {
	for s.rxLen > 0 {
		tel, n, err := telegram.Decode(s.rxBuf[:s.rxLen])
		if err == telegram.ErrIncomplete {
			return
		}
		if err != nil {
			s.consumeRx(1)
			continue
		}
		s.consumeRx(n)
		s.handleTelegram(now, tel)
		return
	}
}

func (s *ActiveStation) consumeRx(n int) {
	copy(s.rxBuf, s.rxBuf[n:s.rxLen])
	s.rxLen -= n
}

func (s *ActiveStation) handleTelegram(now time.Time, tel telegram.Telegram) {
	if sa, ok := telegram.SourceAddress(tel); ok && sa <= 125 {
		s.liveList[sa] = true
	}

	switch s.state {
	case ListenToken:
		s.handleListenToken(tel)
	case ActiveIdle:
		s.handleActiveIdleTelegram(now, tel)
	case AwaitResponse:
		s.handleAwaitResponseTelegram(now, tel)
	case PassToken:
		s.handlePassTokenTelegram(now, tel)
	case AwaitStatusResponse:
		s.handleDiscoveryTelegram(now, tel)
	default:
	}
}

func (s *ActiveStation) handleListenToken(tel telegram.Telegram) {
	tok, ok := tel.(telegram.Token)
	if !ok {
		return
	}
	if tok.DA > 125 {
		// An out-of-range address on a token telegram is ignored, never
		// panics.
		return
	}
	if s.listenFirstTokenDA < 0 {
		s.listenFirstTokenDA = int(tok.DA)
		return
	}
	if int(tok.DA) == s.listenFirstTokenDA {
		s.listenRotations++
		if s.listenRotations >= 2 {
			s.wheel.Clear(deadlineListen)
			s.state = ActiveIdle
			s.inRing = true
		}
	}
}

func (s *ActiveStation) handleActiveIdleTelegram(now time.Time, tel telegram.Telegram) {
	if s.fdlStatusPending {
		// Waiting out MinTsdrTime before replying; no other telegram is
		// serviced in the meantime.
		return
	}
	if tok, ok := tel.(telegram.Token); ok {
		if tok.DA == s.thisStation {
			s.previousStation = tok.SA
			s.missedTokenCount = 0
			s.acquireToken(now)
		}
		return
	}
	if addr, ok := telegram.IsFDLStatusRequest(tel); ok {
		d, isData := tel.(telegram.Data)
		if !isData || d.Header.DA != s.thisStation {
			return
		}
		s.fdlStatusPending = true
		s.fdlStatusTo = addr
		s.fdlStatusRecvTime = now
	}
}

// checkPendingFdlStatus sends the deferred FDL_Status response once
// MinTsdrTime has elapsed since the request was received, the minimum
// delay every responder on the bus must observe before replying.
func (s *ActiveStation) checkPendingFdlStatus(now time.Time) {
	if !s.fdlStatusPending || now.Sub(s.fdlStatusRecvTime) < s.params.MinTsdrTime() {
		return
	}
	s.fdlStatusPending = false
	s.replyFdlStatus(s.fdlStatusTo)
}

func (s *ActiveStation) replyFdlStatus(to uint8) {
	state := telegram.RespMasterWithoutToken
	if s.inRing {
		state = telegram.RespMasterInRing
	}
	s.txLen = telegram.Encode(s.txBuf, telegram.DataHeader{
		DA: to,
		SA: s.thisStation,
		FC: telegram.NewResponseFC(state, telegram.StatusOK),
	}, 0, func([]byte) {})
	s.txPos = 0
}

// acquireToken transitions into UseToken, computing the first-
// acquisition grace flag.
func (s *ActiveStation) acquireToken(now time.Time) {
	s.previousTokenTime = s.lastTokenTime
	s.lastTokenTime = now
	if s.previousTokenTime.IsZero() {
		s.previousTokenTime = now
	}
	elapsed := now.Sub(s.previousTokenTime)
	s.firstAcquisition = elapsed >= s.params.TokenRotationTime()
	s.gapWaitCtr++
	s.state = UseToken
}

func (s *ActiveStation) handleAwaitResponseTelegram(now time.Time, tel telegram.Telegram) {
	sa, hasSA := telegram.SourceAddress(tel)
	_, isAck := tel.(telegram.ShortConfirmation)
	// A short confirmation carries no SA; it answers the outstanding
	// request only when that request expects one.
	if isAck && s.pendingExpect == ExpectShortAck {
		// accepted below
	} else if !hasSA || sa != s.pendingAddr {
		// Unexpected SA in a response is ignored; the transaction keeps
		// waiting for its real slot to expire.
		return
	}
	s.wheel.Clear(deadlineResponse)

	switch {
	case s.pendingIsGap:
		s.handleGapReply(tel)
	default:
		if s.app != nil {
			s.app.ReceiveReply(now, s.pendingAddr, tel)
		}
	}
	s.pendingIsGap = false
	s.state = UseToken
}

func (s *ActiveStation) handleGapReply(tel telegram.Telegram) {
	state, status, ok := telegram.IsResponse(tel)
	if !ok {
		return
	}
	entry := s.gapEntryFor(s.pendingAddr)
	if status == telegram.StatusOK {
		entry.status = gapActive
		s.liveList[s.pendingAddr] = true
		if isMasterState(state) && gapHasRange(s.thisStation, s.nextStation, s.params.HighestStationAddress) {
			s.nextStation = s.pendingAddr
		}
	} else {
		entry.status = gapPassive
		entry.age++
	}
}

// isMasterState reports whether a responder's ResponseState marks it
// as a ring-capable master candidate rather than a DP slave answering
// the same FDL_Status request, excluding RespSlave and
// RespMasterNotReady.
func isMasterState(state telegram.ResponseState) bool {
	return state == telegram.RespMasterWithoutToken || state == telegram.RespMasterInRing
}

func (s *ActiveStation) gapEntryFor(addr uint8) *gapEntry {
	e, ok := s.gap[addr]
	if !ok {
		e = &gapEntry{status: gapUnknown}
		s.gap[addr] = e
	}
	return e
}

func (s *ActiveStation) handlePassTokenTelegram(now time.Time, tel telegram.Telegram) {
	sa, ok := telegram.SourceAddress(tel)
	if !ok || sa != s.nextStation {
		return
	}
	// The next station transmitted: it accepted the token.
	s.wheel.Clear(deadlinePass)
	s.passFailures = 0
	s.state = ActiveIdle
}

func (s *ActiveStation) handleDiscoveryTelegram(now time.Time, tel telegram.Telegram) {
	sa, ok := telegram.SourceAddress(tel)
	if !ok || sa != s.discoveryAddr {
		return
	}
	state, status, isResp := telegram.IsResponse(tel)
	if !isResp || status != telegram.StatusOK || !isMasterState(state) {
		return
	}
	s.wheel.Clear(deadlineResponse)
	s.nextStation = s.discoveryAddr
	s.passFailures = 0
	s.state = PassToken
}

// checkTimeouts advances the station when the currently relevant
// deadline has passed and no telegram resolved it this poll.
func (s *ActiveStation) checkTimeouts(now time.Time) {
	switch s.state {
	case ListenToken:
		if s.wheel.Expired(now, deadlineListen) {
			s.wheel.Clear(deadlineListen)
			s.enterClaimToken(now)
		}
	case ActiveIdle:
		s.checkActiveIdleSilence(now)
	case UseToken:
		s.stepUseToken(now)
	case AwaitResponse:
		if s.wheel.Expired(now, deadlineResponse) {
			s.handleResponseTimeout(now)
		}
	case PassToken:
		if s.wheel.Expired(now, deadlinePass) {
			s.handlePassTokenTimeout(now)
		}
	case AwaitStatusResponse:
		if s.wheel.Expired(now, deadlineResponse) {
			s.handleDiscoveryTimeout(now)
		}
	}
}

func (s *ActiveStation) checkActiveIdleSilence(now time.Time) {
	s.checkPendingFdlStatus(now)
	if now.Sub(s.lastBusActivity) < s.params.TokenLostTimeout() {
		return
	}
	s.missedTokenCount++
	s.lastBusActivity = now
	if s.missedTokenCount >= 2 {
		s.missedTokenCount = 0
		s.inRing = false
		s.state = Offline
		s.Enable(now)
	}
}

func (s *ActiveStation) enterClaimToken(now time.Time) {
	s.state = ClaimToken
	s.nextStation = s.thisStation
	s.previousStation = s.thisStation
	s.gap = make(map[uint8]*gapEntry)
	s.gapCursor = s.thisStation
	s.inRing = true
	s.acquireToken(now)
}

// stepUseToken is the StateWithToken::Idle handler: decide whether to
// issue an application transaction, a GAP probe, or pass the token on.
func (s *ActiveStation) stepUseToken(now time.Time) {
	if now.Sub(s.lastBusActivity) < s.params.SynchronizationPause() {
		s.wheel.Set(now, deadlineSync, s.params.SynchronizationPause()-now.Sub(s.lastBusActivity))
		return
	}

	thBudget := s.params.TokenRotationTime() - now.Sub(s.previousTokenTime)
	if thBudget <= 0 && !s.firstAcquisition {
		s.enterPassToken(now)
		return
	}
	s.firstAcquisition = false

	if s.app != nil {
		if action, ok := s.app.TransmitTelegram(now, thBudget); ok {
			s.issueAction(now, action, false, false)
			return
		}
	}

	if s.gapWaitCtr >= s.params.GapWaitRotations &&
		gapHasRange(s.thisStation, s.nextStation, s.params.HighestStationAddress) {
		s.gapWaitCtr = 0
		s.gapCursor = nextGapCursor(s.gapCursor, s.thisStation, s.nextStation, s.params.HighestStationAddress)
		s.issueAction(now, Action{
			Header: telegram.DataHeader{
				DA: s.gapCursor,
				SA: s.thisStation,
				FC: telegram.NewRequestFC(telegram.FCBInactive, telegram.ReqFdlStatus),
			},
			Expect: ExpectReply,
		}, true, false)
		return
	}

	s.enterPassToken(now)
}

func (s *ActiveStation) issueAction(now time.Time, action Action, isGap, isDiscovery bool) {
	writer := action.WritePDU
	if writer == nil {
		writer = func([]byte) {}
	}
	s.txLen = telegram.Encode(s.txBuf, action.Header, action.PDULen, writer)
	s.txPos = 0
	s.pendingAddr = action.Header.DA
	s.pendingExpect = action.Expect
	s.pendingIsGap = isGap
	s.pendingIsDiscov = isDiscovery
	s.pendingRetries = 0

	if action.Expect == ExpectNone {
		s.state = UseToken
		return
	}
	s.state = AwaitResponse
	s.wheel.Set(now, deadlineResponse, s.params.SlotTime())
}

func (s *ActiveStation) handleResponseTimeout(now time.Time) {
	if s.pendingIsGap {
		entry := s.gapEntryFor(s.pendingAddr)
		entry.status = gapNotPresent
		entry.age++
		s.pendingIsGap = false
		s.state = UseToken
		return
	}

	s.pendingRetries++
	if s.pendingRetries <= s.params.MaxRetryLimit {
		s.txPos = 0
		s.wheel.Set(now, deadlineResponse, s.params.SlotTime())
		return
	}
	if s.app != nil {
		s.app.HandleTimeout(now, s.pendingAddr)
	}
	s.state = UseToken
}

func (s *ActiveStation) enterPassToken(now time.Time) {
	if s.nextStation == s.thisStation {
		// Self-addressed token regeneration: no other station answered
		// the GAP sweep, so rather than transmit a token onto the wire
		// and wait out a timeout, this station immediately re-acquires
		// its own fresh token.
		s.passFailures = 0
		s.acquireToken(now)
		return
	}
	s.txLen = telegram.EncodeToken(s.txBuf, s.nextStation, s.thisStation)
	s.txPos = 0
	s.state = PassToken
	s.wheel.Set(now, deadlinePass, s.params.SlotTime())
}

func (s *ActiveStation) handlePassTokenTimeout(now time.Time) {
	s.passFailures++
	if s.passFailures < 2 {
		s.txLen = telegram.EncodeToken(s.txBuf, s.nextStation, s.thisStation)
		s.txPos = 0
		s.wheel.Set(now, deadlinePass, s.params.SlotTime())
		return
	}
	s.passFailures = 0
	s.discoveryAddr = advanceAddress(s.nextStation, s.params.HighestStationAddress)
	s.enterDiscoveryProbe(now)
}

func (s *ActiveStation) enterDiscoveryProbe(now time.Time) {
	if s.discoveryAddr == s.thisStation {
		s.enterClaimToken(now)
		return
	}
	s.txLen = telegram.Encode(s.txBuf, telegram.DataHeader{
		DA: s.discoveryAddr,
		SA: s.thisStation,
		FC: telegram.NewRequestFC(telegram.FCBInactive, telegram.ReqFdlStatus),
	}, 0, func([]byte) {})
	s.txPos = 0
	s.state = AwaitStatusResponse
	s.wheel.Set(now, deadlineResponse, s.params.SlotTime())
}

func (s *ActiveStation) handleDiscoveryTimeout(now time.Time) {
	s.discoveryAddr = advanceAddress(s.discoveryAddr, s.params.HighestStationAddress)
	s.enterDiscoveryProbe(now)
}

func (s *ActiveStation) flushTransmit(now time.Time, p phy.ProfibusPhy) {
	if s.txPos >= s.txLen {
		return
	}
	n, err := p.PollTransmit(s.txBuf[s.txPos:s.txLen])
	if err != nil {
		s.Error("phy transmit fault: %v", err)
		return
	}
	if n > 0 {
		s.txPos += n
		s.markBusActivity(now)
	}
}
