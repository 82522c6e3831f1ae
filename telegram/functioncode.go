package telegram

// RequestType is the low 4 (well, 7: bit 7 is reused for ClockValue)
// bits of a request FunctionCode, naming which FDL service a request
// telegram invokes.
type RequestType uint8

const (
	ReqClockValue    RequestType = 0x80
	ReqTimeEvent     RequestType = 0
	ReqSdaLow        RequestType = 3
	ReqSdnLow        RequestType = 4
	ReqSdaHigh       RequestType = 5
	ReqSdnHigh       RequestType = 6
	ReqMulticastSrd  RequestType = 7
	ReqFdlStatus     RequestType = 9
	ReqSrdLow        RequestType = 12
	ReqSrdHigh       RequestType = 13
	ReqIdent         RequestType = 14
	ReqLsapStatus    RequestType = 15
)

func requestTypeFromByte(b uint8) (RequestType, bool) {
	switch b {
	case 0x80:
		return ReqClockValue, true
	case 0, 3, 4, 5, 6, 7, 9, 12, 13, 14, 15:
		return RequestType(b), true
	default:
		return 0, false
	}
}

// ExpectsReply reports whether a request of this type solicits a
// response (data or short-confirmation) at all.
func (r RequestType) ExpectsReply() bool {
	switch r {
	case ReqClockValue, ReqTimeEvent, ReqSdnLow, ReqSdnHigh:
		return false
	default:
		return true
	}
}

// ResponseState is bits 4-5 of a response FunctionCode,
// describing the responder's own ring-participation state.
type ResponseState uint8

const (
	RespSlave             ResponseState = 0
	RespMasterNotReady    ResponseState = 1
	RespMasterWithoutToken ResponseState = 2
	RespMasterInRing      ResponseState = 3
)

func responseStateFromByte(b uint8) (ResponseState, bool) {
	if b <= 3 {
		return ResponseState(b), true
	}
	return 0, false
}

// ResponseStatus is the lower nibble of a response FunctionCode.
type ResponseStatus uint8

const (
	StatusOK                 ResponseStatus = 0
	StatusUserError          ResponseStatus = 1
	StatusNoResources        ResponseStatus = 2
	StatusSapNotEnabled      ResponseStatus = 3
	StatusDataLow            ResponseStatus = 8
	StatusNoDataReady        ResponseStatus = 9
	StatusDataHigh           ResponseStatus = 10
	StatusNotReceivedDataLow ResponseStatus = 12
	StatusNotReceivedDataHigh ResponseStatus = 13
)

func responseStatusFromByte(b uint8) (ResponseStatus, bool) {
	switch b {
	case 0, 1, 2, 3, 8, 9, 10, 12, 13:
		return ResponseStatus(b), true
	default:
		return 0, false
	}
}

// FrameCountBit is the per-destination retry-deduplication toggle
// carried in FCB/FCV. Unlike a bare bool it has a distinct "Inactive"
// value for services (FDL status, broadcasts) that don't participate
// in FCB/FCV toggling at all.
type FrameCountBit uint8

const (
	FCBFirst FrameCountBit = iota
	FCBHigh
	FCBLow
	FCBInactive
)

// Cycle advances the bit after a successful (non-retried) exchange.
func (f *FrameCountBit) Cycle() {
	switch *f {
	case FCBFirst, FCBHigh:
		*f = FCBLow
	case FCBLow:
		*f = FCBHigh
	case FCBInactive:
		panic("telegram: FrameCountBit must not be Inactive when cycled")
	}
}

// Reset returns the bit to its initial (First) value, e.g. when a
// peripheral goes offline and any future request must be treated as
// new rather than a retry.
func (f *FrameCountBit) Reset() { *f = FCBFirst }

// FCB returns the wire-level FCB bit value.
func (f FrameCountBit) FCB() bool {
	switch f {
	case FCBFirst, FCBHigh:
		return true
	default:
		return false
	}
}

// FCV returns the wire-level FCV bit value.
func (f FrameCountBit) FCV() bool {
	switch f {
	case FCBHigh, FCBLow:
		return true
	default:
		return false
	}
}

func frameCountBitFromFCVFCB(fcv, fcb bool) FrameCountBit {
	switch {
	case !fcv && !fcb:
		return FCBInactive
	case !fcv && fcb:
		return FCBFirst
	case fcv && fcb:
		return FCBHigh
	default:
		return FCBLow
	}
}

// FunctionCode is the tagged union of "this is a request" (carrying an
// FCB/FCV pair and a RequestType) and "this is a response" (carrying a
// ResponseState/ResponseStatus pair), matching the FC byte that
// follows DA and SA in every Data telegram.
type FunctionCode struct {
	IsRequest bool

	// Valid when IsRequest.
	FCB FrameCountBit
	Req RequestType

	// Valid when !IsRequest.
	State  ResponseState
	Status ResponseStatus
}

// NewRequestFC builds a request FunctionCode for the given service with
// the FCB/FCV state tracked for that destination.
func NewRequestFC(fcb FrameCountBit, req RequestType) FunctionCode {
	return FunctionCode{IsRequest: true, FCB: fcb, Req: req}
}

// NewResponseFC builds a response FunctionCode.
func NewResponseFC(state ResponseState, status ResponseStatus) FunctionCode {
	return FunctionCode{IsRequest: false, State: state, Status: status}
}

// NewSrdLow builds the "send/request data, low priority" request code
// used for all DP master-to-slave services except cyclic data exchange.
func NewSrdLow(fcb FrameCountBit) FunctionCode {
	return NewRequestFC(fcb, ReqSrdLow)
}

// NewSrdHigh builds the "send/request data, high priority" request
// code used for cyclic Data_Exchange telegrams.
func NewSrdHigh(fcb FrameCountBit) FunctionCode {
	return NewRequestFC(fcb, ReqSrdHigh)
}

func (fc FunctionCode) toByte() uint8 {
	if fc.IsRequest {
		b := uint8(1 << 6)
		b |= uint8(fc.Req)
		if fc.FCB.FCV() {
			b |= 1 << 4
		}
		if fc.FCB.FCB() {
			b |= 1 << 5
		}
		return b
	}
	return uint8(fc.State)<<4 | uint8(fc.Status)
}

func functionCodeFromByte(b uint8) (FunctionCode, bool) {
	if b&(1<<6) != 0 {
		fcv := b&(1<<4) != 0
		fcb := b&(1<<5) != 0
		req, ok := requestTypeFromByte(b & 0x8F)
		if !ok {
			return FunctionCode{}, false
		}
		return FunctionCode{
			IsRequest: true,
			FCB:       frameCountBitFromFCVFCB(fcv, fcb),
			Req:       req,
		}, true
	}
	state, ok := responseStateFromByte((b & 0x30) >> 4)
	if !ok {
		return FunctionCode{}, false
	}
	status, ok := responseStatusFromByte(b & 0x0F)
	if !ok {
		return FunctionCode{}, false
	}
	return FunctionCode{IsRequest: false, State: state, Status: status}, true
}
