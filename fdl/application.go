package fdl

import (
	"time"

	"github.com/fieldbus-go/profibus/telegram"
)

// ResponseKind tells the FDL what kind of reply, if any, an Action
// expects.
type ResponseKind uint8

const (
	// ExpectReply waits up to T_slot for a Data response telegram.
	ExpectReply ResponseKind = iota
	// ExpectShortAck waits up to T_slot for a ShortConfirmation.
	ExpectShortAck
	// ExpectNone is a broadcast or other fire-and-forget send; the FDL
	// does not open an AwaitResponse window at all.
	ExpectNone
)

// Action is one upper-layer-requested transmission: a fully-formed
// request header plus a PDU writer, mirroring Encode's zero-copy
// shape so the application never has to pre-serialize its own buffer.
type Action struct {
	Header   telegram.DataHeader
	PDULen   int
	WritePDU func([]byte)
	Expect   ResponseKind
}

// Application is the upper-layer transaction source the FDL drives
// through its token-holding window. dp.Master implements this
// interface.
type Application interface {
	// TransmitTelegram is asked once per UseToken entry (and again
	// after each reply/timeout while budget remains): "given thBudget
	// of token-holding time remaining, what should I send next, if
	// anything?".
	TransmitTelegram(now time.Time, thBudget time.Duration) (Action, bool)

	// ReceiveReply delivers the telegram received in response to the
	// most recently issued Action.
	ReceiveReply(now time.Time, addr uint8, reply telegram.Telegram)

	// HandleTimeout reports that no usable reply arrived for addr
	// after the FDL exhausted its retries.
	HandleTimeout(now time.Time, addr uint8)
}
