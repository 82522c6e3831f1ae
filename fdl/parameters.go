package fdl

import (
	"time"

	"github.com/fieldbus-go/profibus/phy"
)

// Parameters holds the static configuration of one active station:
// every timing constant is derived from a handful of bit-time counts
// rather than hard-coded per baud rate, so one Parameters value works
// across every supported line speed.
type Parameters struct {
	Address  uint8
	Baudrate phy.Baudrate

	SlotBits                 uint32
	TokenRotationBits        uint32
	GapWaitRotations         uint32
	HighestStationAddress    uint8
	MaxRetryLimit            uint32
	MinTsdrBits              uint32
	SynchronizationPauseBits uint32
}

// Option configures a Parameters during construction.
type Option func(*Parameters)

// WithSlotBits overrides the default slot-time bit count.
func WithSlotBits(bits uint32) Option { return func(p *Parameters) { p.SlotBits = bits } }

// WithTokenRotationBits overrides the target token rotation time.
func WithTokenRotationBits(bits uint32) Option {
	return func(p *Parameters) { p.TokenRotationBits = bits }
}

// WithGapWaitRotations overrides how many token holds elapse between
// GAP probes. Each probe checks a single address, so one full sweep of
// the GAP range takes that many holds per address.
func WithGapWaitRotations(n uint32) Option {
	return func(p *Parameters) { p.GapWaitRotations = n }
}

// WithHighestStationAddress sets the ring's HSA.
func WithHighestStationAddress(hsa uint8) Option {
	return func(p *Parameters) { p.HighestStationAddress = hsa }
}

// WithMaxRetryLimit overrides how many times a timed-out transaction
// is retried before being reported as failed.
func WithMaxRetryLimit(n uint32) Option { return func(p *Parameters) { p.MaxRetryLimit = n } }

// WithMinTsdrBits overrides the minimum station delay of responders on
// this bus.
func WithMinTsdrBits(bits uint32) Option { return func(p *Parameters) { p.MinTsdrBits = bits } }

// WithSynchronizationPauseBits overrides the quiet-time pause observed
// before any transmission while holding the token (default 33).
func WithSynchronizationPauseBits(bits uint32) Option {
	return func(p *Parameters) { p.SynchronizationPauseBits = bits }
}

const (
	defaultSlotBits                 = 100
	defaultTokenRotationBits        = 20000
	defaultGapWaitRotations         = 100
	defaultMaxRetryLimit            = 1
	defaultMinTsdrBits              = 11
	defaultSynchronizationPauseBits = 33
)

// NewParameters builds a validated Parameters for a station at address
// with the given baud rate, applying opts over the library's defaults.
// Bad configuration (address out of range, HSA below address, a retry
// limit of zero) is reported as a *ConfigError synchronously rather
// than discovered at run time. This constructor only validates what is
// knowable from a single station's configuration; two active stations
// sharing an address are not detected here or anywhere else in the
// package.
func NewParameters(address uint8, baud phy.Baudrate, opts ...Option) (*Parameters, error) {
	p := &Parameters{
		Address:                  address,
		Baudrate:                 baud,
		SlotBits:                 defaultSlotBits,
		TokenRotationBits:        defaultTokenRotationBits,
		GapWaitRotations:         defaultGapWaitRotations,
		HighestStationAddress:    125,
		MaxRetryLimit:            defaultMaxRetryLimit,
		MinTsdrBits:              defaultMinTsdrBits,
		SynchronizationPauseBits: defaultSynchronizationPauseBits,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.Address > 125 {
		return nil, &ConfigError{Reason: "station address must be <= 125"}
	}
	if p.HighestStationAddress > 125 {
		return nil, &ConfigError{Reason: "highest station address must be <= 125"}
	}
	if p.Address > p.HighestStationAddress {
		return nil, &ConfigError{Reason: "station address exceeds highest station address"}
	}
	if p.MaxRetryLimit == 0 {
		return nil, &ConfigError{Reason: "max retry limit must be at least 1"}
	}
	return p, nil
}

// SlotTime is T_slot: the response wait window.
func (p *Parameters) SlotTime() time.Duration {
	return p.Baudrate.BitsToDuration(p.SlotBits)
}

// MinTsdrTime is the minimum time a responder on this bus waits before
// replying.
func (p *Parameters) MinTsdrTime() time.Duration {
	return p.Baudrate.BitsToDuration(p.MinTsdrBits)
}

// TokenRotationTime is T_TR, the target time for one full token
// rotation.
func (p *Parameters) TokenRotationTime() time.Duration {
	return p.Baudrate.BitsToDuration(p.TokenRotationBits)
}

// SynchronizationPause is the quiet time observed after the last bus
// activity before this station transmits while holding the token.
func (p *Parameters) SynchronizationPause() time.Duration {
	return p.Baudrate.BitsToDuration(p.SynchronizationPauseBits)
}

// TokenLostTimeout is T_timeout = 6*T_slot + 2*address*T_slot, the bus
// silence duration after which a station in ListenToken assumes the
// token was lost and regenerates one.
func (p *Parameters) TokenLostTimeout() time.Duration {
	slot := p.SlotTime()
	return 6*slot + time.Duration(2*uint32(p.Address))*slot
}
