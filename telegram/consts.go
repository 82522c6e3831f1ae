// Package telegram implements the bit-exact PROFIBUS FDL telegram codec:
// framing, FCS checksum, and typed encode/decode of the token (SD4),
// short confirmation (SC) and SD1/SD2/SD3 data telegrams defined by
// EN 50170 / IEC 61158 Type-3.
//
// The codec is pure and allocation-free: Decode reads from a caller-
// supplied buffer and returns views into it; Encode writes into a
// caller-supplied buffer. Neither function retains the buffer.
package telegram

// Start/end delimiters and short-confirmation byte: the fixed
// single-byte markers that frame every PROFIBUS wire telegram.
const (
	SD1 = 0x10 // fixed length, no data
	SD2 = 0x68 // variable length
	SD3 = 0xA2 // fixed length, 8 data bytes
	SD4 = 0xDC // token
	SC  = 0xE5 // short confirmation
	ED  = 0x16 // end delimiter

	// minLE/maxLE bound the payload covered by the LE/LEr
	// length byte of an SD2 telegram (4 <= LE <= 249, LE counts DA
	// through the last data byte inclusive; PDULen is LE minus the
	// DA/SA/FC header and optional DSAP/SSAP bytes).
	minLE = 4
	maxLE = 249

	// MaxPDU is the largest application data unit a variable-length
	// telegram can carry (244 bytes).
	MaxPDU = 244
)

// AddrBroadcast is the reserved "send to everyone" destination address.
const AddrBroadcast = 127

// AddrUnset is the reserved "default unset" address (126), used by
// devices before an address has been configured.
const AddrUnset = 126

// AddrMax is the highest valid individual station address (0..125
// valid, 126/127 reserved, 128-255 invalid).
const AddrMax = 125
