package telegram

// Telegram is the closed sum type of the three telegram shapes that
// appear on the wire: Token, ShortConfirmation, and Data (which itself
// covers the SD1/SD2/SD3 wire encodings -- fixed-without-data,
// variable-length, and fixed-with-8-bytes-data -- since all three
// carry the same logical DA/SA/FC/[DSAP]/[SSAP]/PDU header shape and
// differ only in how the encoder picks the most compact delimiter).
type Telegram interface {
	isTelegram()
}

// Token is the 3-byte token telegram (SD4 | DA | SA) granting its
// holder the right to initiate a message cycle.
type Token struct {
	DA uint8
	SA uint8
}

func (Token) isTelegram() {}

// ShortConfirmation is the 1-byte positive acknowledgement (SC) sent
// in reply to a low-priority send-data request that expects no data
// back.
type ShortConfirmation struct{}

func (ShortConfirmation) isTelegram() {}

// DataHeader is every field of a Data telegram except its PDU payload.
type DataHeader struct {
	DA uint8
	SA uint8

	// DSAP/SSAP are present only on variable-length (SD2) telegrams,
	// signalled by the top bit of DA/SA respectively. nil means
	// absent.
	DSAP *uint8
	SSAP *uint8

	FC FunctionCode
}

// Data is a request or response telegram carrying a service PDU: SAP
// 60-62 diagnostics/parameterization/configuration services, SAP 55
// address assignment, SAP 58 global control, or the unnumbered default
// SAP used for cyclic data exchange.
type Data struct {
	Header DataHeader
	PDU    []byte
}

func (Data) isTelegram() {}

// SourceAddress returns the source address carried by t, if any
// (ShortConfirmation carries no address).
func SourceAddress(t Telegram) (uint8, bool) {
	switch v := t.(type) {
	case Token:
		return v.SA, true
	case Data:
		return v.Header.SA, true
	default:
		return 0, false
	}
}

// DestinationAddress returns the destination address carried by t, if
// any.
func DestinationAddress(t Telegram) (uint8, bool) {
	switch v := t.(type) {
	case Token:
		return v.DA, true
	case Data:
		return v.Header.DA, true
	default:
		return 0, false
	}
}

// IsFDLStatusRequest reports whether t is a request for this station's
// FDL status, returning the requester's address.
func IsFDLStatusRequest(t Telegram) (uint8, bool) {
	d, ok := t.(Data)
	if !ok || !d.Header.FC.IsRequest || d.Header.FC.Req != ReqFdlStatus {
		return 0, false
	}
	return d.Header.SA, true
}

// IsResponse reports whether t is a response telegram, returning its
// ring-participation state alongside its status -- a caller deciding
// whether to adopt the responder as a ring neighbor needs both: a DP
// slave answering FDL_Status replies RespSlave/StatusOK, which is
// indistinguishable from a real master candidate by status alone.
func IsResponse(t Telegram) (ResponseState, ResponseStatus, bool) {
	d, ok := t.(Data)
	if !ok || d.Header.FC.IsRequest {
		return 0, 0, false
	}
	return d.Header.FC.State, d.Header.FC.Status, true
}

// Decode attempts to parse one telegram from the front of buf.
//
//   - On success, returns the telegram and the number of bytes it
//     consumed; the caller advances its buffer by that many bytes.
//   - If buf holds the start of a telegram but not all of it yet,
//     returns (nil, 0, ErrIncomplete); the caller must retain buf
//     unmodified and call Decode again once more bytes arrive.
//   - If buf's leading bytes cannot be a valid telegram (bad start
//     delimiter, length mismatch, bad FCS, ...), returns a *ParseError;
//     the caller discards exactly one byte and retries, resynchronizing
//     with the bus one byte at a time.
//
// Decode is total: for every possible byte sequence it returns one of
// these three outcomes and never panics.
func Decode(buf []byte) (Telegram, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrIncomplete
	}

	switch buf[0] {
	case SC:
		return ShortConfirmation{}, 1, nil
	case SD4:
		return decodeToken(buf)
	case SD1, SD2, SD3:
		return decodeData(buf)
	default:
		return nil, 0, invalid("unknown start delimiter 0x%02x", buf[0])
	}
}

func decodeToken(buf []byte) (Telegram, int, error) {
	if len(buf) < 3 {
		return nil, 0, ErrIncomplete
	}
	return Token{DA: buf[1], SA: buf[2]}, 3, nil
}

func decodeData(buf []byte) (Telegram, int, error) {
	var length, fullLen, prefixLen int

	switch buf[0] {
	case SD1:
		length, fullLen, prefixLen = 0, 6, 1
	case SD3:
		length, fullLen, prefixLen = 8, 14, 1
	case SD2:
		if len(buf) < 3 {
			return nil, 0, ErrIncomplete
		}
		l1, l2 := buf[1], buf[2]
		if l1 != l2 {
			return nil, 0, invalid("length mismatch: LE=%d LEr=%d", l1, l2)
		}
		if l1 < minLE {
			return nil, 0, invalid("length %d shorter than minimum %d", l1, minLE)
		}
		if l1 > maxLE {
			return nil, 0, invalid("length %d exceeds maximum %d", l1, maxLE)
		}
		length = int(l1) - 3
		fullLen = int(l1) + 6
		prefixLen = 4
	}

	if len(buf) < fullLen {
		return nil, 0, ErrIncomplete
	}
	if buf[3] != SD2 && buf[0] == SD2 {
		return nil, 0, invalid("repeated start delimiter mismatch")
	}

	// Slice off the delimiter/length prefix; everything below is
	// relative to the start of the checksum-covered region (DA).
	body := buf[prefixLen:fullLen]

	da := body[0]
	hasDSAP := da&0x80 != 0
	da &^= 0x80
	sa := body[1]
	hasSSAP := sa&0x80 != 0
	sa &^= 0x80

	if buf[0] != SD2 && (hasDSAP || hasSSAP) {
		return nil, 0, invalid("SAP extension bit set on a telegram variant without SAPs")
	}

	fc, ok := functionCodeFromByte(body[2])
	if !ok {
		return nil, 0, invalid("unparseable function code 0x%02x", body[2])
	}

	rest := body[3:]
	remaining := length

	var dsap, ssap *uint8
	if hasDSAP {
		if remaining < 1 {
			return nil, 0, invalid("length %d too short for DSAP", length)
		}
		v := rest[0]
		dsap = &v
		rest = rest[1:]
		remaining--
	}
	if hasSSAP {
		if remaining < 1 {
			return nil, 0, invalid("length %d too short for SSAP", length)
		}
		v := rest[0]
		ssap = &v
		rest = rest[1:]
		remaining--
	}

	pdu := rest[:remaining]
	checksumRecv := rest[remaining]
	checksumCalc := fcs(body[:3+length])
	if checksumRecv != checksumCalc {
		return nil, 0, invalid("FCS mismatch: got 0x%02x want 0x%02x", checksumRecv, checksumCalc)
	}
	if rest[remaining+1] != ED {
		return nil, 0, invalid("missing end delimiter")
	}

	return Data{
		Header: DataHeader{DA: da, SA: sa, DSAP: dsap, SSAP: ssap, FC: fc},
		PDU:    pdu,
	}, fullLen, nil
}

// EncodeToken writes a 3-byte token telegram into buf, returning the
// number of bytes written.
func EncodeToken(buf []byte, da, sa uint8) int {
	buf[0] = SD4
	buf[1] = da
	buf[2] = sa
	return 3
}

// EncodeShortConfirmation writes the 1-byte short confirmation.
func EncodeShortConfirmation(buf []byte) int {
	buf[0] = SC
	return 1
}

// Encode writes a Data telegram with the given header and a PDU of
// length pduLen, which writePDU fills in place (avoiding an
// intermediate allocation/copy in the caller). Returns the number of
// bytes written. The caller must ensure buf is large enough; a
// variable-length telegram's total size never exceeds
// 6+MaxPDU+len(header extras), well within any reasonable buffer.
func Encode(buf []byte, h DataHeader, pduLen int, writePDU func([]byte)) int {
	lengthByte := pduLen + boolToInt(h.DSAP != nil) + boolToInt(h.SSAP != nil) + 3

	cursor := 0
	sd := SD2
	switch lengthByte {
	case 3:
		sd = SD1
	case 11:
		// SD3 has no room for SAP extension bytes; a SAP-carrying
		// telegram of this length goes out as SD2.
		if h.DSAP == nil && h.SSAP == nil {
			sd = SD3
		}
	}
	buf[cursor] = uint8(sd)
	cursor++
	if sd == SD2 {
		buf[cursor] = uint8(lengthByte)
		buf[cursor+1] = uint8(lengthByte)
		buf[cursor+2] = SD2
		cursor += 3
	}

	checksumStart := cursor

	daExt := h.DA
	if h.DSAP != nil {
		daExt |= 0x80
	}
	buf[cursor] = daExt
	saExt := h.SA
	if h.SSAP != nil {
		saExt |= 0x80
	}
	buf[cursor+1] = saExt
	buf[cursor+2] = h.FC.toByte()
	cursor += 3

	if h.DSAP != nil {
		buf[cursor] = *h.DSAP
		cursor++
	}
	if h.SSAP != nil {
		buf[cursor] = *h.SSAP
		cursor++
	}

	pduBuf := buf[cursor : cursor+pduLen]
	for i := range pduBuf {
		pduBuf[i] = 0
	}
	writePDU(pduBuf)
	cursor += pduLen

	buf[cursor] = fcs(buf[checksumStart:cursor])
	buf[cursor+1] = ED
	cursor += 2

	return cursor
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
