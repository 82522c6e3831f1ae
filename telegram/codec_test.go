package telegram

import (
	"errors"
	"testing"
)

func u8(v uint8) *uint8 { return &v }

func TestDecodeTotality(t *testing.T) {
	// Every single byte value, alone, must produce one of the three
	// documented outcomes and never panic.
	for b := 0; b <= 0xFF; b++ {
		buf := []byte{byte(b)}
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Decode panicked on byte 0x%02x: %v", b, r)
				}
			}()
			tel, n, err := Decode(buf)
			if err == nil && tel == nil {
				t.Fatalf("byte 0x%02x: nil telegram with nil error", b)
			}
			if err == nil && n <= 0 {
				t.Fatalf("byte 0x%02x: success with non-positive length", b)
			}
		}()
	}
}

func TestDecodeEmptyIsIncomplete(t *testing.T) {
	_, _, err := Decode(nil)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Decode(nil) = %v, want ErrIncomplete", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	buf := make([]byte, 3)
	n := EncodeToken(buf, 12, 34)
	if n != 3 {
		t.Fatalf("EncodeToken wrote %d bytes, want 3", n)
	}
	tel, consumed, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != 3 {
		t.Fatalf("consumed %d, want 3", consumed)
	}
	tok, ok := tel.(Token)
	if !ok {
		t.Fatalf("decoded %T, want Token", tel)
	}
	if tok.DA != 12 || tok.SA != 34 {
		t.Fatalf("Token = %+v, want DA=12 SA=34", tok)
	}
}

func TestShortConfirmationRoundTrip(t *testing.T) {
	buf := make([]byte, 1)
	n := EncodeShortConfirmation(buf)
	tel, consumed, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != 1 {
		t.Fatalf("consumed %d, want 1", consumed)
	}
	if _, ok := tel.(ShortConfirmation); !ok {
		t.Fatalf("decoded %T, want ShortConfirmation", tel)
	}
}

func TestDataRoundTripNoSAPsNoData(t *testing.T) {
	// lengthByte == 3 -> SD1, zero-length PDU, no SAPs.
	h := DataHeader{DA: 5, SA: 10, FC: NewSrdLow(FCBFirst)}
	buf := make([]byte, 32)
	n := Encode(buf, h, 0, func([]byte) {})
	if buf[0] != SD1 {
		t.Fatalf("expected SD1 delimiter, got 0x%02x", buf[0])
	}

	tel, consumed, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != n {
		t.Fatalf("consumed %d, want %d", consumed, n)
	}
	d, ok := tel.(Data)
	if !ok {
		t.Fatalf("decoded %T, want Data", tel)
	}
	if d.Header.DA != 5 || d.Header.SA != 10 {
		t.Fatalf("Header = %+v", d.Header)
	}
	if len(d.PDU) != 0 {
		t.Fatalf("PDU = %v, want empty", d.PDU)
	}
}

func TestDataRoundTripFixed8Bytes(t *testing.T) {
	// lengthByte == 11 -> SD3, exactly 8 data bytes, no SAPs.
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	h := DataHeader{DA: 1, SA: 2, FC: NewSrdHigh(FCBHigh)}
	buf := make([]byte, 32)
	n := Encode(buf, h, len(payload), func(p []byte) { copy(p, payload) })
	if buf[0] != SD3 {
		t.Fatalf("expected SD3 delimiter, got 0x%02x", buf[0])
	}

	tel, consumed, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != n {
		t.Fatalf("consumed %d, want %d", consumed, n)
	}
	d := tel.(Data)
	if string(d.PDU) != string(payload) {
		t.Fatalf("PDU = %v, want %v", d.PDU, payload)
	}
}

func TestDataRoundTripWithSAPs(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	h := DataHeader{
		DA:   3,
		SA:   4,
		DSAP: u8(60),
		SSAP: u8(62),
		FC:   NewSrdLow(FCBLow),
	}
	buf := make([]byte, 32)
	n := Encode(buf, h, len(payload), func(p []byte) { copy(p, payload) })
	if buf[0] != SD2 {
		t.Fatalf("expected SD2 delimiter, got 0x%02x", buf[0])
	}

	tel, consumed, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != n {
		t.Fatalf("consumed %d, want %d", consumed, n)
	}
	d := tel.(Data)
	if d.Header.DSAP == nil || *d.Header.DSAP != 60 {
		t.Fatalf("DSAP = %v, want 60", d.Header.DSAP)
	}
	if d.Header.SSAP == nil || *d.Header.SSAP != 62 {
		t.Fatalf("SSAP = %v, want 62", d.Header.SSAP)
	}
	if string(d.PDU) != string(payload) {
		t.Fatalf("PDU = %v, want %v", d.PDU, payload)
	}
}

func TestDataIncompleteWaitsForMoreBytes(t *testing.T) {
	h := DataHeader{DA: 1, SA: 2, FC: NewSrdLow(FCBFirst)}
	buf := make([]byte, 32)
	n := Encode(buf, h, 4, func(p []byte) { copy(p, []byte{1, 2, 3, 4}) })

	for i := 0; i < n; i++ {
		_, _, err := Decode(buf[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("Decode(%d bytes of %d) = %v, want ErrIncomplete", i, n, err)
		}
	}
}

func TestFCSCorruptionDetected(t *testing.T) {
	h := DataHeader{DA: 1, SA: 2, FC: NewSrdLow(FCBFirst)}
	buf := make([]byte, 32)
	n := Encode(buf, h, 2, func(p []byte) { copy(p, []byte{9, 9}) })

	// The FCS byte sits two before the trailing ED.
	buf[n-2] ^= 0xFF

	_, _, err := Decode(buf[:n])
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Decode = %v, want *ParseError", err)
	}
}

func TestRegressionLECorruptedLargerThanMaxPDU(t *testing.T) {
	buf := []byte{SD2, 255, 255, SD2, 0, 0, 0, 0, 0, 0xED, ED}
	_, _, err := Decode(buf)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Decode = %v, want *ParseError for LE > maxLE", err)
	}
}

func TestRegressionLEZero(t *testing.T) {
	buf := []byte{SD2, 0, 0, SD2, ED}
	_, _, err := Decode(buf)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Decode = %v, want *ParseError for LE below minimum", err)
	}
}

func TestRegressionLEMismatch(t *testing.T) {
	buf := []byte{SD2, 9, 8, SD2, 1, 2, 3, 4, 5, 6, 7, 8, ED}
	_, _, err := Decode(buf)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Decode = %v, want *ParseError for LE != LEr", err)
	}
}

func TestRegressionSAPBitOnFixedLengthVariant(t *testing.T) {
	// SD1 (fixed, no-data) telegram with the DSAP extension bit set on
	// DA: SD1 has no room for a DSAP byte, so this must be rejected
	// rather than silently stealing a byte from an adjacent field.
	buf := []byte{SD1, 0x80 | 5, 2, 0, 0, ED}
	buf[4] = fcs(buf[1:4])
	_, _, err := Decode(buf)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Decode = %v, want *ParseError for SAP bit on SD1", err)
	}
}

func TestRegressionMissingEndDelimiter(t *testing.T) {
	h := DataHeader{DA: 1, SA: 2, FC: NewSrdLow(FCBFirst)}
	buf := make([]byte, 32)
	n := Encode(buf, h, 0, func([]byte) {})
	buf[n-1] = 0x00
	_, _, err := Decode(buf[:n])
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Decode = %v, want *ParseError for bad end delimiter", err)
	}
}

func TestFunctionCodeRoundTrip(t *testing.T) {
	cases := []FunctionCode{
		NewRequestFC(FCBFirst, ReqFdlStatus),
		NewRequestFC(FCBHigh, ReqSrdHigh),
		NewRequestFC(FCBLow, ReqSrdLow),
		NewRequestFC(FCBInactive, ReqClockValue),
		NewRequestFC(FCBInactive, ReqSdnLow),
		NewResponseFC(RespMasterInRing, StatusOK),
		NewResponseFC(RespSlave, StatusDataHigh),
	}
	for _, fc := range cases {
		got, ok := functionCodeFromByte(fc.toByte())
		if !ok {
			t.Fatalf("functionCodeFromByte(0x%02x) rejected", fc.toByte())
		}
		if got != fc {
			t.Fatalf("round-trip mismatch: %+v -> 0x%02x -> %+v", fc, fc.toByte(), got)
		}
	}
}

func TestFrameCountBitCycle(t *testing.T) {
	fcb := FCBFirst
	fcb.Cycle()
	if fcb != FCBLow {
		t.Fatalf("First.Cycle() = %v, want Low", fcb)
	}
	fcb.Cycle()
	if fcb != FCBHigh {
		t.Fatalf("Low.Cycle() = %v, want High", fcb)
	}
	fcb.Cycle()
	if fcb != FCBLow {
		t.Fatalf("High.Cycle() = %v, want Low", fcb)
	}
}

func TestFrameCountBitCycleInactivePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Cycle on Inactive did not panic")
		}
	}()
	fcb := FCBInactive
	fcb.Cycle()
}
