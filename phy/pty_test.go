package phy

import (
	"testing"
	"time"
)

func TestPTYPairLoopback(t *testing.T) {
	master, slave, closeFn, err := NewPTYPair(Baud500K)
	if err != nil {
		t.Skipf("PTY not available in this environment: %v", err)
	}
	defer closeFn()

	msg := []byte{0x68, 0x04, 0x04, 0x68, 0x01, 0x02}
	if _, err := master.PollTransmit(msg); err != nil {
		t.Fatalf("PollTransmit: %v", err)
	}

	// Give the kernel a moment to deliver bytes across the PTY.
	time.Sleep(5 * time.Millisecond)

	buf := make([]byte, 32)
	var n int
	for i := 0; i < 50 && n == 0; i++ {
		n, err = slave.PollReceive(buf)
		if err != nil {
			t.Fatalf("PollReceive: %v", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("received %v, want %v", buf[:n], msg)
	}
}
