package module

import "testing"

func TestIPIFlagsBroadcastOnlyTargetsMaskedHarts(t *testing.T) {
	f := NewIPIFlags(4)
	f.Broadcast(1<<0 | 1<<2)

	if !f.Drain(0) {
		t.Fatalf("hart 0 should have a pending IPI")
	}
	if f.Drain(1) {
		t.Fatalf("hart 1 should not have a pending IPI")
	}
	if !f.Drain(2) {
		t.Fatalf("hart 2 should have a pending IPI")
	}
	if f.Drain(3) {
		t.Fatalf("hart 3 should not have a pending IPI")
	}
}

func TestIPIFlagsDrainIsOneShot(t *testing.T) {
	f := NewIPIFlags(2)
	f.Broadcast(1 << 1)

	if !f.Drain(1) {
		t.Fatalf("expected first drain to observe the flag")
	}
	if f.Drain(1) {
		t.Fatalf("expected second drain to find the flag already cleared")
	}
}

func TestIPIFlagsDrainOutOfRangeHartIsFalse(t *testing.T) {
	f := NewIPIFlags(2)
	if f.Drain(5) {
		t.Fatalf("out-of-range hart should never report a pending IPI")
	}
}
