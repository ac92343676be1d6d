package virt

import (
	"testing"

	"github.com/rvfw/miralis/engine/arch"
)

func TestX0AlwaysReadsZero(t *testing.T) {
	ctx := New(0, 8)
	ctx.Set(arch.X0, 0xdeadbeef)
	if got := ctx.Get(arch.X0); got != 0 {
		t.Fatalf("Get(X0) = %#x, want 0", got)
	}
}

func TestRegisterSetGetRoundTrips(t *testing.T) {
	ctx := New(0, 8)
	ctx.Set(arch.X10, 42)
	if got := ctx.Get(arch.X10); got != 42 {
		t.Fatalf("Get(X10) = %d, want 42", got)
	}
}

func TestNewInitialisesHartIDAndPMPBudget(t *testing.T) {
	ctx := New(3, 12)
	if ctx.HartID != 3 {
		t.Fatalf("HartID = %d, want 3", ctx.HartID)
	}
	if ctx.NbPMP != 12 {
		t.Fatalf("NbPMP = %d, want 12", ctx.NbPMP)
	}
}
