package trap

import (
	"testing"

	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/cpu"
)

// csrrw x1, mscratch, x2  (funct3=001, rd=1, rs1=2, csr=0x340)
func encodeCSRRW(rd, rs1 arch.Register, csr arch.CSR) uint32 {
	return uint32(csr)<<20 | uint32(rs1)<<15 | 0b001<<12 | uint32(rd)<<7 | 0x73
}

func TestEmulateCSRReadWriteRoundtrip(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Set(arch.X2, 0xdeadbeef)
	ctx.Csr.Mscratch = 0x1111

	inst := cpu.Decode(encodeCSRRW(arch.X1, arch.X2, arch.CsrMscratch))
	d.emulateCSR(ctx, inst)

	if ctx.Get(arch.X1) != 0x1111 {
		t.Fatalf("rd = %#x, want old mscratch", ctx.Get(arch.X1))
	}
	if ctx.Csr.Mscratch != 0xdeadbeef {
		t.Fatalf("mscratch = %#x, want new value", ctx.Csr.Mscratch)
	}
}

func TestCanonicalizeMstatusPinsMPPToUser(t *testing.T) {
	v := arch.SetMPP(0, arch.ModeM)
	got := canonicalize(arch.CsrMstatus, v)
	if arch.MPP(got) != arch.ModeU {
		t.Fatalf("MPP = %v, want U", arch.MPP(got))
	}
}

func TestCanonicalizeMstatusLeavesLegalMPP(t *testing.T) {
	v := arch.SetMPP(0, arch.ModeS)
	got := canonicalize(arch.CsrMstatus, v)
	if arch.MPP(got) != arch.ModeS {
		t.Fatalf("MPP = %v, want S", arch.MPP(got))
	}
}

func TestWriteCSRMieGoesThroughInterruptVirtualiser(t *testing.T) {
	d, ctx := newTestDispatcher()
	d.writeCSR(ctx, arch.CsrMie, 1<<uint(arch.BitMTIP))
	if ctx.Csr.Mie != 1<<uint(arch.BitMTIP) {
		t.Fatalf("mie = %#x", ctx.Csr.Mie)
	}
	if got, ok := d.readCSR(ctx, arch.CsrMie); !ok || got != 1<<uint(arch.BitMTIP) {
		t.Fatalf("readCSR(mie) = %#x, ok=%v", got, ok)
	}
}

func TestWriteCSRMisaIsReadOnly(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Csr.Misa = 0x800000000014112d
	d.writeCSR(ctx, arch.CsrMisa, 0)
	if ctx.Csr.Misa != 0x800000000014112d {
		t.Fatalf("misa changed: %#x", ctx.Csr.Misa)
	}
}

func TestWriteCSRHartidIsReadOnly(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.HartID = 3
	d.writeCSR(ctx, arch.CsrMhartid, 7)
	if got, ok := d.readCSR(ctx, arch.CsrMhartid); !ok || got != 3 {
		t.Fatalf("mhartid = %d, want 3, ok=%v", got, ok)
	}
}

func TestReadWriteCSRSstatusAndSatpRoundtrip(t *testing.T) {
	d, ctx := newTestDispatcher()
	if !d.writeCSR(ctx, arch.CsrSstatus, 0x22) {
		t.Fatalf("writeCSR(sstatus) reported unhandled")
	}
	if got, ok := d.readCSR(ctx, arch.CsrSstatus); !ok || got != 0x22 {
		t.Fatalf("sstatus = %#x, ok=%v, want 0x22", got, ok)
	}

	if !d.writeCSR(ctx, arch.CsrSatp, 0x8000000000012345) {
		t.Fatalf("writeCSR(satp) reported unhandled")
	}
	if got, ok := d.readCSR(ctx, arch.CsrSatp); !ok || got != 0x8000000000012345 {
		t.Fatalf("satp = %#x, ok=%v", got, ok)
	}
}

func TestEmulateCSRUnknownCSRSynthesizesIllegalInstructionTrap(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Csr.Mtvec = 0x8000
	ctx.PC = 0x100

	inst := cpu.Decode(encodeCSRRW(arch.X1, arch.X2, 0x7c0)) // not a CSR Miralis emulates
	handled := d.emulateCSR(ctx, inst)

	if handled {
		t.Fatalf("expected emulateCSR to report the CSR as unhandled")
	}
	if ctx.Csr.Mcause != arch.CauseIllegalInstruction {
		t.Fatalf("mcause = %v, want CauseIllegalInstruction", ctx.Csr.Mcause)
	}
	if ctx.PC != 0x8000 {
		t.Fatalf("pc = %#x, want mtvec", ctx.PC)
	}
}

func TestWriteCSRPmpCfgPropagatesToRealPMP(t *testing.T) {
	d, ctx := newTestDispatcher()
	d.writeCSR(ctx, arch.CsrPmpaddr0, 0x12345)
	d.writeCSR(ctx, arch.CsrPmpcfg0, 0x0f) // slot 0: TOR + RWX

	if ctx.Csr.PmpAddr[0] != 0x12345 {
		t.Fatalf("vpmpaddr0 = %#x", ctx.Csr.PmpAddr[0])
	}
	physAddr := d.PMP.PmpAddr()[d.kMiralis+1]
	if physAddr != 0x12345 {
		t.Fatalf("physical pmpaddr at slot %d = %#x, want propagated value", d.kMiralis+1, physAddr)
	}
}
