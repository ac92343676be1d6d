package trap

import (
	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/cpu"
	"github.com/rvfw/miralis/engine/interrupt"
	"github.com/rvfw/miralis/engine/virt"
)

// emulateCSR performs the CSR read/write the firmware intended by its
// trapped CSRRW/CSRRS/CSRRC(I) instruction, reading and writing the
// vCSR file. mie/mip go through the interrupt virtualiser's SEIP OR
// rule; pmpcfg/pmpaddr additionally flow through to the real PMP
// slots the PMP virtualiser owns for this hart. It reports whether the
// CSR is one Miralis emulates; on false it has already synthesised a
// virtual illegal-instruction trap into the firmware and the caller
// must not advance vmepc itself.
func (d *Dispatcher) emulateCSR(ctx *virt.VirtContext, inst cpu.Instruction) bool {
	old, ok := d.readCSR(ctx, inst.Csr)
	if !ok {
		d.synthesizeTrapIntoFirmware(ctx, arch.CauseIllegalInstruction, uint64(inst.Raw), arch.ModeU)
		return false
	}

	var src uint64
	immediate := inst.Funct3&0x4 != 0
	if immediate {
		src = uint64(inst.Rs1)
	} else {
		src = ctx.Get(inst.Rs1)
	}

	var new uint64
	switch inst.Funct3 & 0x3 {
	case 0b01: // CSRRW / CSRRWI
		new = src
	case 0b10: // CSRRS / CSRRSI
		new = old | src
	case 0b11: // CSRRC / CSRRCI
		new = old &^ src
	}
	if !d.writeCSR(ctx, inst.Csr, canonicalize(inst.Csr, new)) {
		d.synthesizeTrapIntoFirmware(ctx, arch.CauseIllegalInstruction, uint64(inst.Raw), arch.ModeU)
		return false
	}
	ctx.Set(inst.Rd, old)
	return true
}

// canonicalize applies WARL (write-any read-legal) masking before a
// vCSR write is stored: fields with no legal value for a bit pattern
// are pinned to their only legal encoding rather than rejected.
func canonicalize(csr arch.CSR, v uint64) uint64 {
	switch csr {
	case arch.CsrMstatus:
		// The firmware cannot write MPP=M: such a write is stored as U.
		// (Trap entry from the firmware still records MPP=M itself.)
		if arch.MPP(v) == arch.ModeM {
			v = arch.SetMPP(v, arch.ModeU)
		}
	}
	return v
}

// readCSR reports the CSR's current value and whether Miralis
// emulates it at all; ok=false means the CSR is genuinely
// unimplemented and the firmware's access must be refused rather than
// answered with a made-up value.
func (d *Dispatcher) readCSR(ctx *virt.VirtContext, csr arch.CSR) (v uint64, ok bool) {
	switch {
	case csr == arch.CsrMstatus:
		return ctx.Csr.Mstatus, true
	case csr == arch.CsrMisa:
		return ctx.Csr.Misa, true
	case csr == arch.CsrMedeleg:
		return ctx.Csr.Medeleg, true
	case csr == arch.CsrMideleg:
		return ctx.Csr.Mideleg, true
	case csr == arch.CsrMie:
		return interrupt.ReadMie(&ctx.Csr), true
	case csr == arch.CsrMtvec:
		return ctx.Csr.Mtvec, true
	case csr == arch.CsrMscratch:
		return ctx.Csr.Mscratch, true
	case csr == arch.CsrMepc:
		return ctx.Csr.Mepc, true
	case csr == arch.CsrMcause:
		return uint64(ctx.Csr.Mcause), true
	case csr == arch.CsrMtval:
		return ctx.Csr.Mtval, true
	case csr == arch.CsrMip:
		return interrupt.ReadMip(&ctx.Csr, d.liveSignals()), true
	case csr == arch.CsrMvendorid, csr == arch.CsrMarchid, csr == arch.CsrMimpid:
		return 0, true
	case csr == arch.CsrMhartid:
		return ctx.HartID, true
	case csr == arch.CsrSstatus:
		return ctx.Csr.Sstatus, true
	case csr == arch.CsrSie:
		return ctx.Csr.Sie, true
	case csr == arch.CsrStvec:
		return ctx.Csr.Stvec, true
	case csr == arch.CsrSscratch:
		return ctx.Csr.Sscratch, true
	case csr == arch.CsrSepc:
		return ctx.Csr.Sepc, true
	case csr == arch.CsrScause:
		return uint64(ctx.Csr.Scause), true
	case csr == arch.CsrStval:
		return ctx.Csr.Stval, true
	case csr == arch.CsrSip:
		return interrupt.ReadMip(&ctx.Csr, d.liveSignals()) & ctx.Csr.Mideleg, true
	case csr == arch.CsrSatp:
		return ctx.Csr.Satp, true
	case csr >= arch.CsrPmpcfg0 && csr < arch.CsrPmpcfg0+8:
		return ctx.Csr.PmpCfg[csr-arch.CsrPmpcfg0], true
	case csr >= arch.CsrPmpaddr0 && csr < arch.CsrPmpaddr0+64:
		return ctx.Csr.PmpAddr[csr-arch.CsrPmpaddr0], true
	default:
		return 0, false
	}
}

// writeCSR stores v into the named CSR, reporting whether Miralis
// emulates it; ok=false means the firmware's write must be refused.
func (d *Dispatcher) writeCSR(ctx *virt.VirtContext, csr arch.CSR, v uint64) (ok bool) {
	switch {
	case csr == arch.CsrMstatus:
		ctx.Csr.Mstatus = v
	case csr == arch.CsrMisa:
		// misa is read-only in this model: writes are ignored and reads
		// return whatever ctx.Csr.Misa already holds.
	case csr == arch.CsrMedeleg:
		ctx.Csr.Medeleg = v
	case csr == arch.CsrMideleg:
		ctx.Csr.Mideleg = v
	case csr == arch.CsrMie:
		interrupt.WriteMie(&ctx.Csr, v)
	case csr == arch.CsrMtvec:
		ctx.Csr.Mtvec = v
	case csr == arch.CsrMscratch:
		ctx.Csr.Mscratch = v
	case csr == arch.CsrMepc:
		ctx.Csr.Mepc = v
	case csr == arch.CsrMcause:
		ctx.Csr.Mcause = arch.MCause(v)
	case csr == arch.CsrMtval:
		ctx.Csr.Mtval = v
	case csr == arch.CsrMip:
		interrupt.WriteMip(&ctx.Csr, v)
	case csr == arch.CsrSstatus:
		ctx.Csr.Sstatus = v
	case csr == arch.CsrSie:
		ctx.Csr.Sie = v
	case csr == arch.CsrStvec:
		ctx.Csr.Stvec = v
	case csr == arch.CsrSscratch:
		ctx.Csr.Sscratch = v
	case csr == arch.CsrSepc:
		ctx.Csr.Sepc = v
	case csr == arch.CsrScause:
		ctx.Csr.Scause = arch.MCause(v)
	case csr == arch.CsrStval:
		ctx.Csr.Stval = v
	case csr == arch.CsrSip:
		full := interrupt.ReadMip(&ctx.Csr, d.liveSignals())
		interrupt.WriteMip(&ctx.Csr, (full&^ctx.Csr.Mideleg)|(v&ctx.Csr.Mideleg))
	case csr == arch.CsrSatp:
		ctx.Csr.Satp = v
	case csr >= arch.CsrPmpcfg0 && csr < arch.CsrPmpcfg0+8:
		d.writePmpCfgWord(ctx, int(csr-arch.CsrPmpcfg0), v)
	case csr >= arch.CsrPmpaddr0 && csr < arch.CsrPmpaddr0+64:
		d.writePmpAddr(ctx, int(csr-arch.CsrPmpaddr0), v)
	default:
		return false
	}
	return true
}

// liveSignals samples the hardware interrupt lines, or reports none
// set if this Dispatcher was built without a Signals source (e.g. in
// a test harness).
func (d *Dispatcher) liveSignals() interrupt.Signals {
	if d.Signals == nil {
		return interrupt.Signals{}
	}
	return d.Signals()
}
