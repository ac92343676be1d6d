// Package trap implements handle_trap: the dispatcher that classifies
// every trap a hart takes, consults the module chain, emulates
// privileged instructions and ecalls, and decides the next execution
// mode, per the virtualisation engine's core loop.
package trap

import (
	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/cpu"
	"github.com/rvfw/miralis/engine/interrupt"
	"github.com/rvfw/miralis/engine/memaccess"
	"github.com/rvfw/miralis/engine/module"
	"github.com/rvfw/miralis/engine/pmp"
	"github.com/rvfw/miralis/engine/virt"
)

// BuiltinEID and its FIDs are Miralis' own vendor ecall ABI, answered
// directly by the dispatcher when no module claims the ecall first:
// shutdown, benchmark markers, and a single-byte debug print.
const (
	BuiltinEID uint64 = 0x4d49 // "MI"

	FIDShutdown       uint64 = 1
	FIDBenchmarkStart uint64 = 2
	FIDBenchmarkStop  uint64 = 3
	FIDDebugPutChar   uint64 = 4
)

// sbiNotSupported is the two's-complement encoding of SBI's
// NOT_SUPPORTED error, returned in a0 for any ecall nothing claims.
const sbiNotSupported = ^uint64(1)

// Dispatcher owns everything HandleTrap needs beyond the VirtContext
// it is invoked on: the hart's physical memory and real PMP group,
// the vMPRV helper, the module chain, and the hooks for Miralis'
// built-in ABI and live interrupt signals.
type Dispatcher struct {
	Mem      *cpu.Memory
	PMP      *pmp.Group
	vCount   int // V: number of virtual PMP registers the firmware sees
	kMiralis int // K_miralis: Miralis-owned slots preceding the null anchor

	Chain   *module.Chain
	Mprv    *memaccess.Helper
	Signals func() interrupt.Signals
	IPI     *module.IPIFlags

	OnShutdown   func()
	OnBenchmark  func(start bool)
	OnDebugPrint func(b byte)
}

// New builds a Dispatcher. vCount is the number of vPMP registers
// exposed to the firmware; kMiralis is the number of Miralis-owned
// slots preceding the null TOR anchor — vPMP writes land at physical
// slot kMiralis+1+i.
func New(mem *cpu.Memory, realPMP *pmp.Group, chain *module.Chain, mprv *memaccess.Helper, vCount, kMiralis int) *Dispatcher {
	return &Dispatcher{Mem: mem, PMP: realPMP, Chain: chain, Mprv: mprv, vCount: vCount, kMiralis: kMiralis}
}

// HandleTrap consumes one cpu.Trap for ctx, classifying its origin
// mode and cause, and returns shutdown=true once the built-in
// shutdown ecall has been observed.
func (d *Dispatcher) HandleTrap(ctx *virt.VirtContext, t *cpu.Trap) (shutdown bool, err error) {
	ctx.NbExits++
	ctx.TrapInfo = virt.TrapInfo{
		Mepc:    ctx.PC,
		Mstatus: ctx.Csr.Mstatus,
		Mcause:  t.Cause,
		Mtval:   t.Tval,
	}

	previousMode := ctx.Mode
	switch previousMode {
	case arch.ModeU:
		shutdown = d.handleFromFirmware(ctx, t)
	case arch.ModeS:
		shutdown = d.handleFromPayload(ctx, t)
	}

	d.finishTrap(ctx, previousMode)
	return shutdown, nil
}

func (d *Dispatcher) finishTrap(ctx *virt.VirtContext, previousMode arch.Mode) {
	d.Chain.RunDecidedNextExecMode(ctx)
	if ctx.Mode == previousMode {
		return
	}
	if ctx.Mode == arch.ModeU {
		d.Chain.RunSwitchFromPayloadToFirmware(ctx)
	} else {
		d.Chain.RunSwitchFromFirmwareToPayload(ctx)
	}
}

// handleFromFirmware dispatches a trap taken while the firmware (believed
// vM-mode, physical U-mode) was running.
func (d *Dispatcher) handleFromFirmware(ctx *virt.VirtContext, t *cpu.Trap) (shutdown bool) {
	action := d.Chain.RunTrapFromFirmware(&module.TrapContext{Ctx: ctx, Trap: &ctx.TrapInfo})
	if action == module.Overwrite {
		return false
	}

	if t.Cause.IsInterrupt() {
		// Firmware running: real mideleg is always 0, so every pending
		// interrupt already traps here. Latch the bit this trap
		// represents before synthesising so the firmware's own handler
		// observes it on vmip.
		if bit := t.Cause.InterruptBit(); bit >= 0 {
			ctx.Csr.Mip |= 1 << uint(bit)
		}
		d.synthesizeTrapIntoFirmware(ctx, t.Cause, t.Tval, arch.ModeU)
		return false
	}

	switch t.Cause {
	case arch.CauseIllegalInstruction:
		return d.emulatePrivileged(ctx, t.Tval)
	case arch.CauseEcallFromU:
		return d.handleEcallFromFirmware(ctx)
	default:
		d.synthesizeTrapIntoFirmware(ctx, t.Cause, t.Tval, arch.ModeU)
		return false
	}
}

// handleFromPayload dispatches a trap taken while the payload (S-mode)
// was running.
func (d *Dispatcher) handleFromPayload(ctx *virt.VirtContext, t *cpu.Trap) (shutdown bool) {
	if t.Cause.IsInterrupt() {
		d.deliverToFirmware(ctx, t.Cause, t.Tval)
		return false
	}

	if t.Cause == arch.CauseEcallFromS {
		action := d.Chain.RunEcallFromPayload(&module.EcallContext{
			Ctx: ctx, EID: ctx.Get(arch.X17), FID: ctx.Get(arch.X16),
		})
		if action == module.Overwrite {
			return false
		}
		d.deliverToFirmware(ctx, t.Cause, t.Tval)
		return false
	}

	action := d.Chain.RunTrapFromPayload(&module.TrapContext{Ctx: ctx, Trap: &ctx.TrapInfo})
	if action == module.Overwrite {
		return false
	}

	if t.Cause < 64 && ctx.Csr.Medeleg&(1<<uint(t.Cause)) != 0 {
		d.redeliverToPayload(ctx, t.Cause, t.Tval)
	} else {
		d.deliverToFirmware(ctx, t.Cause, t.Tval)
	}
	return false
}

// emulatePrivileged decodes rawOrHalfword (carried in the trap's
// mtval) and emulates the CSR/MRET/WFI/SFENCE.VMA instruction that
// caused the firmware's illegal-instruction trap. Anything it cannot
// recognise — including the 16-bit encodings RVC traps report — is
// redelivered to the firmware's own vM-mode trap handler.
func (d *Dispatcher) emulatePrivileged(ctx *virt.VirtContext, rawOrHalfword uint64) (shutdown bool) {
	if rawOrHalfword&0x3 != 0x3 {
		// A compressed (16-bit) encoding: not an instruction this
		// interpreter or this dispatcher ever emulates.
		d.synthesizeTrapIntoFirmware(ctx, arch.CauseIllegalInstruction, rawOrHalfword, arch.ModeU)
		return false
	}

	raw := uint32(rawOrHalfword)
	inst := cpu.Decode(raw)

	switch {
	case inst.Opcode != 0x73:
		d.synthesizeTrapIntoFirmware(ctx, arch.CauseIllegalInstruction, rawOrHalfword, arch.ModeU)
	case raw == 0x30200073: // MRET
		d.emulateMret(ctx)
	case raw == 0x10500073: // WFI
		ctx.PC += 4
	case inst.Funct3 == 0 && inst.Funct7 == 0x09: // SFENCE.VMA
		ctx.PC += 4
	case inst.Funct3 != 0: // CSRRW/CSRRS/CSRRC and the immediate forms
		if d.emulateCSR(ctx, inst) {
			ctx.PC += 4
		}
	default:
		d.synthesizeTrapIntoFirmware(ctx, arch.CauseIllegalInstruction, rawOrHalfword, arch.ModeU)
	}
	return false
}

// emulateMret loads vmstatus.MPP/MPIE into the next execution mode
// and jumps to vmepc, exactly as real mret does for a real M-mode.
func (d *Dispatcher) emulateMret(ctx *virt.VirtContext) {
	nextMode := arch.MPP(ctx.Csr.Mstatus)
	mie := arch.StatusBit(ctx.Csr.Mstatus, arch.MstatusMPIEBit)
	status := arch.SetStatusBit(ctx.Csr.Mstatus, arch.MstatusMIEBit, mie)
	status = arch.SetStatusBit(status, arch.MstatusMPIEBit, true)
	status = arch.SetMPP(status, arch.ModeU)
	ctx.Csr.Mstatus = status
	ctx.PC = ctx.Csr.Mepc

	if nextMode == arch.ModeS {
		ctx.Mode = arch.ModeS
	} else {
		ctx.Mode = arch.ModeU
	}
}

// handleEcallFromFirmware runs the module chain, then falls back to
// Miralis' own built-in ABI.
func (d *Dispatcher) handleEcallFromFirmware(ctx *virt.VirtContext) (shutdown bool) {
	eid, fid := ctx.Get(arch.X17), ctx.Get(arch.X16)
	action := d.Chain.RunEcallFromFirmware(&module.EcallContext{Ctx: ctx, EID: eid, FID: fid})
	if action == module.Overwrite {
		return false
	}

	if eid != BuiltinEID {
		ctx.Set(arch.X10, sbiNotSupported)
		ctx.PC += 4
		return false
	}

	switch fid {
	case FIDShutdown:
		d.Chain.RunOnShutdown(ctx)
		if d.OnShutdown != nil {
			d.OnShutdown()
		}
		return true
	case FIDBenchmarkStart:
		if d.OnBenchmark != nil {
			d.OnBenchmark(true)
		}
	case FIDBenchmarkStop:
		if d.OnBenchmark != nil {
			d.OnBenchmark(false)
		}
	case FIDDebugPutChar:
		if d.OnDebugPrint != nil {
			d.OnDebugPrint(byte(ctx.Get(arch.X10)))
		}
	default:
		ctx.Set(arch.X10, sbiNotSupported)
	}
	ctx.PC += 4
	return false
}

// synthesizeTrapIntoFirmware delivers a trap to the firmware's own
// believed M-mode trap handler: the firmware is both the faulting
// context and its own handler, since it believes itself to be at the
// highest privilege level. guestMode is the virtual privilege the
// trap was taken from — ModeU for firmware-origin traps (vmstatus.MPP
// ends up M) or ModeS for payload-origin traps forwarded up to the
// firmware (vmstatus.MPP ends up S), mirroring a real hart's mstatus.MPP
// recording the mode the trap interrupted.
func (d *Dispatcher) synthesizeTrapIntoFirmware(ctx *virt.VirtContext, cause arch.MCause, tval uint64, guestMode arch.Mode) {
	ctx.Csr.Mcause = cause
	ctx.Csr.Mepc = ctx.PC
	ctx.Csr.Mtval = tval
	mie := arch.StatusBit(ctx.Csr.Mstatus, arch.MstatusMIEBit)
	status := arch.SetStatusBit(ctx.Csr.Mstatus, arch.MstatusMPIEBit, mie)
	status = arch.SetStatusBit(status, arch.MstatusMIEBit, false)
	mpp := arch.ModeM
	if guestMode == arch.ModeS {
		mpp = arch.ModeS
	}
	status = arch.SetMPP(status, mpp)
	ctx.Csr.Mstatus = status
	ctx.PC = ctx.Csr.Mtvec
}

// deliverToFirmware forwards a payload-originated event (an
// undelegated interrupt, an unhandled exception, or a forwarded
// ecall) up to the firmware and switches execution to it.
func (d *Dispatcher) deliverToFirmware(ctx *virt.VirtContext, cause arch.MCause, tval uint64) {
	d.synthesizeTrapIntoFirmware(ctx, cause, tval, arch.ModeS)
	ctx.Mode = arch.ModeU
}

// redeliverToPayload delivers a synchronous exception the firmware has
// delegated (via vmedeleg) directly to the payload's own S-mode trap
// handler, without ever involving the firmware.
func (d *Dispatcher) redeliverToPayload(ctx *virt.VirtContext, cause arch.MCause, tval uint64) {
	ctx.Csr.Scause = cause
	ctx.Csr.Sepc = ctx.PC
	ctx.Csr.Stval = tval
	sie := arch.StatusBit(ctx.Csr.Sstatus, arch.MstatusSIEBit)
	status := arch.SetStatusBit(ctx.Csr.Sstatus, arch.MstatusSPIEBit, sie)
	status = arch.SetStatusBit(status, arch.MstatusSIEBit, false)
	status = arch.SetStatusBit(status, arch.MstatusSPPBit, true)
	ctx.Csr.Sstatus = status
	ctx.PC = ctx.Csr.Stvec
}
