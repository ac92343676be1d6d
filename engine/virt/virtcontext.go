// Package virt holds VirtContext: the per-hart mirror of the
// architectural M-mode state the firmware believes it owns. The trap
// dispatcher is the only code that mutates it outside of explicit CSR
// write emulation, per invariant V1 of the virtualisation engine.
package virt

import "github.com/rvfw/miralis/engine/arch"

// TrapInfo is the raw information captured at the moment a trap is
// taken, before any emulation happens — the dispatcher classifies on
// this, the firmware never sees it directly (it sees the synthesised
// vCSRs instead).
type TrapInfo struct {
	Mepc    uint64
	Mstatus uint64
	Mcause  arch.MCause
	Mip     uint64
	Mtval   uint64
}

// VirtCsr is the virtual CSR file: the subset of M-mode and S-mode CSRs
// the firmware may observe through trap-and-emulate, plus the vPMP
// shadow multiplexed onto physical PMP slots.
type VirtCsr struct {
	Misa     uint64
	Mie      uint64
	Mip      uint64
	Mideleg  uint64
	Medeleg  uint64
	Mtvec    uint64
	Mscratch uint64
	Mepc     uint64
	Mcause   arch.MCause
	Mtval    uint64
	Mstatus  uint64

	// S-mode CSRs, visible to the payload and snapshotted/scrubbed by
	// the protect-payload policy across a world switch.
	Sstatus  uint64
	Sie      uint64
	Stvec    uint64
	Sscratch uint64
	Sepc     uint64
	Scause   arch.MCause
	Stval    uint64
	Satp     uint64

	// vsatp is the pre-image of S-mode satp. The vMPRV helper does not
	// read it: it replays the faulting access against physical memory
	// without translation.
	Vsatp uint64

	PmpCfg  [8]uint64
	PmpAddr [64]uint64
}

// VirtContext is the complete per-hart virtual firmware state.
type VirtContext struct {
	Regs [arch.NumRegisters]uint64
	PC   uint64

	// Mode is the execution mode the guest currently believes it is
	// running in: U (firmware/vM-mode) or S (payload). M is never
	// observed by the guest.
	Mode arch.Mode

	Csr VirtCsr

	TrapInfo TrapInfo

	HartID uint64
	NbPMP  int

	// MPRV is the firmware's view of mstatus.MPRV, tracked separately
	// from Csr.Mstatus's bit because the real machine never mirrors it
	// — see engine/memaccess.
	MPRV bool

	NbExits uint64
}

// New returns a freshly initialised VirtContext for the given hart,
// with nbPMP virtual PMP registers available to the firmware.
func New(hartID uint64, nbPMP int) *VirtContext {
	return &VirtContext{
		HartID: hartID,
		NbPMP:  nbPMP,
		Mode:   arch.ModeM,
	}
}

// Get reads register r, with x0 hardwired to zero as required by the
// ISA.
func (ctx *VirtContext) Get(r arch.Register) uint64 {
	if r == arch.X0 {
		return 0
	}
	return ctx.Regs[r]
}

// Set writes register r; writes to x0 are discarded.
func (ctx *VirtContext) Set(r arch.Register, v uint64) {
	if r == arch.X0 {
		return
	}
	ctx.Regs[r] = v
}
