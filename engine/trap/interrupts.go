package trap

import (
	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/interrupt"
	"github.com/rvfw/miralis/engine/virt"
)

var interruptBits = []int{arch.BitMEIP, arch.BitMSIP, arch.BitMTIP, arch.BitSEIP, arch.BitSSIP, arch.BitSTIP}

var causeForBit = map[int]arch.MCause{
	arch.BitSSIP: arch.CauseSupervisorSoftwareInterrupt,
	arch.BitMSIP: arch.CauseMachineSoftwareInterrupt,
	arch.BitSTIP: arch.CauseSupervisorTimerInterrupt,
	arch.BitMTIP: arch.CauseMachineTimerInterrupt,
	arch.BitSEIP: arch.CauseSupervisorExternalInterrupt,
	arch.BitMEIP: arch.CauseMachineExternalInterrupt,
}

// PendingInterrupt reports the highest-priority interrupt the hart run
// loop must hand to HandleTrap before executing ctx's next instruction,
// checked against the real mip/mie/mideleg a hart in ctx.Mode would
// actually observe — the delivery contract from the interrupt
// virtualiser's per-world table.
func (d *Dispatcher) PendingInterrupt(ctx *virt.VirtContext) (cause arch.MCause, ok bool) {
	sig := d.liveSignals()
	hwMIP := interrupt.ReadMip(&ctx.Csr, sig)

	for _, bit := range interruptBits {
		if interrupt.ShouldDeliverToFirmware(&ctx.Csr, hwMIP, bit, ctx.Mode) {
			return causeForBit[bit], true
		}
	}
	return arch.CauseUnknown, false
}
