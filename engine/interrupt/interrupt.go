// Package interrupt implements the mie/mip/mideleg/mstatus.MIE
// layering between the real hardware CSRs and the firmware's virtual
// view of them, including the SEIP OR-with-hardware-signal read rule
// and the MSI/MEI live-sampling rule.
package interrupt

import (
	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/virt"
)

// Signals is the live state of the interrupt lines hardware drives
// directly, sampled fresh on every read rather than stored in the
// virtual CSR file. SEIP is OR'd with the software-writable latch;
// MSIP and MEIP fully override the stored bit, since firmware cannot
// meaningfully clear a line hardware is actively asserting.
type Signals struct {
	SEIP bool
	MSIP bool
	MEIP bool
}

// mipHardwareMask covers the three bits whose read value is not simply
// the stored register.
const mipHardwareMask = uint64(1)<<arch.BitSEIP | uint64(1)<<arch.BitMSIP | uint64(1)<<arch.BitMEIP

// ReadMip computes the value the firmware observes when it reads vmip:
// every bit comes from the stored register except SEIP (OR'd with the
// live external signal) and MSIP/MEIP (replaced outright by the live
// signal). This is invariant I-SEIP's read half.
func ReadMip(csr *virt.VirtCsr, sig Signals) uint64 {
	value := csr.Mip &^ mipHardwareMask
	if (csr.Mip&(1<<arch.BitSEIP) != 0) || sig.SEIP {
		value |= 1 << arch.BitSEIP
	}
	if sig.MSIP {
		value |= 1 << arch.BitMSIP
	}
	if sig.MEIP {
		value |= 1 << arch.BitMEIP
	}
	return value
}

// WriteMip stores a firmware write to vmip. Only the software-writable
// SEIP latch is affected among the hardware-sampled bits; MSIP and MEIP
// writes are discarded since the hardware signal is authoritative for
// them. This is invariant I-SEIP's write half.
func WriteMip(csr *virt.VirtCsr, value uint64) {
	keep := csr.Mip & (uint64(1)<<arch.BitMSIP | uint64(1)<<arch.BitMEIP)
	seip := value & (1 << arch.BitSEIP)
	rest := value &^ mipHardwareMask
	csr.Mip = rest | seip | keep
}

// ReadMie returns the stored vmie register; mie has no hardware-signal
// component, unlike mip.
func ReadMie(csr *virt.VirtCsr) uint64 { return csr.Mie }

// WriteMie stores a firmware write to vmie verbatim.
func WriteMie(csr *virt.VirtCsr, value uint64) { csr.Mie = value }

// RealMIE computes what the physical mie register must hold for the
// given execution mode, per the per-world contracts of the interrupt
// virtualiser:
//   - firmware running: vmie & ~vmideleg, and only if vmstatus.MIE is
//     set — global M-mode enabling is otherwise implicit, but Miralis
//     must not let a disabled firmware observe interrupts it masked.
//   - payload running: vmie verbatim; delegated bits are handled by the
//     payload directly without trapping to Miralis.
func RealMIE(csr *virt.VirtCsr, mode arch.Mode) uint64 {
	switch mode {
	case arch.ModeU: // firmware / vM-mode
		if !arch.StatusBit(csr.Mstatus, arch.MstatusMIEBit) {
			return 0
		}
		return csr.Mie &^ csr.Mideleg
	case arch.ModeS: // payload
		return csr.Mie
	default:
		return 0
	}
}

// RealMIDELEG computes the physical mideleg register for the given
// mode: always 0 while firmware runs (Miralis intercepts everything),
// the firmware's own vmideleg while the payload runs (so delegated
// interrupts go straight to the payload without a world switch).
func RealMIDELEG(csr *virt.VirtCsr, mode arch.Mode) uint64 {
	if mode == arch.ModeS {
		return csr.Mideleg
	}
	return 0
}

// ShouldDeliverToFirmware reports whether a pending interrupt on bit i
// must be synthesised into the firmware, matching invariants
// I-DELIVERY-VM and I-DELIVERY-S. hwMIP is the real mip value (as
// observed by Miralis, i.e. already reflecting live hardware signals);
// running is the world that was executing when the interrupt arrived.
func ShouldDeliverToFirmware(csr *virt.VirtCsr, hwMIP uint64, bit int, running arch.Mode) bool {
	pending := hwMIP&(1<<uint(bit)) != 0
	enabled := csr.Mie&(1<<uint(bit)) != 0
	delegated := csr.Mideleg&(1<<uint(bit)) != 0
	if !pending || !enabled || delegated {
		return false
	}
	if running == arch.ModeU {
		return arch.StatusBit(csr.Mstatus, arch.MstatusMIEBit)
	}
	// Payload running: delegated bits never reach Miralis at all (they
	// trap directly to S-mode); everything else that is pending and
	// enabled is delivered regardless of vmstatus.MIE, since that bit
	// governs the firmware's own masking, not the payload's.
	return true
}
