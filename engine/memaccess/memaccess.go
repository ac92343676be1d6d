// Package memaccess implements the virtual memory access helper
// triggered when the firmware sets vmstatus.MPRV=1: a single
// load/store emulated against physical memory without ever mirroring
// MPRV into real hardware.
package memaccess

import (
	"fmt"

	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/cpu"
	"github.com/rvfw/miralis/engine/pmp"
	"github.com/rvfw/miralis/engine/virt"
)

// Helper owns the one Miralis PMP slot reserved to make every
// firmware load/store trap while vMPRV is active, per spec.md's
// 4-step algorithm.
type Helper struct {
	pmpGroup *pmp.Group
	trapSlot int
}

// NewHelper binds a Helper to the Miralis-owned PMP slot at trapSlot
// within group — by convention the first slot in the Miralis-owned
// prefix (spec.md §3's PMP shadow layout, slot range [0, K_miralis)).
func NewHelper(group *pmp.Group, trapSlot int) *Helper {
	return &Helper{pmpGroup: group, trapSlot: trapSlot}
}

// Activate is called on the vMPRV 0→1 transition: it configures the
// trapping slot to deny every access, so that the very next firmware
// load/store faults into Miralis instead of completing directly.
func (h *Helper) Activate() {
	h.pmpGroup.Set(h.trapSlot, ^uint64(0), pmp.NoPermissions)
}

// Deactivate is called on the vMPRV 1→0 transition, restoring normal
// operation.
func (h *Helper) Deactivate() {
	h.pmpGroup.SetInactive(h.trapSlot, 0)
}

// ErrNestedFault is returned when the single emulated instruction
// itself faults — the caller must then deliver the fault to the
// firmware with mepc equal to the original instruction's address
// rather than treating this as a new, nested trap (spec.md §4.4 step
// 3).
var ErrNestedFault = fmt.Errorf("memaccess: fault during single-step emulation")

// EmulateOne performs steps 2-3 of the vMPRV algorithm: it decodes the
// single load/store instruction at faultingPC and replays it directly
// against physical memory.
//
// No address translation takes place: EmulateOne does not read
// ctx.Csr.Vsatp and walks no page tables, so the computed address is
// used as a physical address.
func EmulateOne(ctx *virt.VirtContext, mem *cpu.Memory, faultingPC uint64) error {
	raw, err := cpu.FetchWord(mem, faultingPC)
	if err != nil {
		return fmt.Errorf("%w: fetch at %#x: %v", ErrNestedFault, faultingPC, err)
	}

	info, ok := cpu.DecodeLoadStore(raw)
	if !ok {
		return fmt.Errorf("memaccess: instruction at %#x is not a load/store", faultingPC)
	}

	addr := ctx.Get(info.Rs1) + uint64(info.Imm)

	if info.IsStore {
		v := ctx.Get(info.Rs2)
		if err := storeWidth(mem, addr, v, info.Width); err != nil {
			return fmt.Errorf("%w: %v", ErrNestedFault, err)
		}
	} else {
		v, err := loadWidth(mem, addr, info.Width, info.Signed)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNestedFault, err)
		}
		ctx.Set(info.Rd, v)
	}

	ctx.PC = faultingPC + 4
	return nil
}

func loadWidth(mem *cpu.Memory, addr uint64, width int, signed bool) (uint64, error) {
	switch width {
	case 1:
		v, err := mem.ReadByte(addr)
		if err != nil {
			return 0, err
		}
		if signed {
			return uint64(int64(int8(v))), nil
		}
		return uint64(v), nil
	case 2:
		v, err := mem.ReadUint16(addr)
		if err != nil {
			return 0, err
		}
		if signed {
			return uint64(int64(int16(v))), nil
		}
		return uint64(v), nil
	case 4:
		v, err := mem.ReadUint32(addr)
		if err != nil {
			return 0, err
		}
		if signed {
			return uint64(int64(int32(v))), nil
		}
		return uint64(v), nil
	case 8:
		return mem.ReadUint64(addr)
	default:
		return 0, fmt.Errorf("memaccess: unsupported load width %d", width)
	}
}

func storeWidth(mem *cpu.Memory, addr, v uint64, width int) error {
	switch width {
	case 1:
		return mem.WriteByte(addr, byte(v))
	case 2:
		return mem.WriteUint16(addr, uint16(v))
	case 4:
		return mem.WriteUint32(addr, uint32(v))
	case 8:
		return mem.WriteUint64(addr, v)
	default:
		return fmt.Errorf("memaccess: unsupported store width %d", width)
	}
}

// ParseMPPReturnMode reports the mode a trap should be delivered from,
// derived from mstatus.MPP at the moment MPRV was engaged — mirroring
// the upstream parse_mpp_return_mode helper.
func ParseMPPReturnMode(mstatus uint64) arch.Mode {
	return arch.MPP(mstatus)
}
