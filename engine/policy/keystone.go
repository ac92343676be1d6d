package policy

import (
	"fmt"

	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/module"
	"github.com/rvfw/miralis/engine/pmp"
	"github.com/rvfw/miralis/engine/virt"
)

// KeystoneEID/FID values mirror the vendor ecall convention used by
// the other policies: x17 selects the policy, x16 selects a function
// within it.
const (
	MiralisKeystoneEID       uint64 = 0x4b53 // "KS"
	KeystoneCreateEnclaveFID uint64 = 1
	KeystoneDestroyEnclaveFID uint64 = 2
	KeystoneEnterEnclaveFID  uint64 = 3
	KeystoneExitEnclaveFID   uint64 = 4
)

// enclave is one reserved PMP-backed memory range, analogous to an
// Intel MPK domain key — here keyed by a single PMP slot rather than a
// protection-key tag, since the hardware primitive is PMP.
type enclave struct {
	id         uint64
	base, size uint64
	pmpSlot    int
}

// KeystonePolicy is an enclave-style policy stub: it reserves its own
// PMP budget and tracks, per hart, which enclave (if any) is
// currently active, denying the firmware access to an active
// enclave's memory for the duration.
type KeystonePolicy struct {
	module.NopModule

	pmpGroup  *pmp.Group
	pmpOffset int
	nbSlots   int

	enclaves []enclave
	nextID   uint64
	activeID uint64 // 0 means no enclave active
}

// NewKeystonePolicy reserves nbSlots contiguous PMP slots starting at
// pmpOffset, one per concurrently-resident enclave.
func NewKeystonePolicy(group *pmp.Group, pmpOffset, nbSlots int) *KeystonePolicy {
	return &KeystonePolicy{pmpGroup: group, pmpOffset: pmpOffset, nbSlots: nbSlots, nextID: 1}
}

func (p *KeystonePolicy) Name() string { return "keystone" }

func (p *KeystonePolicy) isPolicyCall(ctx *virt.VirtContext) bool {
	return ctx.Get(arch.X17) == MiralisKeystoneEID
}

func (p *KeystonePolicy) EcallFromPayload(ec *module.EcallContext) module.Action {
	if !p.isPolicyCall(ec.Ctx) {
		return module.Ignore
	}

	switch ec.Ctx.Get(arch.X16) {
	case KeystoneCreateEnclaveFID:
		base, size := ec.Ctx.Get(arch.X10), ec.Ctx.Get(arch.X11)
		id, err := p.createEnclave(base, size)
		if err != nil {
			ec.Ctx.Set(arch.X10, ^uint64(0))
		} else {
			ec.Ctx.Set(arch.X10, id)
		}
	case KeystoneDestroyEnclaveFID:
		p.destroyEnclave(ec.Ctx.Get(arch.X10))
	case KeystoneEnterEnclaveFID:
		p.enterEnclave(ec.Ctx.Get(arch.X10))
	case KeystoneExitEnclaveFID:
		p.exitEnclave()
	default:
		return module.Ignore
	}

	ec.Ctx.PC += 4
	return module.Overwrite
}

func (p *KeystonePolicy) createEnclave(base, size uint64) (uint64, error) {
	if len(p.enclaves) >= p.nbSlots {
		return 0, fmt.Errorf("keystone: no free PMP slot for a new enclave")
	}
	id := p.nextID
	p.nextID++
	p.enclaves = append(p.enclaves, enclave{id: id, base: base, size: size, pmpSlot: p.pmpOffset + len(p.enclaves)})
	return id, nil
}

func (p *KeystonePolicy) destroyEnclave(id uint64) {
	for i, e := range p.enclaves {
		if e.id == id {
			p.pmpGroup.SetInactive(e.pmpSlot, 0)
			p.enclaves = append(p.enclaves[:i], p.enclaves[i+1:]...)
			if p.activeID == id {
				p.activeID = 0
			}
			return
		}
	}
}

func (p *KeystonePolicy) enterEnclave(id uint64) {
	for _, e := range p.enclaves {
		if e.id == id {
			p.pmpGroup.Set(e.pmpSlot, e.base+e.size, pmp.NoPermissions)
			p.activeID = id
			return
		}
	}
}

func (p *KeystonePolicy) exitEnclave() {
	for _, e := range p.enclaves {
		if e.id == p.activeID {
			p.pmpGroup.SetInactive(e.pmpSlot, 0)
		}
	}
	p.activeID = 0
}

// SwitchFromPayloadToFirmware denies the firmware access to whichever
// enclave range is currently active, same as the protect-payload
// policy locks the whole payload.
func (p *KeystonePolicy) SwitchFromPayloadToFirmware(ctx *virt.VirtContext) {
	if p.activeID == 0 {
		return
	}
	for _, e := range p.enclaves {
		if e.id == p.activeID {
			p.pmpGroup.Set(e.pmpSlot, e.base+e.size, pmp.NoPermissions)
		}
	}
}
