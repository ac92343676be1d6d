package policy

import (
	"testing"

	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/module"
	"github.com/rvfw/miralis/engine/pmp"
	"github.com/rvfw/miralis/engine/virt"
)

func keystoneEcall(ctx *virt.VirtContext, fid, a0, a1 uint64) {
	ctx.Set(arch.X17, MiralisKeystoneEID)
	ctx.Set(arch.X16, fid)
	ctx.Set(arch.X10, a0)
	ctx.Set(arch.X11, a1)
}

func TestKeystoneCreateEnterExitDestroy(t *testing.T) {
	group := pmp.New(8)
	p := NewKeystonePolicy(group, 0, 2)
	ctx := virt.New(0, 8)

	keystoneEcall(ctx, KeystoneCreateEnclaveFID, 0x1000, 0x1000)
	if a := p.EcallFromPayload(&module.EcallContext{Ctx: ctx}); a != module.Overwrite {
		t.Fatalf("create: action = %v, want Overwrite", a)
	}
	id := ctx.Get(arch.X10)
	if id == ^uint64(0) {
		t.Fatalf("create enclave failed")
	}

	keystoneEcall(ctx, KeystoneEnterEnclaveFID, id, 0)
	p.EcallFromPayload(&module.EcallContext{Ctx: ctx})
	if p.activeID != id {
		t.Fatalf("activeID = %d, want %d", p.activeID, id)
	}

	keystoneEcall(ctx, KeystoneExitEnclaveFID, 0, 0)
	p.EcallFromPayload(&module.EcallContext{Ctx: ctx})
	if p.activeID != 0 {
		t.Fatalf("expected no active enclave after exit")
	}

	keystoneEcall(ctx, KeystoneDestroyEnclaveFID, id, 0)
	p.EcallFromPayload(&module.EcallContext{Ctx: ctx})
	if len(p.enclaves) != 0 {
		t.Fatalf("expected enclave to be destroyed")
	}
}

func TestKeystoneExhaustsSlots(t *testing.T) {
	group := pmp.New(8)
	p := NewKeystonePolicy(group, 0, 1)
	ctx := virt.New(0, 8)

	keystoneEcall(ctx, KeystoneCreateEnclaveFID, 0x1000, 0x1000)
	p.EcallFromPayload(&module.EcallContext{Ctx: ctx})

	keystoneEcall(ctx, KeystoneCreateEnclaveFID, 0x2000, 0x1000)
	p.EcallFromPayload(&module.EcallContext{Ctx: ctx})
	if ctx.Get(arch.X10) != ^uint64(0) {
		t.Fatalf("expected second create to fail once the single slot is used")
	}
}
