package policy

import (
	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/module"
	"github.com/rvfw/miralis/engine/virt"
)

// OffloadEntry names one payload ecall this policy answers directly,
// without a world switch up to the firmware: an EID/FID pair and the
// handler that computes the reply.
type OffloadEntry struct {
	EID, FID uint64
	Handle   func(ctx *virt.VirtContext)
}

// OffloadPolicy intercepts a configurable set of payload ecalls —
// typically SBI calls with a fixed, world-switch-free answer, such as
// reading the `time` CSR — and answers them in place.
type OffloadPolicy struct {
	module.NopModule

	entries []OffloadEntry
}

// NewOffloadPolicy builds a policy that answers exactly the given
// entries; any other ecall is ignored and falls through to the
// firmware as usual.
func NewOffloadPolicy(entries []OffloadEntry) *OffloadPolicy {
	return &OffloadPolicy{entries: entries}
}

func (p *OffloadPolicy) Name() string { return "offload" }

func (p *OffloadPolicy) EcallFromPayload(ec *module.EcallContext) module.Action {
	for _, e := range p.entries {
		if ec.EID == e.EID && ec.FID == e.FID {
			e.Handle(ec.Ctx)
			ec.Ctx.PC += 4
			return module.Overwrite
		}
	}
	return module.Ignore
}

// ReadTimeEntry builds the canonical offload entry for sbi_get_time:
// the payload is handed now()'s value in a0, rather than trapping all
// the way up to the firmware.
func ReadTimeEntry(eid, fid uint64, now func() uint64) OffloadEntry {
	return OffloadEntry{
		EID: eid,
		FID: fid,
		Handle: func(ctx *virt.VirtContext) {
			ctx.Set(arch.X10, now())
		},
	}
}
