// Package policy holds the compiled-in extensions that interpose on
// the trap dispatcher's flow: protect-payload, offload, keystone and
// counters, each declaring its own PMP budget and registration-order
// position per the module framework's contract.
package policy

import (
	"bytes"
	"sync/atomic"

	"golang.org/x/crypto/sha3"

	"github.com/rvfw/miralis/engine"
	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/cpu"
	"github.com/rvfw/miralis/engine/module"
	"github.com/rvfw/miralis/engine/pmp"
	"github.com/rvfw/miralis/engine/virt"
)

// MiralisProtectPayloadEID and MiralisProtectPayloadLockFID are the
// vendor ecall IDs the protect-payload policy answers, carried in
// x17 (EID) and x16 (FID) per the firmware/payload ecall convention.
const (
	MiralisProtectPayloadEID     uint64 = 0x5050 // "PP"
	MiralisProtectPayloadLockFID uint64 = 1
)

// NumberPMPsProtectPayload is the PMP budget this policy declares:
// one always-inactive slot holding the payload's base address as the
// TOR lower bound, one TOR slot to deny/allow access to the payload.
const NumberPMPsProtectPayload = 2

// ForwardingRule names, for one trap cause, which of the 32 GP
// registers survive a world switch: allowIn controls what the
// firmware is allowed to see coming in from the payload, allowOut
// controls what the firmware is allowed to hand back.
type ForwardingRule struct {
	Cause    arch.MCause
	AllowIn  [32]bool
	AllowOut [32]bool
}

func allowNothing(cause arch.MCause) ForwardingRule {
	return ForwardingRule{Cause: cause}
}

// defaultForwardingRules reproduces the single ecall-from-S-mode rule:
// the firmware sees the ecall argument/ID registers a0-a7 (x10-x17)
// coming in, and may only hand back a0-a1 (x10-x11) — the SBI return
// value convention.
func defaultForwardingRules() []ForwardingRule {
	rule := allowNothing(arch.CauseEcallFromS)
	for r := arch.X10; r <= arch.X17; r++ {
		rule.AllowIn[r] = true
	}
	rule.AllowOut[arch.X10] = true
	rule.AllowOut[arch.X11] = true
	return []ForwardingRule{rule}
}

func matchRule(cause arch.MCause, rules []ForwardingRule) ForwardingRule {
	for _, r := range rules {
		if r.Cause == cause {
			return r
		}
	}
	return allowNothing(cause)
}

// ProtectPayloadPolicy isolates a payload from a compromised firmware:
// it snapshots GP registers across world switches, clears everything
// the active forwarding rule doesn't explicitly allow, and locks the
// payload's memory range out of firmware reach via two PMP slots.
type ProtectPayloadPolicy struct {
	module.NopModule

	pmpGroup     *pmp.Group
	pmpOffset    int
	payloadBase  uint64
	payloadSize  uint64
	expectedHash [][32]byte

	protected bool
	saved     [32]uint64
	rules     []ForwardingRule
	lastCause arch.MCause

	firstSwitch atomic.Bool
	mem         *cpu.Memory

	ipi     *module.IPIFlags
	nbHarts int
}

// NewProtectPayloadPolicy constructs the policy. pmpOffset is the
// index of the first of its two reserved PMP slots within pmpGroup;
// payloadBase/payloadSize bound the memory range it protects;
// expectedHashes lists the SHA3-256 digests of payload images this
// policy trusts (memory content followed by the little-endian entry
// pc) — any one match unlocks, no match panics via
// engine.InvariantViolation.
func NewProtectPayloadPolicy(group *pmp.Group, pmpOffset int, mem *cpu.Memory, payloadBase, payloadSize uint64, expectedHashes [][32]byte) *ProtectPayloadPolicy {
	p := &ProtectPayloadPolicy{
		pmpGroup:     group,
		pmpOffset:    pmpOffset,
		mem:          mem,
		payloadBase:  payloadBase,
		payloadSize:  payloadSize,
		expectedHash: expectedHashes,
		rules:        defaultForwardingRules(),
		lastCause:    arch.CauseEcallFromS,
	}
	p.firstSwitch.Store(true)
	return p
}

// SetIPI wires the cross-hart policy IPI channel: once set, locking
// the payload on one hart broadcasts to every other hart so they all
// re-lock their own view of the shared PMP state without waiting for
// their own next world switch.
func (p *ProtectPayloadPolicy) SetIPI(ipi *module.IPIFlags, nbHarts int) {
	p.ipi = ipi
	p.nbHarts = nbHarts
}

func (p *ProtectPayloadPolicy) Name() string { return "protect-payload" }

func (p *ProtectPayloadPolicy) isPolicyCall(ctx *virt.VirtContext) bool {
	return ctx.Get(arch.X17) == MiralisProtectPayloadEID
}

func (p *ProtectPayloadPolicy) EcallFromFirmware(ec *module.EcallContext) module.Action {
	return p.handleLockEcall(ec.Ctx)
}

func (p *ProtectPayloadPolicy) EcallFromPayload(ec *module.EcallContext) module.Action {
	return p.handleLockEcall(ec.Ctx)
}

func (p *ProtectPayloadPolicy) handleLockEcall(ctx *virt.VirtContext) module.Action {
	if !p.isPolicyCall(ctx) {
		return module.Ignore
	}
	if ctx.Get(arch.X16) != MiralisProtectPayloadLockFID {
		return module.Ignore
	}
	p.protected = true
	if p.ipi != nil {
		p.ipi.Broadcast(otherHarts(ctx.HartID, p.nbHarts))
	}
	ctx.PC += 4
	return module.Overwrite
}

// SwitchFromPayloadToFirmware snapshots every GP register, clears any
// register the active rule doesn't allow in, and locks the payload
// range out of firmware reach.
func (p *ProtectPayloadPolicy) SwitchFromPayloadToFirmware(ctx *virt.VirtContext) {
	rule := matchRule(ctx.TrapInfo.Mcause, p.rules)

	for i := 0; i < 32; i++ {
		p.saved[i] = ctx.Regs[i]
		if !rule.AllowIn[i] {
			ctx.Regs[i] = 0
		}
	}

	p.lock()
	p.lastCause = ctx.TrapInfo.Mcause
}

// SwitchFromFirmwareToPayload restores every GP register the active
// rule doesn't allow the firmware to overwrite, re-opens the payload
// range, and — on the very first such switch — verifies the payload
// image's integrity.
func (p *ProtectPayloadPolicy) SwitchFromFirmwareToPayload(ctx *virt.VirtContext) {
	rule := matchRule(p.lastCause, p.rules)

	for i := 0; i < 32; i++ {
		if !rule.AllowOut[i] {
			ctx.Regs[i] = p.saved[i]
		}
	}

	p.unlock()

	if p.firstSwitch.CompareAndSwap(true, false) {
		p.verifyPayloadHash(ctx.PC)
	}
}

// OnInterrupt re-locks the payload range: a policy IPI from another
// hart means some hart observed an event requiring all harts to treat
// the payload as inaccessible to the firmware.
func (p *ProtectPayloadPolicy) OnInterrupt(ctx *virt.VirtContext) {
	p.lock()
}

func (p *ProtectPayloadPolicy) lock() {
	p.pmpGroup.SetInactive(p.pmpOffset, p.payloadBase)
	p.pmpGroup.Set(p.pmpOffset+1, ^uint64(0), pmp.NoPermissions)
}

func (p *ProtectPayloadPolicy) unlock() {
	p.pmpGroup.SetInactive(p.pmpOffset, p.payloadBase)
	p.pmpGroup.Set(p.pmpOffset+1, ^uint64(0), pmp.CfgRWX|pmp.CfgTOR)
}

func (p *ProtectPayloadPolicy) verifyPayloadHash(entryPC uint64) {
	var pcBytes [8]byte
	for i := range pcBytes {
		pcBytes[i] = byte(entryPC >> (8 * i))
	}

	content := p.mem.Bytes(p.payloadBase, p.payloadSize)
	h := sha3.New256()
	h.Write(content)
	h.Write(pcBytes[:])
	digest := h.Sum(nil)

	for _, expected := range p.expectedHash {
		if bytes.Equal(digest, expected[:]) {
			return
		}
	}

	engine.Raise("protect-payload", "payload image hash does not match any trusted digest")
}

// otherHarts returns the hart mask naming every hart except self,
// bounded by nbHarts.
func otherHarts(self uint64, nbHarts int) uint64 {
	var mask uint64
	for i := 0; i < nbHarts; i++ {
		if uint64(i) != self {
			mask |= 1 << uint(i)
		}
	}
	return mask
}
