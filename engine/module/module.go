// Package module defines the cooperative, totally-ordered hook
// framework that policies interpose on the trap dispatcher with:
// Overwrite/Ignore hooks short-circuit on the first Overwrite in
// registration order; void hooks always run in full.
package module

import "github.com/rvfw/miralis/engine/virt"

// Action is the verdict an Overwrite/Ignore hook returns.
type Action int

const (
	// Ignore means the module took no position; the chain continues
	// to the next module, and falls through to Miralis' built-in
	// handling if no module ever returns Overwrite.
	Ignore Action = iota
	// Overwrite means the module fully handled the event itself; the
	// chain stops here and Miralis' built-in handling is skipped.
	Overwrite
)

// EcallContext is passed to the ecall hooks: the EID/FID convention
// is SBI's (a7/a6), generalised to any firmware or payload ABI.
type EcallContext struct {
	Ctx *virt.VirtContext
	EID uint64
	FID uint64
}

// TrapContext is passed to the trap hooks.
type TrapContext struct {
	Ctx  *virt.VirtContext
	Trap *virt.TrapInfo
}

// Module is the full hook surface a policy may implement. Every
// method is optional: the base embedding NopModule answers Ignore (or
// does nothing, for void hooks) so a policy only overrides what it
// needs.
type Module interface {
	Name() string

	// EcallFromFirmware is consulted on a firmware ecall, before
	// Miralis' built-in ABI (shutdown, benchmark, debug print).
	EcallFromFirmware(*EcallContext) Action
	// EcallFromPayload is consulted on a payload ecall, before it is
	// forwarded up to the firmware.
	EcallFromPayload(*EcallContext) Action
	// TrapFromFirmware is consulted on any firmware trap, before
	// Miralis' own emulation.
	TrapFromFirmware(*TrapContext) Action
	// TrapFromPayload is consulted on any payload trap.
	TrapFromPayload(*TrapContext) Action

	// SwitchFromPayloadToFirmware runs on every world switch into the
	// firmware, before control is handed over.
	SwitchFromPayloadToFirmware(*virt.VirtContext)
	// SwitchFromFirmwareToPayload runs on every world switch into the
	// payload.
	SwitchFromFirmwareToPayload(*virt.VirtContext)
	// DecidedNextExecMode runs after the dispatcher has decided which
	// world runs next; observation only.
	DecidedNextExecMode(*virt.VirtContext)
	// OnInterrupt runs on receipt of a policy-directed IPI.
	OnInterrupt(*virt.VirtContext)
	// OnShutdown runs once before the hart halts.
	OnShutdown(*virt.VirtContext)
}

// NopModule implements every Module method as a no-op / Ignore. Real
// modules embed it and override only the hooks they care about.
type NopModule struct{}

func (NopModule) Name() string                                      { return "nop" }
func (NopModule) EcallFromFirmware(*EcallContext) Action            { return Ignore }
func (NopModule) EcallFromPayload(*EcallContext) Action             { return Ignore }
func (NopModule) TrapFromFirmware(*TrapContext) Action              { return Ignore }
func (NopModule) TrapFromPayload(*TrapContext) Action               { return Ignore }
func (NopModule) SwitchFromPayloadToFirmware(*virt.VirtContext)      {}
func (NopModule) SwitchFromFirmwareToPayload(*virt.VirtContext)      {}
func (NopModule) DecidedNextExecMode(*virt.VirtContext)              {}
func (NopModule) OnInterrupt(*virt.VirtContext)                      {}
func (NopModule) OnShutdown(*virt.VirtContext)                       {}

// Chain is the totally-ordered list of enabled modules for one hart.
// Registration order is preserved exactly as configured; there is no
// re-sorting or priority scheme.
type Chain struct {
	modules []Module
}

// NewChain builds a Chain from modules in the given order. The order
// is significant: it is the order hooks are consulted and the order
// void hooks run.
func NewChain(modules ...Module) *Chain {
	return &Chain{modules: modules}
}

func (c *Chain) Modules() []Module { return c.modules }

// RunEcallFromFirmware consults each module in order and stops at the
// first Overwrite.
func (c *Chain) RunEcallFromFirmware(ec *EcallContext) Action {
	for _, m := range c.modules {
		if m.EcallFromFirmware(ec) == Overwrite {
			return Overwrite
		}
	}
	return Ignore
}

// RunEcallFromPayload consults each module in order and stops at the
// first Overwrite.
func (c *Chain) RunEcallFromPayload(ec *EcallContext) Action {
	for _, m := range c.modules {
		if m.EcallFromPayload(ec) == Overwrite {
			return Overwrite
		}
	}
	return Ignore
}

// RunTrapFromFirmware consults each module in order and stops at the
// first Overwrite.
func (c *Chain) RunTrapFromFirmware(tc *TrapContext) Action {
	for _, m := range c.modules {
		if m.TrapFromFirmware(tc) == Overwrite {
			return Overwrite
		}
	}
	return Ignore
}

// RunTrapFromPayload consults each module in order and stops at the
// first Overwrite.
func (c *Chain) RunTrapFromPayload(tc *TrapContext) Action {
	for _, m := range c.modules {
		if m.TrapFromPayload(tc) == Overwrite {
			return Overwrite
		}
	}
	return Ignore
}

// RunSwitchFromPayloadToFirmware runs every module's hook in order.
func (c *Chain) RunSwitchFromPayloadToFirmware(ctx *virt.VirtContext) {
	for _, m := range c.modules {
		m.SwitchFromPayloadToFirmware(ctx)
	}
}

// RunSwitchFromFirmwareToPayload runs every module's hook in order.
func (c *Chain) RunSwitchFromFirmwareToPayload(ctx *virt.VirtContext) {
	for _, m := range c.modules {
		m.SwitchFromFirmwareToPayload(ctx)
	}
}

// RunDecidedNextExecMode runs every module's hook in order.
func (c *Chain) RunDecidedNextExecMode(ctx *virt.VirtContext) {
	for _, m := range c.modules {
		m.DecidedNextExecMode(ctx)
	}
}

// RunOnInterrupt runs every module's hook in order.
func (c *Chain) RunOnInterrupt(ctx *virt.VirtContext) {
	for _, m := range c.modules {
		m.OnInterrupt(ctx)
	}
}

// RunOnShutdown runs every module's hook in order.
func (c *Chain) RunOnShutdown(ctx *virt.VirtContext) {
	for _, m := range c.modules {
		m.OnShutdown(ctx)
	}
}
