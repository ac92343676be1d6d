package policy

import (
	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/module"
	"github.com/rvfw/miralis/engine/virt"
)

// CountersPolicy tracks, per hart, how many times each trap cause has
// fired. It never answers or overwrites anything — it is observation
// only: its TrapFromFirmware/TrapFromPayload hooks record the cause and
// always return Ignore.
type CountersPolicy struct {
	module.NopModule

	exits      uint64
	exitsByCause map[arch.MCause]uint64
}

// NewCountersPolicy returns a fresh, zeroed CountersPolicy.
func NewCountersPolicy() *CountersPolicy {
	return &CountersPolicy{exitsByCause: make(map[arch.MCause]uint64)}
}

func (p *CountersPolicy) Name() string { return "counters" }

func (p *CountersPolicy) TrapFromFirmware(tc *module.TrapContext) module.Action {
	p.record(tc.Trap.Mcause)
	return module.Ignore
}

func (p *CountersPolicy) TrapFromPayload(tc *module.TrapContext) module.Action {
	p.record(tc.Trap.Mcause)
	return module.Ignore
}

func (p *CountersPolicy) record(cause arch.MCause) {
	p.exits++
	p.exitsByCause[cause]++
}

// TotalExits is the running total of traps observed on this hart.
func (p *CountersPolicy) TotalExits() uint64 { return p.exits }

// ExitsByCause reports, for one trap cause, how many times it has
// fired on this hart.
func (p *CountersPolicy) ExitsByCause(cause arch.MCause) uint64 {
	return p.exitsByCause[cause]
}

func (p *CountersPolicy) OnShutdown(ctx *virt.VirtContext) {
	// Counters are exposed only through ExitsByCause/TotalExits;
	// nothing to flush here since there is no backing store beyond the
	// in-memory maps.
}
