package trap

import (
	"testing"

	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/cpu"
	"github.com/rvfw/miralis/engine/memaccess"
	"github.com/rvfw/miralis/engine/module"
	"github.com/rvfw/miralis/engine/pmp"
	"github.com/rvfw/miralis/engine/virt"
)

func newTestDispatcher() (*Dispatcher, *virt.VirtContext) {
	mem := cpu.NewMemory(0x10000)
	realPMP := pmp.New(16)
	mprv := memaccess.NewHelper(realPMP, 0)
	chain := module.NewChain()
	d := New(mem, realPMP, chain, mprv, 8, 1)

	ctx := virt.New(0, 8)
	ctx.Mode = arch.ModeU
	ctx.Csr.Mtvec = 0x8020_1000
	return d, ctx
}

func TestHandleTrapFirmwareShutdown(t *testing.T) {
	d, ctx := newTestDispatcher()
	shutdownCalled := false
	d.OnShutdown = func() { shutdownCalled = true }

	ctx.Set(arch.A7, BuiltinEID)
	ctx.Set(arch.A6, FIDShutdown)

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseEcallFromU})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if !shutdown {
		t.Fatalf("expected shutdown=true")
	}
	if !shutdownCalled {
		t.Fatalf("expected OnShutdown to be invoked")
	}
}

func TestHandleTrapFirmwareUnknownEcallIsNotSupported(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Set(arch.A7, 0x1234)
	ctx.Set(arch.A6, 0)
	ctx.PC = 0x8020_0000

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseEcallFromU})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("expected no shutdown")
	}
	if got := ctx.Get(arch.A0); got != sbiNotSupported {
		t.Fatalf("a0 = %#x, want sbiNotSupported", got)
	}
	if ctx.PC != 0x8020_0004 {
		t.Fatalf("PC = %#x, want +4", ctx.PC)
	}
}

func TestHandleTrapFirmwareEcallOverwrittenByModule(t *testing.T) {
	mem := cpu.NewMemory(0x10000)
	realPMP := pmp.New(16)
	mprv := memaccess.NewHelper(realPMP, 0)

	claim := &claimingModule{}
	chain := module.NewChain(claim)
	d := New(mem, realPMP, chain, mprv, 8, 1)

	ctx := virt.New(0, 8)
	ctx.Mode = arch.ModeU
	ctx.Set(arch.A7, BuiltinEID)
	ctx.Set(arch.A6, FIDShutdown)

	shutdownCalled := false
	d.OnShutdown = func() { shutdownCalled = true }

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseEcallFromU})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown || shutdownCalled {
		t.Fatalf("module should have claimed the ecall before the builtin ABI ran")
	}
	if !claim.called {
		t.Fatalf("expected module's EcallFromFirmware to be invoked")
	}
}

type claimingModule struct {
	module.NopModule
	called bool
}

func (m *claimingModule) EcallFromFirmware(*module.EcallContext) module.Action {
	m.called = true
	return module.Overwrite
}

func TestHandleTrapPayloadEcallForwardedToFirmware(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Mode = arch.ModeS
	ctx.PC = 0x8040_0000
	ctx.Csr.Mtvec = 0x8020_1000
	ctx.Csr.Mstatus = arch.SetStatusBit(0, arch.MstatusMIEBit, true)

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseEcallFromS})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if ctx.Mode != arch.ModeU {
		t.Fatalf("expected switch to firmware, mode = %v", ctx.Mode)
	}
	if ctx.Csr.Mcause != arch.CauseEcallFromS {
		t.Fatalf("mcause = %v, want CauseEcallFromS", ctx.Csr.Mcause)
	}
	if ctx.Csr.Mepc != 0x8040_0000 {
		t.Fatalf("mepc = %#x, want faulting PC", ctx.Csr.Mepc)
	}
	if ctx.PC != ctx.Csr.Mtvec {
		t.Fatalf("PC = %#x, want mtvec", ctx.PC)
	}
}

func TestHandleTrapPayloadDelegatedExceptionStaysInPayload(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Mode = arch.ModeS
	ctx.PC = 0x8040_0010
	ctx.Csr.Medeleg = 1 << uint(arch.CauseBreakpoint)
	ctx.Csr.Stvec = 0x8040_1000

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseBreakpoint})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if ctx.Mode != arch.ModeS {
		t.Fatalf("expected to remain in payload, mode = %v", ctx.Mode)
	}
	if ctx.Csr.Scause != arch.CauseBreakpoint {
		t.Fatalf("scause = %v, want CauseBreakpoint", ctx.Csr.Scause)
	}
	if ctx.PC != ctx.Csr.Stvec {
		t.Fatalf("PC = %#x, want stvec", ctx.PC)
	}
}

func TestHandleTrapPayloadUndelegatedExceptionGoesToFirmware(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Mode = arch.ModeS
	ctx.PC = 0x8040_0020
	ctx.Csr.Mtvec = 0x8020_2000

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseStoreFault})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if ctx.Mode != arch.ModeU {
		t.Fatalf("expected switch to firmware, mode = %v", ctx.Mode)
	}
	if ctx.Csr.Mcause != arch.CauseStoreFault {
		t.Fatalf("mcause = %v, want CauseStoreFault", ctx.Csr.Mcause)
	}
}

func TestHandleTrapPayloadInterruptSynthesisedIntoFirmware(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Mode = arch.ModeS
	ctx.PC = 0x8040_0030
	ctx.Csr.Mtvec = 0x8020_3000

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseMachineTimerInterrupt})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if ctx.Mode != arch.ModeU {
		t.Fatalf("expected switch to firmware, mode = %v", ctx.Mode)
	}
}

func TestHandleTrapFirmwareInterruptLatchesMipBeforeSynthesising(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Mode = arch.ModeU
	ctx.PC = 0x8020_0040
	ctx.Csr.Mtvec = 0x8020_5000

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseMachineTimerInterrupt})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if ctx.Csr.Mip&(1<<uint(arch.BitMTIP)) == 0 {
		t.Fatalf("expected mip MTIP bit latched before delivery")
	}
	if ctx.PC != ctx.Csr.Mtvec {
		t.Fatalf("PC = %#x, want mtvec", ctx.PC)
	}
}

func TestEmulateMretSwitchesModeFromMPP(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Csr.Mepc = 0x8040_0000
	ctx.Csr.Mstatus = arch.SetMPP(0, arch.ModeS)

	d.emulateMret(ctx)

	if ctx.Mode != arch.ModeS {
		t.Fatalf("mode = %v, want S", ctx.Mode)
	}
	if ctx.PC != 0x8040_0000 {
		t.Fatalf("PC = %#x, want mepc", ctx.PC)
	}
}

func TestEmulateMretPinsMachineModeToUser(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Csr.Mstatus = arch.SetMPP(0, arch.ModeM)

	d.emulateMret(ctx)

	if ctx.Mode != arch.ModeU {
		t.Fatalf("mode = %v, want U (M is never observable by the guest)", ctx.Mode)
	}
}

func TestEmulatePrivilegedDecodesWFI(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.PC = 0x8020_0100

	shutdown := d.emulatePrivileged(ctx, 0x10500073)
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if ctx.PC != 0x8020_0104 {
		t.Fatalf("PC = %#x, want +4", ctx.PC)
	}
}

func TestEmulatePrivilegedCompressedWordRedelivered(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.PC = 0x8020_0200
	ctx.Csr.Mtvec = 0x8020_9000

	shutdown := d.emulatePrivileged(ctx, 0x0001) // low bits != 0b11 => compressed
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if ctx.Csr.Mcause != arch.CauseIllegalInstruction {
		t.Fatalf("mcause = %v, want CauseIllegalInstruction", ctx.Csr.Mcause)
	}
	if ctx.PC != ctx.Csr.Mtvec {
		t.Fatalf("PC = %#x, want mtvec", ctx.PC)
	}
}

func TestSynthesizeTrapIntoFirmwareSetsMPPFromFirmwareOrigin(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.PC = 0x8020_0300
	ctx.Csr.Mtvec = 0x8020_a000

	d.synthesizeTrapIntoFirmware(ctx, arch.CauseIllegalInstruction, 0, arch.ModeU)

	if got := arch.MPP(ctx.Csr.Mstatus); got != arch.ModeM {
		t.Fatalf("MPP = %v, want M for a firmware-origin trap", got)
	}
}

func TestHandleTrapPayloadEventSetsMPPToS(t *testing.T) {
	d, ctx := newTestDispatcher()
	ctx.Mode = arch.ModeS
	ctx.PC = 0x8040_0040
	ctx.Csr.Mtvec = 0x8020_b000

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseStoreFault})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if got := arch.MPP(ctx.Csr.Mstatus); got != arch.ModeS {
		t.Fatalf("MPP = %v, want S for a payload-origin trap forwarded to firmware", got)
	}
}

func TestHandleTrapFirmwareConsultsTrapFromFirmwareHook(t *testing.T) {
	mem := cpu.NewMemory(0x10000)
	realPMP := pmp.New(16)
	mprv := memaccess.NewHelper(realPMP, 0)

	counter := &countingTrapModule{}
	chain := module.NewChain(counter)
	d := New(mem, realPMP, chain, mprv, 8, 1)

	ctx := virt.New(0, 8)
	ctx.Mode = arch.ModeU
	ctx.PC = 0x8020_0400
	ctx.Csr.Mtvec = 0x8020_c000

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseIllegalInstruction, Tval: 0})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if counter.count != 1 {
		t.Fatalf("TrapFromFirmware called %d times, want 1", counter.count)
	}
}

func TestHandleTrapFirmwareOverwrittenByTrapFromFirmwareHook(t *testing.T) {
	mem := cpu.NewMemory(0x10000)
	realPMP := pmp.New(16)
	mprv := memaccess.NewHelper(realPMP, 0)

	claim := &claimingTrapModule{}
	chain := module.NewChain(claim)
	d := New(mem, realPMP, chain, mprv, 8, 1)

	ctx := virt.New(0, 8)
	ctx.Mode = arch.ModeU
	ctx.PC = 0x8020_0500
	ctx.Csr.Mtvec = 0x8020_d000

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseIllegalInstruction})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if shutdown {
		t.Fatalf("unexpected shutdown")
	}
	if ctx.PC != 0x8020_0500 {
		t.Fatalf("PC = %#x, want untouched: the module claimed the trap before synthesis", ctx.PC)
	}
}

type countingTrapModule struct {
	module.NopModule
	count int
}

func (m *countingTrapModule) TrapFromFirmware(*module.TrapContext) module.Action {
	m.count++
	return module.Ignore
}

type claimingTrapModule struct {
	module.NopModule
}

func (m *claimingTrapModule) TrapFromFirmware(*module.TrapContext) module.Action {
	return module.Overwrite
}

func TestHandleEcallFromFirmwareShutdownRunsOnShutdownHook(t *testing.T) {
	mem := cpu.NewMemory(0x10000)
	realPMP := pmp.New(16)
	mprv := memaccess.NewHelper(realPMP, 0)

	shutdownHook := &shutdownHookModule{}
	chain := module.NewChain(shutdownHook)
	d := New(mem, realPMP, chain, mprv, 8, 1)

	ctx := virt.New(0, 8)
	ctx.Mode = arch.ModeU
	ctx.Set(arch.A7, BuiltinEID)
	ctx.Set(arch.A6, FIDShutdown)

	shutdown, err := d.HandleTrap(ctx, &cpu.Trap{Cause: arch.CauseEcallFromU})
	if err != nil {
		t.Fatalf("HandleTrap: %v", err)
	}
	if !shutdown {
		t.Fatalf("expected shutdown=true")
	}
	if !shutdownHook.called {
		t.Fatalf("expected OnShutdown to be invoked")
	}
}

type shutdownHookModule struct {
	module.NopModule
	called bool
}

func (m *shutdownHookModule) OnShutdown(*virt.VirtContext) {
	m.called = true
}
