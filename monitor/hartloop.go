// Package monitor implements the instance lifecycle a Miralis build
// sits behind: creating, running, listing, and tearing down one
// firmware+payload pair under a chosen platform and policy chain. This
// file wires together every engine package into the per-hart run loop
// the "__run-hart" subcommand actually executes.
package monitor

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/rvfw/miralis/engine"
	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/cpu"
	"github.com/rvfw/miralis/engine/memaccess"
	"github.com/rvfw/miralis/engine/module"
	"github.com/rvfw/miralis/engine/pmp"
	"github.com/rvfw/miralis/engine/policy"
	"github.com/rvfw/miralis/engine/trap"
	"github.com/rvfw/miralis/engine/virt"
)

// mprvTrapSlot is the one Miralis-owned PMP slot the vMPRV helper
// reserves, first in the Miralis-owned prefix.
const mprvTrapSlot = 0

// keystoneSlots is the PMP budget the keystone policy reserves for
// enclave regions when enabled.
const keystoneSlots = 4

// maxImageSpan is the headroom reserved between the payload's load
// address and the per-hart stacks that follow it — a buffer-sizing
// heuristic, not a spec-level constant, since real Miralis links
// against a fixed memory map a Go binary cannot itself inherit.
const maxImageSpan = 16 << 20

// RunHarts boots the instance persisted at stateDir: it loads its
// config and images, builds the module chain and trap dispatcher, and
// runs one goroutine per hart until every hart has returned. A hart
// that panics with an engine.InvariantViolation halts alone; its error
// is returned once all harts are done.
func RunHarts(stateDir string) error {
	st, err := LoadState(stateDir)
	if err != nil {
		return fmt.Errorf("monitor: loading instance state: %w", err)
	}
	cfg := &st.Config

	params, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("monitor: invalid config: %w", err)
	}

	firmwareOffset := params.FirmwareAddress - params.StartAddress
	payloadOffset := params.PayloadAddress - params.StartAddress
	stacksBase := payloadOffset + maxImageSpan
	memSize := stacksBase + params.StackSize*uint64(params.NbHarts)

	mem := cpu.NewMemory(int(memSize))

	if _, err := loadImage(mem, cfg.FirmwarePath, firmwareOffset); err != nil {
		return fmt.Errorf("monitor: loading firmware image: %w", err)
	}
	payloadSize, err := loadImage(mem, cfg.PayloadPath, payloadOffset)
	if err != nil {
		return fmt.Errorf("monitor: loading payload image: %w", err)
	}

	realPMP := pmp.New(params.NbPMP)
	mods, kMiralis, err := buildPolicyChain(cfg, realPMP, mem, payloadOffset, payloadSize)
	if err != nil {
		return err
	}
	vCount := params.NbPMP - kMiralis - 1
	if vCount < 0 {
		return fmt.Errorf("monitor: platform %q has too few PMP slots (%d) for the enabled policies", params.Name, params.NbPMP)
	}

	mprv := memaccess.NewHelper(realPMP, mprvTrapSlot)
	chain := module.NewChain(mods...)
	dispatcher := trap.New(mem, realPMP, chain, mprv, vCount, kMiralis)
	dispatcher.OnDebugPrint = func(b byte) { os.Stdout.Write([]byte{b}) }
	dispatcher.IPI = module.NewIPIFlags(params.NbHarts)
	for _, m := range mods {
		if pp, ok := m.(*policy.ProtectPayloadPolicy); ok {
			pp.SetIPI(dispatcher.IPI, params.NbHarts)
		}
	}

	i := &Instance{stateDir: stateDir}
	if err := i.writeFifo("ready"); err != nil {
		log.Printf("monitor: signalling readiness: %v", err)
	}

	g := new(errgroup.Group)
	for hart := 0; hart < params.NbHarts; hart++ {
		hartID := uint64(hart)
		stackTop := stacksBase + (hartID+1)*params.StackSize
		g.Go(func() error {
			return runHart(hartID, firmwareOffset, stackTop, vCount, dispatcher, mem)
		})
	}
	return g.Wait()
}

func loadImage(mem *cpu.Memory, path string, offset uint64) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	mem.LoadAt(offset, data)
	return uint64(len(data)), nil
}

func buildPolicyChain(cfg *Config, realPMP *pmp.Group, mem *cpu.Memory, payloadBase, payloadSize uint64) ([]module.Module, int, error) {
	offset := mprvTrapSlot + 1
	mods := make([]module.Module, 0, len(cfg.Policies))
	for _, name := range cfg.Policies {
		switch name {
		case "protect-payload":
			hash := cfg.protectPayloadHash()
			pp := policy.NewProtectPayloadPolicy(realPMP, offset, mem, payloadBase, payloadSize, [][32]byte{hash})
			mods = append(mods, pp)
			offset += policy.NumberPMPsProtectPayload
		case "keystone":
			ks := policy.NewKeystonePolicy(realPMP, offset, keystoneSlots)
			mods = append(mods, ks)
			offset += keystoneSlots
		case "offload":
			mods = append(mods, policy.NewOffloadPolicy(defaultOffloadEntries()))
		case "counters":
			mods = append(mods, policy.NewCountersPolicy())
		default:
			return nil, 0, fmt.Errorf("monitor: unknown policy %q", name)
		}
	}
	return mods, offset, nil
}

// defaultOffloadEntries answers the payload's SBI-style timer read
// without a world switch, the one offload case spec.md §6 names.
func defaultOffloadEntries() []policy.OffloadEntry {
	return []policy.OffloadEntry{
		policy.ReadTimeEntry(0x54494d45, 0, func() uint64 { return 0 }),
	}
}

// runHart is the per-hart loop: it drains this hart's pending policy
// IPI flag before every instruction, polls for a deliverable
// interrupt, steps the software interpreter otherwise, and hands any
// trap to the dispatcher. A recovered engine.InvariantViolation halts
// this hart alone rather than the whole process, matching the
// error-handling design's "recovered exactly once at the top of the
// per-hart goroutine" rule.
func runHart(hartID, entryPC, stackTop uint64, vCount int, d *trap.Dispatcher, mem *cpu.Memory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			iv, ok := r.(*engine.InvariantViolation)
			if !ok {
				panic(r)
			}
			log.Printf("hart %d: %v", hartID, iv)
			err = iv
		}
	}()

	ctx := virt.New(hartID, vCount)
	ctx.Mode = arch.ModeU
	ctx.PC = entryPC
	ctx.Set(arch.SP, stackTop)

	for {
		if d.IPI != nil && d.IPI.Drain(int(hartID)) {
			d.Chain.RunOnInterrupt(ctx)
		}

		if cause, ok := d.PendingInterrupt(ctx); ok {
			done, err := d.HandleTrap(ctx, &cpu.Trap{Cause: cause})
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		t, err := cpu.Step(ctx, mem)
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		done, err := d.HandleTrap(ctx, t)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
