package module

import (
	"testing"

	"github.com/rvfw/miralis/engine/virt"
)

type recordingModule struct {
	NopModule
	name   string
	action Action
	calls  *[]string
}

func (r recordingModule) Name() string { return r.name }

func (r recordingModule) EcallFromFirmware(*EcallContext) Action {
	*r.calls = append(*r.calls, r.name)
	return r.action
}

func TestChainShortCircuitsOnFirstOverwrite(t *testing.T) {
	var calls []string
	chain := NewChain(
		recordingModule{name: "a", action: Ignore, calls: &calls},
		recordingModule{name: "b", action: Overwrite, calls: &calls},
		recordingModule{name: "c", action: Overwrite, calls: &calls},
	)

	got := chain.RunEcallFromFirmware(&EcallContext{})
	if got != Overwrite {
		t.Fatalf("got %v, want Overwrite", got)
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("calls = %v, want [a b] (c must not run)", calls)
	}
}

func TestChainAllIgnoreYieldsIgnore(t *testing.T) {
	var calls []string
	chain := NewChain(
		recordingModule{name: "a", action: Ignore, calls: &calls},
		recordingModule{name: "b", action: Ignore, calls: &calls},
	)

	got := chain.RunEcallFromFirmware(&EcallContext{})
	if got != Ignore {
		t.Fatalf("got %v, want Ignore", got)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want both consulted", calls)
	}
}

type voidCounter struct {
	NopModule
	n *int
}

func (v voidCounter) OnShutdown(*virt.VirtContext) { *v.n++ }

func TestChainVoidHooksAllRun(t *testing.T) {
	n := 0
	chain := NewChain(voidCounter{n: &n}, voidCounter{n: &n}, voidCounter{n: &n})
	chain.RunOnShutdown(virt.New(0, 8))
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
}
