package cmd

import (
	"testing"
	"time"

	"github.com/rvfw/miralis/monitor"
	"github.com/rvfw/miralis/utils"
)

func TestAttachConsoleReturnsWithoutATTY(t *testing.T) {
	root := t.TempDir()
	cfg := &monitor.Config{FirmwarePath: "/tmp/fw", PayloadPath: "/tmp/pl", Platform: "qemu-virt"}
	inst, err := monitor.Create(root, "hart0", cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pipe := utils.MustOpenPipeFile(utils.PipePath(inst.StateDir()))
	defer pipe.Close()

	done := make(chan error, 1)
	go func() { done <- attachConsole(inst) }()

	// under "go test" stdin is not a terminal, so attachConsole should
	// return promptly without blocking on raw-mode input.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("attachConsole: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("attachConsole did not return for a non-terminal stdin")
	}

	if _, err := pipe.WriteString("hello"); err != nil {
		t.Fatalf("writing to pipe after attach: %v", err)
	}
}
