package monitor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rvfw/miralis/utils/process"
)

const killSignal = unix.SIGKILL

// hartProcess is the OS process actually executing a hart fleet,
// spawned as a re-exec of this same binary with the hidden
// "__run-hart" subcommand — mirroring the teacher's InitProcess, minus
// the OCI namespace/cgroup setup this domain has no analogue for.
type hartProcess struct {
	id     int
	args   []string
	stdout *os.File
}

func (p *hartProcess) pid() int { return p.id }

func (p *hartProcess) start() error {
	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("monitor: starting hart process: %w", err)
	}
	p.id = cmd.Process.Pid
	return nil
}

func (p *hartProcess) startTime() (uint64, error) {
	stat, err := process.Stat(p.pid())
	return stat.StartTime, err
}
