package monitor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rvfw/miralis/utils"
	"github.com/rvfw/miralis/utils/process"
)

// createFifo makes the boot-readiness fifo for this instance: the
// spawned hart process writes to it once it has loaded the images and
// built the trap dispatcher, just before it starts the harts; step
// blocks on it opening for read so the CLI's "run" command does not
// return before the instance has actually started.
func (i *Instance) createFifo() (errs error) {
	path := utils.FifoFile(i.stateDir)
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return &os.PathError{Op: "mkfifo", Path: path, Err: err}
	}
	defer func() {
		if errs != nil {
			os.Remove(path)
		}
	}()
	return os.Chmod(path, 0o666)
}

func (i *Instance) deleteFifo() {
	_ = os.Remove(utils.FifoFile(i.stateDir))
}

// writeFifo is called by the hart process once booted, signalling
// readiness to whoever is blocked in step.
func (i *Instance) writeFifo(msg string) error {
	path := utils.FifoFile(i.stateDir)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := f.WriteString(msg)
	if n != len(msg) {
		return fmt.Errorf("partial write: %d/%d bytes", n, len(msg))
	}
	return err
}

type fifoOpenResult struct {
	file *os.File
	err  error
}

func awaitFifoOpen(path string) <-chan fifoOpenResult {
	ch := make(chan fifoOpenResult)
	go func() { ch <- openFifo(path, true) }()
	return ch
}

func openFifo(path string, block bool) fifoOpenResult {
	flags := os.O_RDONLY
	if !block {
		flags |= unix.O_NONBLOCK
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return fifoOpenResult{err: fmt.Errorf("fifo: %w", err)}
	}
	return fifoOpenResult{file: f}
}

func consumeFifo(r fifoOpenResult) error {
	if r.err != nil {
		return r.err
	}
	f := r.file
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("monitor: instance exited before signalling readiness")
	}
	return os.Remove(f.Name())
}

// step blocks until the spawned hart process signals readiness via the
// fifo, or is observed dead first.
func (i *Instance) step() error {
	path := utils.FifoFile(i.stateDir)
	pid := i.pid
	openCh := awaitFifoOpen(path)
	for {
		select {
		case r := <-openCh:
			return consumeFifo(r)
		case <-time.After(100 * time.Millisecond):
			stat, err := process.Stat(pid)
			if err != nil || stat.State == process.Zombie || stat.State == process.Dead {
				if err := consumeFifo(openFifo(path, false)); err != nil {
					return errors.New("monitor: instance process is already dead")
				}
				return nil
			}
		}
	}
}
