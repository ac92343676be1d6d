package cmd

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/rvfw/miralis/monitor"
	"github.com/rvfw/miralis/utils"
)

// attachConsole streams an instance's hart output to stdout and, when
// stdin is a terminal, puts it into raw mode for the duration of the
// attachment. Raw mode disables local line discipline, so a bare
// Ctrl-C (0x03) arrives here as a byte instead of generating a local
// SIGINT — we read it and forward a real kill signal to the instance
// instead, since killing this CLI process would otherwise leave the
// hart fleet running detached. When stdin is not a terminal it returns
// at once and closes the pipe, so nothing is streamed after that.
func attachConsole(inst *monitor.Instance) error {
	pipe, err := os.OpenFile(utils.PipePath(inst.StateDir()), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer pipe.Close()
	go tailPipe(pipe, os.Stdout)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			return nil
		}
		if buf[0] == 0x03 {
			return inst.Signal(unix.SIGKILL)
		}
	}
}

// tailPipe copies pipe's content to w as it grows, the way the pipe
// file accumulates a hart process's stdout one DebugPutChar at a time.
// Plain os.File.Read hits EOF at the current file size rather than
// blocking like a real fifo reader would, so this polls instead.
func tailPipe(pipe *os.File, w io.Writer) {
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			time.Sleep(50 * time.Millisecond)
		}
	}
}
