package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rvfw/miralis/cmd/cli"
	"github.com/rvfw/miralis/monitor"
)

var killCommand = cli.Command{
	Name:  "kill",
	Usage: "kill sends the specified signal (default: SIGTERM) to the instance's hart process",
	ArgsUsage: `<instance-id> [signal]

EXAMPLE:
       # miralis kill hart0 KILL`,
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "all", Usage: "treat a non-running instance as already killed instead of erroring"},
	},
	Action: func(ctx *cli.Context) error {
		args := ctx.Args()
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("kill: expected 1 or 2 arguments, got %d", len(args))
		}
		inst, err := monitor.Load(ctx.GlobalString("root"), args[0])
		if err != nil {
			return err
		}
		sigStr := "SIGTERM"
		if len(args) == 2 {
			sigStr = args[1]
		}
		sig, err := parseSignal(sigStr)
		if err != nil {
			return err
		}
		err = inst.Signal(sig)
		if errors.Is(err, monitor.ErrNotRunning) && ctx.Bool("all") {
			return nil
		}
		return err
	},
}

func parseSignal(raw string) (unix.Signal, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return unix.Signal(n), nil
	}
	name := strings.ToUpper(raw)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return -1, fmt.Errorf("unknown signal %q", raw)
	}
	return sig, nil
}
