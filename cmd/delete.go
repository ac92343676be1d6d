package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/rvfw/miralis/cmd/cli"
	"github.com/rvfw/miralis/monitor"
)

var deleteCommand = cli.Command{
	Name:  "delete",
	Usage: "delete any resources held by the instance, often used with a stopped instance",
	ArgsUsage: `<instance-id>

EXAMPLE:
       # miralis delete hart0`,
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "force", Usage: "forcibly delete the instance if it is still running (uses SIGKILL)"},
	},
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, 1); err != nil {
			return err
		}
		id := ctx.Args()[0]
		root := ctx.GlobalString("root")
		force := ctx.Bool("force")

		inst, err := monitor.Load(root, id)
		if err != nil {
			if errors.Is(err, monitor.ErrNotExist) {
				path := filepath.Join(root, id)
				if e := os.RemoveAll(path); e != nil {
					fmt.Fprintf(os.Stderr, "remove %s: %v\n", path, e)
				}
				if force {
					return nil
				}
			}
			return err
		}

		if force {
			if err := inst.Signal(unix.SIGKILL); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
				return err
			}
			return inst.Destroy()
		}

		status, err := inst.Status()
		if err != nil {
			return err
		}
		switch status {
		case monitor.Stopped, monitor.Created:
			return inst.Destroy()
		default:
			return fmt.Errorf("cannot delete instance %s that is not stopped: %s", id, status)
		}
	},
}
