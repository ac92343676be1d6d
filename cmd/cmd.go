// Package cmd wires the CLI surface an operator uses to create, run,
// inspect and tear down Miralis instances onto the monitor package.
package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/rvfw/miralis/cmd/cli"
	"github.com/rvfw/miralis/utils"
)

const minKernelVersion = "5.0.0"

// Execute builds the App, registers every command, and runs it against
// os.Args. On error it prints the error to stderr and exits with
// status 1, since a failed command is this process's only job.
func Execute(name, usage, version, commit string) {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage

	v := []string{version}
	if commit != "" {
		v = append(v, "commit: "+commit)
	}
	v = append(v, "go: "+runtime.Version())
	app.Version = strings.Join(v, "\n")

	root := "/run/miralis"
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		root = xdg + "/miralis"
	}
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		cli.StringFlag{Name: "root", Value: root, Usage: "root directory for storage of instance state (this should be located in tmpfs)"},
	}
	app.Commands = []cli.Command{
		runCommand,
		listCommand,
		stateCommand,
		killCommand,
		deleteCommand,
		runHartCommand,
	}

	app.Before = func(ctx *cli.Context) error {
		return utils.CheckKernelVersion(minKernelVersion)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requireArgs(ctx *cli.Context, n int) error {
	if len(ctx.Args()) != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", ctx.Command.Name, n, len(ctx.Args()))
	}
	return nil
}
