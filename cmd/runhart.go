package cmd

import (
	"github.com/rvfw/miralis/cmd/cli"
	"github.com/rvfw/miralis/monitor"
)

// runHartCommand is the subcommand Instance.Run re-execs this same
// binary with: it never shows up in --help, and it never returns
// control to a shell except when every hart has halted.
var runHartCommand = cli.Command{
	Name:   "__run-hart",
	Usage:  "internal: run the hart fleet for one instance",
	Hidden: true,
	Flags: []cli.Flag{
		cli.StringFlag{Name: "state-dir", Usage: "path to the instance's persisted state directory"},
	},
	Action: func(ctx *cli.Context) error {
		return monitor.RunHarts(ctx.String("state-dir"))
	},
}
