package cmd

import (
	"fmt"
	"os"

	"github.com/rvfw/miralis/cmd/cli"
	"github.com/rvfw/miralis/monitor"
)

var runCommand = cli.Command{
	Name:  "run",
	Usage: "create and run a Miralis instance",
	ArgsUsage: `<instance-id>

Where "<instance-id>" is your name for the instance you are starting. The
name you provide must be unique under the chosen "--root".

EXAMPLE:
       # miralis run --firmware fw.bin --payload payload.bin --platform qemu-virt hart0`,
	Flags: []cli.Flag{
		cli.StringFlag{Name: "firmware", Usage: "path to the firmware image deprivileged into U-mode"},
		cli.StringFlag{Name: "payload", Usage: "path to the S-mode payload image"},
		cli.StringFlag{Name: "platform", Value: "qemu-virt", Usage: "platform parameter set: qemu-virt or visionfive2"},
		cli.IntFlag{Name: "nb-harts", Usage: "override the platform's default hart count"},
		cli.StringFlag{Name: "policies", Usage: "comma-separated policy names: protect-payload,offload,keystone,counters"},
		cli.StringFlag{Name: "protect-payload-hash", Usage: "hex SHA3-256 digest the protect-payload policy pins the payload to"},
		cli.BoolFlag{Name: "attach", Usage: "stay attached, streaming hart debug output and forwarding Ctrl-C as a kill signal"},
	},
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, 1); err != nil {
			return err
		}
		id := ctx.Args()[0]

		cfg := &monitor.Config{
			Debug:              ctx.GlobalBool("debug"),
			FirmwarePath:       ctx.String("firmware"),
			PayloadPath:        ctx.String("payload"),
			Platform:           ctx.String("platform"),
			NbHarts:            ctx.Int("nb-harts"),
			Policies:           splitNonEmpty(ctx.String("policies")),
			ProtectPayloadHash: ctx.String("protect-payload-hash"),
		}

		inst, err := monitor.Create(ctx.GlobalString("root"), id, cfg)
		if err != nil {
			return fmt.Errorf("miralis run: %w", err)
		}

		selfExe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("miralis run: resolving self: %w", err)
		}
		if err := inst.Run(selfExe); err != nil {
			return fmt.Errorf("miralis run: %w", err)
		}
		if ctx.Bool("attach") {
			return attachConsole(inst)
		}
		return nil
	},
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
