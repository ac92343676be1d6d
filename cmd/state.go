package cmd

import (
	"encoding/json"
	"os"

	"github.com/rvfw/miralis/cmd/cli"
	"github.com/rvfw/miralis/monitor"
)

var stateCommand = cli.Command{
	Name:  "state",
	Usage: "output the state of an instance",
	ArgsUsage: `<instance-id>

Where "<instance-id>" is your name for the instance.`,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, 1); err != nil {
			return err
		}
		inst, err := monitor.Load(ctx.GlobalString("root"), ctx.Args()[0])
		if err != nil {
			return err
		}
		status, err := inst.Status()
		if err != nil {
			return err
		}
		st, err := inst.State()
		if err != nil {
			return err
		}
		pid := st.InitPid
		if status == monitor.Stopped {
			pid = 0
		}
		out := instanceState{
			ID:       st.ID,
			Pid:      pid,
			Status:   status.String(),
			Platform: st.Config.Platform,
			Created:  st.Created,
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	},
}
