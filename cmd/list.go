package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rvfw/miralis/cmd/cli"
	"github.com/rvfw/miralis/monitor"
)

type instanceState struct {
	ID       string    `json:"id"`
	Pid      int       `json:"pid"`
	Status   string    `json:"status"`
	Platform string    `json:"platform"`
	Created  time.Time `json:"created"`
}

var listCommand = cli.Command{
	Name:  "list",
	Usage: "lists instances started by miralis with the given root",
	ArgsUsage: `

EXAMPLE:
       # miralis list
       # miralis --root value list`,
	Flags: []cli.Flag{
		cli.StringFlag{Name: "format", Value: "table", Usage: "select one of: table or json"},
		cli.BoolFlag{Name: "quiet", Usage: "display only instance IDs"},
	},
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, 0); err != nil {
			return err
		}
		states, err := listInstances(ctx.GlobalString("root"))
		if err != nil {
			return err
		}

		if ctx.Bool("quiet") {
			for _, s := range states {
				fmt.Println(s.ID)
			}
			return nil
		}

		switch ctx.String("format") {
		case "table":
			w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
			fmt.Fprint(w, "ID\tPID\tSTATUS\tPLATFORM\tCREATED\n")
			for _, s := range states {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", s.ID, s.Pid, s.Status, s.Platform, s.Created.Format(time.RFC3339Nano))
			}
			return w.Flush()
		case "json":
			return json.NewEncoder(os.Stdout).Encode(states)
		default:
			return fmt.Errorf("invalid format %q", ctx.String("format"))
		}
	},
}

func listInstances(root string) ([]instanceState, error) {
	ids, err := monitor.List(root)
	if err != nil {
		return nil, err
	}
	states := make([]instanceState, 0, len(ids))
	for _, id := range ids {
		inst, err := monitor.Load(root, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load instance %s: %v\n", id, err)
			continue
		}
		status, err := inst.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "status for %s: %v\n", id, err)
			continue
		}
		st, err := inst.State()
		if err != nil {
			fmt.Fprintf(os.Stderr, "state for %s: %v\n", id, err)
			continue
		}
		pid := st.InitPid
		if status == monitor.Stopped {
			pid = 0
		}
		states = append(states, instanceState{
			ID:       st.ID,
			Pid:      pid,
			Status:   status.String(),
			Platform: st.Config.Platform,
			Created:  st.Created,
		})
	}
	return states, nil
}
