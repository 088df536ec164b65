package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/brianjlehnen/dockmaster/internal/engine"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
)

func newStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show desired services against what the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtime.NewDocker()
			if err != nil {
				return err
			}
			eng := engine.New(rt, engine.NewEventLog(), engine.Options{StackDir: root.dir})

			st, err := eng.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tSTACK\tSTATUS\tUPTIME\tSYNC\tID")
			for _, row := range st.Services {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					row.Name, row.Stack, statusCell(row), uptimeCell(row), syncCell(row), shortID(row.ID))
			}
			tw.Flush()

			if len(st.Orphans) > 0 {
				fmt.Fprintf(out, "\n%d containers not in any stack file:\n", len(st.Orphans))
				tw = tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
				for _, row := range st.Orphans {
					fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", row.Name, row.Image, row.Status, shortID(row.ID))
				}
				tw.Flush()
			}
			return nil
		},
	}
}

func statusCell(row engine.ServiceStatus) string {
	if row.Status == runtime.StatusStopped && row.ExitCode != 0 {
		return fmt.Sprintf("%s (exit %d)", row.Status, row.ExitCode)
	}
	return string(row.Status)
}

func uptimeCell(row engine.ServiceStatus) string {
	if row.Status != runtime.StatusRunning || row.StartedAt.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(row.StartedAt))
}

func syncCell(row engine.ServiceStatus) string {
	switch {
	case row.Status == engine.StatusAbsent:
		return "-"
	case row.InSync:
		return "yes"
	default:
		return "drifted"
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "-"
	}
	return id
}
