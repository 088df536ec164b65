package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brianjlehnen/dockmaster/internal/engine"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
)

type reconcileOptions struct {
	dryRun        bool
	removeOrphans bool
	workers       int
	retries       int
}

func newReconcileCommand(root *rootOptions) *cobra.Command {
	opts := &reconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the Docker daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.dryRun, "dry-run", false, "print the plan without applying it")
	flags.BoolVar(&opts.removeOrphans, "remove-orphans", envOr("DOCKMASTER_REMOVE_ORPHANS", "") == "true", "remove managed containers no stack file claims")
	flags.IntVar(&opts.workers, "workers", engine.DefaultWorkers, "concurrent actions per dependency tier")
	flags.IntVar(&opts.retries, "retries", engine.DefaultRetries, "attempts per action for transient daemon failures")
	return cmd
}

func runReconcile(cmd *cobra.Command, root *rootOptions, opts *reconcileOptions) error {
	rt, err := runtime.NewDocker()
	if err != nil {
		return err
	}
	eng := engine.New(rt, engine.NewEventLog(), engine.Options{
		StackDir:      root.dir,
		RemoveOrphans: opts.removeOrphans,
		Workers:       opts.workers,
		Retries:       opts.retries,
	})

	if opts.dryRun {
		plan, err := eng.Plan(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), plan)
		return nil
	}

	res, err := eng.ReconcileOnce(cmd.Context(), "cli")
	if res != nil {
		printPassResult(cmd.OutOrStdout(), res)
	}
	return err
}

// printPassResult renders the outcome of a pass as a table, one row per
// planned action, followed by a summary line.
func printPassResult(w io.Writer, res *engine.PassResult) {
	if res.Plan.Empty() {
		if n := len(res.Plan.UpToDate); n > 0 {
			fmt.Fprintf(w, "nothing to do: %d services up to date\n", n)
		} else {
			fmt.Fprintln(w, "nothing to do")
		}
		return
	}

	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tACTION\tOUTCOME\tDETAIL")
	for _, r := range res.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Action.Service, r.Action.Kind, r.Outcome, resultDetail(r))
	}
	tw.Flush()

	s := res.Summary()
	fmt.Fprintf(w, "\n%d applied, %d failed, %d blocked, %d up to date (%s)\n",
		s.Applied, s.Failed, s.Blocked, len(res.Plan.UpToDate), s.Duration)
}

func resultDetail(r engine.ActionResult) string {
	switch r.Outcome {
	case engine.OutcomeApplied:
		d := r.Duration.Round(time.Millisecond).String()
		if r.Attempts > 1 {
			d += fmt.Sprintf(", %d attempts", r.Attempts)
		}
		return d
	case engine.OutcomeBlocked:
		if len(r.Chain) > 0 {
			return "blocked by " + strings.Join(r.Chain, " → ")
		}
	}
	return r.Error
}
