package main

import (
	"github.com/spf13/cobra"

	"github.com/brianjlehnen/dockmaster/internal/engine"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
)

func newDownCommand(root *rootOptions) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop every managed container, dependents before dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtime.NewDocker()
			if err != nil {
				return err
			}
			eng := engine.New(rt, engine.NewEventLog(), engine.Options{StackDir: root.dir})

			res, err := eng.Down(cmd.Context(), remove)
			if res != nil {
				printPassResult(cmd.OutOrStdout(), res)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "delete containers after stopping, orphans included")
	return cmd
}
