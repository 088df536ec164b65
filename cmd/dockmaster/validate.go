package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brianjlehnen/dockmaster/internal/graph"
	"github.com/brianjlehnen/dockmaster/stack"
)

func newValidateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check stack files without touching the Docker daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := stack.Load(root.dir)
			if err != nil {
				return err
			}
			g, err := graph.Build(state)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stacks := map[string]int{}
			for _, name := range state.Names() {
				stacks[state.Services[name].Stack]++
			}
			fmt.Fprintf(out, "%d services in %d stacks, start order:\n", len(state.Services), len(stacks))
			for i, tier := range g.Tiers() {
				fmt.Fprintf(out, "  %d. %s\n", i+1, strings.Join(tier, ", "))
			}
			return nil
		},
	}
}
