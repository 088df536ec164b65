// dockmaster keeps a single Docker host running the services its stack
// files declare. The reconcile, status, and down commands are one-shot;
// watch runs the reconciliation loop, drift monitor, and HTTP API as a
// long-lived daemon.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brianjlehnen/dockmaster/internal/graph"
	"github.com/brianjlehnen/dockmaster/stack"
)

const (
	exitOK      = 0
	exitPartial = 1
	exitConfig  = 2
)

type rootOptions struct {
	dir       string
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "dockmaster",
		Short:         "Declarative container orchestration for a single Docker host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Logs go to stderr; stdout is reserved for command output.
			logrus.SetOutput(os.Stderr)
			if err := log.SetLevel(opts.logLevel); err != nil {
				return err
			}
			return log.SetFormat(log.OutputFormat(opts.logFormat))
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.dir, "dir", "d", envOr("DOCKMASTER_DIR", "."), "stack directory")
	flags.StringVar(&opts.logLevel, "log-level", envOr("DOCKMASTER_LOG_LEVEL", "info"), `log level ("debug", "info", "warn", "error")`)
	flags.StringVar(&opts.logFormat, "log-format", "text", `log format ("text" or "json")`)

	cmd.AddCommand(
		newReconcileCommand(opts),
		newStatusCommand(opts),
		newValidateCommand(opts),
		newDownCommand(opts),
		newWatchCommand(opts),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// exitCode maps an error to the process exit code: 2 for configuration
// problems the operator has to fix before a pass can run, 1 for
// everything else (partial passes included).
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cfgErr *stack.ConfigError
	var cycleErr *graph.CycleError
	if errors.As(err, &cfgErr) || errors.As(err, &cycleErr) {
		return exitConfig
	}
	return exitPartial
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dockmaster: %v\n", err)
		os.Exit(exitCode(err))
	}
}
