package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/matgreaves/run"
	"github.com/spf13/cobra"

	"github.com/brianjlehnen/dockmaster/internal/api"
	"github.com/brianjlehnen/dockmaster/internal/engine"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
)

type watchOptions struct {
	listen        string
	pollInterval  time.Duration
	driftDebounce time.Duration
	removeOrphans bool
	workers       int
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile continuously, watching for drift and serving the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.listen, "listen", envOr("DOCKMASTER_LISTEN", "127.0.0.1:7430"), "HTTP API listen address")
	flags.DurationVar(&opts.pollInterval, "poll-interval", engine.DefaultPollInterval, "how often to check the daemon for drift")
	flags.DurationVar(&opts.driftDebounce, "drift-debounce", engine.DefaultDriftDebounce, "how long drift must persist before a pass is triggered")
	flags.BoolVar(&opts.removeOrphans, "remove-orphans", envOr("DOCKMASTER_REMOVE_ORPHANS", "") == "true", "remove managed containers no stack file claims")
	flags.IntVar(&opts.workers, "workers", engine.DefaultWorkers, "concurrent actions per dependency tier")
	return cmd
}

// runWatch composes the long-lived pieces: the reconciliation loop, the
// drift monitor, the HTTP API, and a SIGHUP handler for config reloads.
// The group unwinds together: the first failure, or a SIGINT/SIGTERM,
// takes everything down.
func runWatch(cmd *cobra.Command, root *rootOptions, opts *watchOptions) error {
	rt, err := runtime.NewDocker()
	if err != nil {
		return err
	}

	eng := engine.New(rt, engine.NewEventLog(), engine.Options{
		StackDir:      root.dir,
		RemoveOrphans: opts.removeOrphans,
		Workers:       opts.workers,
	})
	mon := &engine.Monitor{
		RT:       rt,
		Log:      eng.Log(),
		Kick:     eng.Kick,
		Interval: opts.pollInterval,
		Debounce: opts.driftDebounce,
	}

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.G(ctx).WithField("addr", ln.Addr().String()).WithField("dir", root.dir).Info("dockmaster watching")

	group := run.Group{
		"engine":  eng,
		"monitor": mon,
		"api":     serveRunner(ln, api.NewServer(eng)),
		"reload":  reloadRunner(eng),
	}
	err = group.Run(ctx)
	if ctx.Err() != nil {
		// Signal-driven shutdown, not a failure.
		log.G(context.Background()).Info("shut down")
		return nil
	}
	return err
}

// serveRunner serves the API until ctx is cancelled, then drains
// in-flight requests before returning.
func serveRunner(ln net.Listener, handler http.Handler) run.Runner {
	return run.Func(func(ctx context.Context) error {
		srv := &http.Server{Handler: handler}

		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve(ln) }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-serveErr:
			return err
		}
	})
}

// reloadRunner turns SIGHUP into a pass, the usual way to pick up edited
// stack files without restarting the daemon.
func reloadRunner(eng *engine.Engine) run.Runner {
	return run.Func(func(ctx context.Context) error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-hup:
				log.G(ctx).Info("SIGHUP: reloading stacks")
				eng.Kick("config")
			}
		}
	})
}
