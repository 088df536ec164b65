package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/moby/locker"
	"golang.org/x/sync/errgroup"

	"github.com/brianjlehnen/dockmaster/internal/engine/probe"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
	"github.com/brianjlehnen/dockmaster/stack"
)

// settlePoll is how often the executor re-inspects a container while
// waiting for it to settle after start.
const settlePoll = 250 * time.Millisecond

// Outcome is how a planned action ended.
type Outcome string

const (
	// OutcomeApplied means the action ran and the service became ready.
	OutcomeApplied Outcome = "applied"
	// OutcomeFailed means the action errored or the service never became
	// ready.
	OutcomeFailed Outcome = "failed"
	// OutcomeBlocked means the action was skipped because a dependency's
	// action failed earlier in the pass.
	OutcomeBlocked Outcome = "blocked"
)

// ActionResult records how one planned action ended.
type ActionResult struct {
	Action   Action        `json:"action"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Chain    []string      `json:"chain,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// executor runs a plan against the runtime adapter. Orphan removals run
// first, then each tier with bounded concurrency. A tier only starts
// after every touched service in the previous tier is ready, so
// dependency ordering holds across the whole pass.
type executor struct {
	rt      runtime.Adapter
	log     *EventLog
	locks   *locker.Locker
	workers int
	retries int
	backoff time.Duration

	// deps returns the services that must succeed before the named one
	// may be touched: graph dependencies on the way up, graph dependents
	// on the way down.
	deps func(name string) []string
}

func (x *executor) execute(ctx context.Context, passID string, plan *Plan, state stack.DesiredState) []ActionResult {
	results := make([]ActionResult, 0, plan.Len())

	for _, a := range plan.Orphans {
		results = append(results, x.apply(ctx, passID, a, state))
	}

	var (
		mu     sync.Mutex
		failed = map[string]bool{}
		chains = map[string][]string{}
	)

	for _, tier := range plan.Tiers {
		// Cancellation point: a pass stops between tiers, never mid-action.
		if ctx.Err() != nil {
			break
		}

		tierResults := make([]ActionResult, len(tier))

		// Partition the tier before launching anything: a service whose
		// dependency failed or was blocked in an earlier tier is skipped,
		// with the path back to the root failure recorded.
		var runnable []int
		for i, a := range tier {
			chain := blockedChain(a.Service, x.deps, failed, chains)
			if chain == nil {
				runnable = append(runnable, i)
				continue
			}
			chains[a.Service] = chain
			reason := fmt.Sprintf("dependency %q failed", chain[len(chain)-1])
			tierResults[i] = ActionResult{Action: a, Outcome: OutcomeBlocked, Error: reason, Chain: chain}
			x.log.Publish(Event{
				Type:    EventServiceBlocked,
				Pass:    passID,
				Service: a.Service,
				Action:  string(a.Kind),
				Reason:  reason,
				Chain:   chain,
			})
			actionsTotal.WithLabelValues(string(a.Kind), string(OutcomeBlocked)).Inc()
		}

		grp := new(errgroup.Group)
		grp.SetLimit(x.workers)
		for _, i := range runnable {
			a := tier[i]
			grp.Go(func() error {
				r := x.apply(ctx, passID, a, state)
				if r.Outcome == OutcomeFailed {
					mu.Lock()
					failed[a.Service] = true
					mu.Unlock()
				}
				tierResults[i] = r
				return nil
			})
		}
		grp.Wait()

		results = append(results, tierResults...)
	}
	return results
}

// blockedChain returns the dependency path from name to the nearest root
// failure: the first element is name's own failed or blocked dependency,
// the last is the service whose action actually failed. Nil when every
// dependency is fine.
func blockedChain(name string, deps func(string) []string, failed map[string]bool, chains map[string][]string) []string {
	for _, dep := range deps(name) {
		if failed[dep] {
			return []string{dep}
		}
		if c, ok := chains[dep]; ok {
			return append([]string{dep}, c...)
		}
	}
	return nil
}

// apply runs one action to completion, including retries and readiness
// gating, and publishes its lifecycle events.
func (x *executor) apply(ctx context.Context, passID string, a Action, state stack.DesiredState) ActionResult {
	// One action per service at a time, however the pass was triggered.
	x.locks.Lock(a.Service)
	defer x.locks.Unlock(a.Service)

	start := time.Now()
	logger := log.G(ctx).WithField("service", a.Service).WithField("action", string(a.Kind))
	logger.WithField("reason", a.Reason).Info("applying")
	x.log.Publish(Event{Type: EventActionStarted, Pass: passID, Service: a.Service, Action: string(a.Kind), Reason: a.Reason})

	attempts, err := x.withRetry(ctx, passID, a, func() error {
		return x.run(ctx, a, state)
	})

	r := ActionResult{Action: a, Attempts: attempts, Duration: time.Since(start)}
	if err != nil {
		r.Outcome = OutcomeFailed
		r.Error = err.Error()
		logger.WithError(err).Error("action failed")
		x.log.Publish(Event{Type: EventActionFailed, Pass: passID, Service: a.Service, Action: string(a.Kind), Attempt: attempts, Error: err.Error()})
	} else {
		r.Outcome = OutcomeApplied
		logger.WithField("elapsed", r.Duration.Round(time.Millisecond).String()).Info("applied")
		x.log.Publish(Event{Type: EventActionCompleted, Pass: passID, Service: a.Service, Action: string(a.Kind)})
	}
	actionsTotal.WithLabelValues(string(a.Kind), string(r.Outcome)).Inc()
	return r
}

// withRetry runs fn, retrying transient runtime failures with doubling
// backoff. Anything else fails on the first attempt.
func (x *executor) withRetry(ctx context.Context, passID string, a Action, fn func() error) (int, error) {
	delay := x.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return attempt, nil
		}
		if attempt >= x.retries || !runtime.Transient(err) {
			return attempt, err
		}
		log.G(ctx).WithField("service", a.Service).WithError(err).Warnf("transient failure, retrying in %s", delay)
		x.log.Publish(Event{Type: EventActionRetried, Pass: passID, Service: a.Service, Action: string(a.Kind), Attempt: attempt, Error: err.Error()})
		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (x *executor) run(ctx context.Context, a Action, state stack.DesiredState) error {
	svc := state.Services[a.Service]

	switch a.Kind {
	case ActionStop:
		return x.rt.Stop(ctx, a.ID)

	case ActionRemove:
		if err := x.rt.Stop(ctx, a.ID); err != nil {
			return err
		}
		return x.rt.Remove(ctx, a.ID)

	case ActionStart:
		if err := x.rt.Start(ctx, a.ID); err != nil {
			return err
		}
		return x.waitReady(ctx, svc, a.ID)

	case ActionRecreate:
		if err := x.rt.Stop(ctx, a.ID); err != nil {
			return err
		}
		if err := x.rt.Remove(ctx, a.ID); err != nil {
			return err
		}
		fallthrough
	case ActionCreate:
		id, err := x.rt.Create(ctx, svc)
		if err != nil {
			return err
		}
		if err := x.rt.Start(ctx, id); err != nil {
			return err
		}
		return x.waitReady(ctx, svc, id)
	}
	return nil
}

// waitReady blocks until the service is ready to release its dependents.
// A Docker healthcheck gates through the container's reported health; a
// probe gates by dialing the published port; everything else is ready as
// soon as the container reports running (or, for one-shots, exits zero).
func (x *executor) waitReady(ctx context.Context, svc stack.ServiceSpec, id string) error {
	timeout := stack.DefaultProbeTimeout
	if svc.Probe != nil && svc.Probe.Timeout > 0 {
		timeout = svc.Probe.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := x.waitSettled(ctx, svc, id, timeout)
	if err != nil {
		return err
	}
	if status != runtime.StatusRunning {
		// One-shot that already ran to completion.
		return nil
	}
	if svc.Healthcheck != nil || svc.Probe == nil {
		// With a healthcheck, running already means healthy.
		return nil
	}

	addr, ok := probe.Address(svc)
	if !ok {
		return nil
	}
	return probe.Poll(ctx, probe.For(svc.Probe), addr, timeout, func(err error) {
		log.G(ctx).WithField("service", svc.Name).WithError(err).Debug("probe not ready")
	})
}

// waitSettled polls the container until it leaves the starting state.
// Transient inspect failures keep the poll alive; the deadline on ctx
// bounds the whole wait.
func (x *executor) waitSettled(ctx context.Context, svc stack.ServiceSpec, id string, timeout time.Duration) (runtime.Status, error) {
	tick := time.NewTicker(settlePoll)
	defer tick.Stop()

	last := runtime.Status("unknown")
	for {
		inst, err := x.rt.Inspect(ctx, id)
		switch {
		case err != nil && runtime.Transient(err):
			// Daemon hiccup while polling; keep waiting.
		case err != nil:
			return "", err
		default:
			last = inst.Status
			switch inst.Status {
			case runtime.StatusRunning:
				return inst.Status, nil
			case runtime.StatusStarting:
				// Healthcheck start period, or a restart in progress.
			case runtime.StatusUnhealthy:
				return "", fmt.Errorf("healthcheck reports unhealthy")
			case runtime.StatusStopped:
				if svc.Restart.Mode == stack.RestartNever && inst.ExitCode == 0 {
					return inst.Status, nil
				}
				return "", fmt.Errorf("exited with code %d before becoming ready", inst.ExitCode)
			default:
				return "", fmt.Errorf("exited with code %d before becoming ready", inst.ExitCode)
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("not ready after %s (last status %s)", timeout, last)
		case <-tick.C:
		}
	}
}
