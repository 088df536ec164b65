// Package engine reconciles declared stacks against the container
// runtime. Each pass loads the stack directory fresh, observes what the
// runtime is actually running, computes a plan, and applies it tier by
// tier in dependency order. Passes are serialized; triggers arriving
// mid-pass coalesce into one follow-up pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/moby/locker"

	"github.com/brianjlehnen/dockmaster/internal/graph"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
	"github.com/brianjlehnen/dockmaster/stack"
)

const (
	// DefaultWorkers bounds how many actions run concurrently within a
	// tier.
	DefaultWorkers = 4

	// DefaultRetries is the attempt budget per action for transient
	// runtime failures.
	DefaultRetries = 3

	// DefaultBackoff is the delay before the first retry; it doubles on
	// each subsequent one.
	DefaultBackoff = 500 * time.Millisecond
)

// ErrPartial reports a pass that completed but could not reconcile every
// service.
var ErrPartial = errors.New("some services were not reconciled")

// Options configure an Engine.
type Options struct {
	// StackDir is the directory of stack files, reloaded on every pass.
	StackDir string

	// RemoveOrphans authorizes removal of managed containers that no
	// stack file claims.
	RemoveOrphans bool

	Workers int
	Retries int
	Backoff time.Duration
}

// Engine owns reconciliation. It is safe to share across the API server,
// the drift monitor, and signal handlers: they all just Kick it.
type Engine struct {
	opts  Options
	rt    runtime.Adapter
	log   *EventLog
	locks *locker.Locker

	trigger chan string

	mu   sync.Mutex
	last *PassResult
}

// New creates an Engine. Zero option fields get defaults.
func New(rt runtime.Adapter, eventLog *EventLog, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Engine{
		opts:    opts,
		rt:      rt,
		log:     eventLog,
		locks:   locker.New(),
		trigger: make(chan string, 1),
	}
}

// Log returns the engine's event log.
func (e *Engine) Log() *EventLog { return e.log }

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	ID       string         `json:"id"`
	Trigger  string         `json:"trigger"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Plan     *Plan          `json:"plan"`
	Results  []ActionResult `json:"results,omitempty"`
}

// Summary aggregates the pass outcome.
func (r *PassResult) Summary() PassSummary {
	s := PassSummary{
		Planned:  r.Plan.Len(),
		Duration: r.Finished.Sub(r.Started).Round(time.Millisecond).String(),
	}
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeApplied:
			s.Applied++
		case OutcomeFailed:
			s.Failed++
		case OutcomeBlocked:
			s.Blocked++
		}
	}
	return s
}

// Err returns nil for a fully applied pass and an ErrPartial-wrapped
// error otherwise. A pass cancelled between tiers counts as partial:
// fewer actions applied than planned.
func (r *PassResult) Err() error {
	s := r.Summary()
	if s.Failed == 0 && s.Blocked == 0 && s.Applied == s.Planned {
		return nil
	}
	return fmt.Errorf("%w: applied %d of %d (%d failed, %d blocked)", ErrPartial, s.Applied, s.Planned, s.Failed, s.Blocked)
}

// Result returns the action result for a service, if the pass planned
// work for it.
func (r *PassResult) Result(service string) (ActionResult, bool) {
	for _, res := range r.Results {
		if res.Action.Service == service {
			return res, true
		}
	}
	return ActionResult{}, false
}

// Last returns the most recent completed pass, if any.
func (e *Engine) Last() *PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) load() (stack.DesiredState, *graph.Graph, error) {
	state, err := stack.Load(e.opts.StackDir)
	if err != nil {
		return stack.DesiredState{}, nil, err
	}
	g, err := graph.Build(state)
	if err != nil {
		return stack.DesiredState{}, nil, err
	}
	return state, g, nil
}

// Plan computes what a pass would do right now without touching
// anything.
func (e *Engine) Plan(ctx context.Context) (*Plan, error) {
	state, g, err := e.load()
	if err != nil {
		return nil, err
	}
	observed, err := e.rt.List(ctx)
	if err != nil {
		return nil, err
	}
	return BuildPlan(state, observed, g, e.opts.RemoveOrphans), nil
}

// ReconcileOnce runs one full pass: load, observe, plan, apply.
//
// The returned error is nil when everything applied, wraps ErrPartial
// when some actions failed or were blocked, and is a config or runtime
// error when the pass could not run at all. The PassResult is non-nil
// whenever a plan was executed, including partial failures.
func (e *Engine) ReconcileOnce(ctx context.Context, trigger string) (*PassResult, error) {
	passID := uuid.NewString()[:8]
	started := time.Now()
	e.log.Publish(Event{Type: EventPassStarted, Pass: passID, Trigger: trigger})

	fail := func(err error) (*PassResult, error) {
		passesTotal.WithLabelValues(trigger, "error").Inc()
		e.log.Publish(Event{Type: EventPassCompleted, Pass: passID, Trigger: trigger, Error: err.Error()})
		return nil, err
	}

	state, g, err := e.load()
	if err != nil {
		return fail(err)
	}
	servicesDesired.Set(float64(len(state.Services)))

	observed, err := e.rt.List(ctx)
	if err != nil {
		return fail(err)
	}

	plan := BuildPlan(state, observed, g, e.opts.RemoveOrphans)
	e.log.Publish(Event{Type: EventPlanComputed, Pass: passID, Plan: plan})
	for _, name := range plan.Ignored {
		e.log.Publish(Event{Type: EventOrphanIgnored, Pass: passID, Service: name, Reason: "not in any stack file"})
	}

	results := e.executor(g.Dependencies).execute(ctx, passID, plan, state)
	return e.finish(passID, trigger, started, plan, results)
}

// Down stops every managed container, dependents before dependencies.
// With remove set, containers are deleted after stopping, orphans
// included.
func (e *Engine) Down(ctx context.Context, remove bool) (*PassResult, error) {
	passID := uuid.NewString()[:8]
	started := time.Now()
	e.log.Publish(Event{Type: EventPassStarted, Pass: passID, Trigger: "down"})

	fail := func(err error) (*PassResult, error) {
		passesTotal.WithLabelValues("down", "error").Inc()
		e.log.Publish(Event{Type: EventPassCompleted, Pass: passID, Trigger: "down", Error: err.Error()})
		return nil, err
	}

	state, g, err := e.load()
	if err != nil {
		return fail(err)
	}
	observed, err := e.rt.List(ctx)
	if err != nil {
		return fail(err)
	}

	plan := downPlan(state, observed, g, remove)
	e.log.Publish(Event{Type: EventPlanComputed, Pass: passID, Plan: plan})

	results := e.executor(g.Dependents).execute(ctx, passID, plan, state)
	return e.finish(passID, "down", started, plan, results)
}

func (e *Engine) executor(deps func(string) []string) *executor {
	return &executor{
		rt:      e.rt,
		log:     e.log,
		locks:   e.locks,
		workers: e.opts.Workers,
		retries: e.opts.Retries,
		backoff: e.opts.Backoff,
		deps:    deps,
	}
}

func (e *Engine) finish(passID, trigger string, started time.Time, plan *Plan, results []ActionResult) (*PassResult, error) {
	res := &PassResult{
		ID:       passID,
		Trigger:  trigger,
		Started:  started,
		Finished: time.Now(),
		Plan:     plan,
		Results:  results,
	}

	summary := res.Summary()
	outcome := "ok"
	completed := Event{Type: EventPassCompleted, Pass: passID, Trigger: trigger, Summary: &summary}
	if err := res.Err(); err != nil {
		outcome = "partial"
		completed.Error = err.Error()
	}
	passesTotal.WithLabelValues(trigger, outcome).Inc()
	passDuration.Observe(res.Finished.Sub(res.Started).Seconds())
	e.log.Publish(completed)

	e.mu.Lock()
	e.last = res
	e.mu.Unlock()

	return res, res.Err()
}

// Kick requests a pass. Passes are serialized; a kick arriving while one
// is already queued coalesces into it.
func (e *Engine) Kick(reason string) {
	select {
	case e.trigger <- reason:
	default:
		// a pass is already queued; this kick rides along
	}
}

// Run reconciles once at startup, then serves kicks until ctx is
// cancelled. Pass failures are published and logged, never fatal: the
// next kick gets a fresh attempt.
func (e *Engine) Run(ctx context.Context) error {
	e.Kick("startup")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-e.trigger:
			if _, err := e.ReconcileOnce(ctx, reason); err != nil {
				log.G(ctx).WithError(err).WithField("trigger", reason).Warn("reconciliation pass incomplete")
			}
		}
	}
}
