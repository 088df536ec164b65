package engine

import (
	"fmt"
	"sort"

	"github.com/brianjlehnen/dockmaster/internal/graph"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
	"github.com/brianjlehnen/dockmaster/stack"
)

// BuildPlan compares desired state against what the runtime reported and
// returns the actions needed to close the gap. It never talks to the
// runtime itself.
//
// A fingerprint mismatch recreates only the changed service; dependents
// with matching fingerprints are left untouched. Orphans (observed
// containers no stack file claims) are removed only when removeOrphans
// is set, and always before anything else so their names and ports are
// free by the time the tiers run.
func BuildPlan(state stack.DesiredState, observed map[string]runtime.Instance, g *graph.Graph, removeOrphans bool) *Plan {
	plan := &Plan{}

	for _, tier := range g.Tiers() {
		var actions []Action
		for _, name := range tier {
			svc := state.Services[name]
			inst, ok := observed[name]
			if !ok {
				actions = append(actions, Action{
					Kind:    ActionCreate,
					Service: name,
					Reason:  "no container",
				})
				continue
			}
			if inst.Fingerprint != svc.Fingerprint() {
				actions = append(actions, Action{
					Kind:    ActionRecreate,
					Service: name,
					Reason:  "configuration changed",
					ID:      inst.ID,
				})
				continue
			}

			switch inst.Status {
			case runtime.StatusRunning, runtime.StatusStarting, runtime.StatusUnhealthy:
				// Unhealthy is surfaced through drift events, not restarts;
				// recreating on every flap would fight the healthcheck.
				plan.UpToDate = append(plan.UpToDate, name)
			case runtime.StatusStopped:
				if svc.Restart.Mode == stack.RestartNever && inst.ExitCode == 0 {
					// One-shot that already ran to completion.
					plan.UpToDate = append(plan.UpToDate, name)
					continue
				}
				actions = append(actions, Action{
					Kind:    ActionStart,
					Service: name,
					Reason:  "stopped",
					ID:      inst.ID,
				})
			default: // StatusError
				actions = append(actions, Action{
					Kind:    ActionStart,
					Service: name,
					Reason:  fmt.Sprintf("exited with code %d", inst.ExitCode),
					ID:      inst.ID,
				})
			}
		}
		if len(actions) > 0 {
			plan.Tiers = append(plan.Tiers, actions)
		}
	}

	// Anything observed but not desired is an orphan.
	var orphans []string
	for name := range observed {
		if _, ok := state.Services[name]; !ok {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)

	for _, name := range orphans {
		if !removeOrphans {
			plan.Ignored = append(plan.Ignored, name)
			continue
		}
		plan.Orphans = append(plan.Orphans, Action{
			Kind:    ActionRemove,
			Service: name,
			Reason:  "not in any stack file",
			ID:      observed[name].ID,
		})
	}

	sort.Strings(plan.UpToDate)
	return plan
}

// active reports whether the container is up in any form.
func active(s runtime.Status) bool {
	return s == runtime.StatusRunning || s == runtime.StatusStarting || s == runtime.StatusUnhealthy
}

// downPlan stops (or, with remove, deletes) every managed container,
// dependents before dependencies. Orphans go in a final tier of their
// own: nothing declared waits on their shutdown.
func downPlan(state stack.DesiredState, observed map[string]runtime.Instance, g *graph.Graph, remove bool) *Plan {
	plan := &Plan{}

	for _, tier := range g.ReverseTiers() {
		var actions []Action
		for _, name := range tier {
			inst, ok := observed[name]
			if !ok {
				continue
			}
			switch {
			case remove:
				actions = append(actions, Action{Kind: ActionRemove, Service: name, Reason: "stack down", ID: inst.ID})
			case active(inst.Status):
				actions = append(actions, Action{Kind: ActionStop, Service: name, Reason: "stack down", ID: inst.ID})
			default:
				plan.UpToDate = append(plan.UpToDate, name)
			}
		}
		if len(actions) > 0 {
			plan.Tiers = append(plan.Tiers, actions)
		}
	}

	var orphans []string
	for name := range observed {
		if _, ok := state.Services[name]; !ok {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)

	var last []Action
	for _, name := range orphans {
		inst := observed[name]
		switch {
		case remove:
			last = append(last, Action{Kind: ActionRemove, Service: name, Reason: "stack down", ID: inst.ID})
		case active(inst.Status):
			last = append(last, Action{Kind: ActionStop, Service: name, Reason: "stack down", ID: inst.ID})
		}
	}
	if len(last) > 0 {
		plan.Tiers = append(plan.Tiers, last)
	}

	sort.Strings(plan.UpToDate)
	return plan
}
