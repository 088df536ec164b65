package engine

import (
	"fmt"
	"strings"
)

// ActionKind identifies what a planned action does to a service.
type ActionKind string

const (
	// ActionCreate creates and starts a container that does not exist.
	ActionCreate ActionKind = "create"
	// ActionStart starts an existing container whose config still matches.
	ActionStart ActionKind = "start"
	// ActionRecreate removes and recreates a container whose config drifted
	// from the stack definition.
	ActionRecreate ActionKind = "recreate"
	// ActionStop stops a running container. Only down passes emit it.
	ActionStop ActionKind = "stop"
	// ActionRemove stops and removes a container.
	ActionRemove ActionKind = "remove"
)

// Action is one reconciliation step for one service.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Service string     `json:"service"`
	Reason  string     `json:"reason"`
	// ID is the observed container for start, recreate and remove actions.
	ID string `json:"id,omitempty"`
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s (%s)", a.Kind, a.Service, a.Reason)
}

// Plan is the ordered work a pass will perform. Orphan removals run
// first, then each tier in dependency order. Within a tier and within
// the orphan set, actions are sorted by service name.
type Plan struct {
	Orphans []Action   `json:"orphans,omitempty"`
	Tiers   [][]Action `json:"tiers,omitempty"`

	// UpToDate lists desired services that need no work.
	UpToDate []string `json:"up_to_date,omitempty"`
	// Ignored lists unmanaged leftovers noticed but not removed because
	// orphan removal was not requested.
	Ignored []string `json:"ignored,omitempty"`
}

// Empty reports whether the plan contains no actions.
func (p *Plan) Empty() bool {
	return p.Len() == 0
}

// Len returns the number of actions in the plan.
func (p *Plan) Len() int {
	n := len(p.Orphans)
	for _, tier := range p.Tiers {
		n += len(tier)
	}
	return n
}

// Actions returns all actions in execution order.
func (p *Plan) Actions() []Action {
	out := make([]Action, 0, p.Len())
	out = append(out, p.Orphans...)
	for _, tier := range p.Tiers {
		out = append(out, tier...)
	}
	return out
}

// String renders the plan for logs and dry runs.
func (p *Plan) String() string {
	if p.Empty() {
		return "nothing to do"
	}
	var b strings.Builder
	for i, a := range p.Actions() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(a.String())
	}
	return b.String()
}
