package client

import "time"

// The types below mirror the daemon's JSON responses. Only fields the
// daemon actually serves are included.

// ServiceStatus is one row of the daemon's status view.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Stack     string    `json:"stack,omitempty"`
	Image     string    `json:"image,omitempty"`
	Status    string    `json:"status"`
	ID        string    `json:"id,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	InSync    bool      `json:"in_sync"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StackStatus is the full snapshot from GET /status.
type StackStatus struct {
	Services []ServiceStatus `json:"services"`
	Orphans  []ServiceStatus `json:"orphans,omitempty"`
	Pass     *PassResult     `json:"pass,omitempty"`
}

// Action is one planned or executed container operation.
type Action struct {
	Kind    string `json:"kind"`
	Service string `json:"service"`
	Reason  string `json:"reason"`
	ID      string `json:"id,omitempty"`
}

// Plan is the daemon's answer to GET /plan: orphan removals first, then
// forward dependency tiers.
type Plan struct {
	Orphans  []Action   `json:"orphans,omitempty"`
	Tiers    [][]Action `json:"tiers,omitempty"`
	UpToDate []string   `json:"up_to_date,omitempty"`
	Ignored  []string   `json:"ignored,omitempty"`
}

// Actions flattens the plan into execution order.
func (p *Plan) Actions() []Action {
	var out []Action
	out = append(out, p.Orphans...)
	for _, tier := range p.Tiers {
		out = append(out, tier...)
	}
	return out
}

// ActionResult is the outcome of a single executed action.
type ActionResult struct {
	Action   Action        `json:"action"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Chain    []string      `json:"chain,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// PassResult describes one completed reconciliation pass.
type PassResult struct {
	ID       string         `json:"id"`
	Trigger  string         `json:"trigger"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Plan     *Plan          `json:"plan"`
	Results  []ActionResult `json:"results,omitempty"`
}

// PassSummary is the roll-up attached to pass.completed events.
type PassSummary struct {
	Planned  int    `json:"planned"`
	Applied  int    `json:"applied"`
	Failed   int    `json:"failed"`
	Blocked  int    `json:"blocked"`
	Duration string `json:"duration"`
}

// Event is one entry from the daemon's event stream.
type Event struct {
	Seq       uint64       `json:"seq"`
	Type      string       `json:"type"`
	Pass      string       `json:"pass,omitempty"`
	Trigger   string       `json:"trigger,omitempty"`
	Service   string       `json:"service,omitempty"`
	Action    string       `json:"action,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Chain     []string     `json:"chain,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	Error     string       `json:"error,omitempty"`
	Plan      *Plan        `json:"plan,omitempty"`
	Summary   *PassSummary `json:"summary,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
