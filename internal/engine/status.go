package engine

import (
	"context"
	"sort"
	"time"

	"github.com/brianjlehnen/dockmaster/internal/runtime"
)

// StatusAbsent marks a declared service with no container at all.
const StatusAbsent = runtime.Status("absent")

// ServiceStatus is one row of the operator-facing status view.
type ServiceStatus struct {
	Name      string         `json:"name"`
	Stack     string         `json:"stack,omitempty"`
	Image     string         `json:"image,omitempty"`
	Status    runtime.Status `json:"status"`
	ID        string         `json:"id,omitempty"`
	ExitCode  int            `json:"exit_code,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`

	// InSync reports whether the observed container was created from the
	// current stack definition.
	InSync bool `json:"in_sync"`

	// Outcome and Error come from the most recent pass, when it planned
	// work for this service.
	Outcome Outcome `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// StackStatus is the full snapshot served to the CLI and the API.
type StackStatus struct {
	Services []ServiceStatus `json:"services"`
	Orphans  []ServiceStatus `json:"orphans,omitempty"`
	Pass     *PassResult     `json:"pass,omitempty"`
}

// Status loads the stack, observes the runtime, and merges both with the
// outcome of the most recent pass.
func (e *Engine) Status(ctx context.Context) (*StackStatus, error) {
	state, _, err := e.load()
	if err != nil {
		return nil, err
	}
	observed, err := e.rt.List(ctx)
	if err != nil {
		return nil, err
	}

	last := e.Last()
	out := &StackStatus{Pass: last}

	for _, name := range state.Names() {
		svc := state.Services[name]
		row := ServiceStatus{
			Name:   name,
			Stack:  svc.Stack,
			Image:  svc.Image,
			Status: StatusAbsent,
		}
		if inst, ok := observed[name]; ok {
			row.Status = inst.Status
			row.ID = inst.ID
			row.ExitCode = inst.ExitCode
			row.StartedAt = inst.StartedAt
			row.InSync = inst.Fingerprint == svc.Fingerprint()
		}
		if last != nil {
			if res, ok := last.Result(name); ok {
				row.Outcome = res.Outcome
				row.Error = res.Error
			}
		}
		out.Services = append(out.Services, row)
	}

	var orphans []string
	for name := range observed {
		if _, ok := state.Services[name]; !ok {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	for _, name := range orphans {
		inst := observed[name]
		out.Orphans = append(out.Orphans, ServiceStatus{
			Name:      name,
			Stack:     inst.Stack,
			Image:     inst.Image,
			Status:    inst.Status,
			ID:        inst.ID,
			StartedAt: inst.StartedAt,
		})
	}
	return out, nil
}
