// Package runtime adapts the container engine underneath the reconciler.
// The engine never talks to Docker directly: it sees the Adapter interface
// and the Instance model, so reconciliation logic can be exercised against
// a scripted fake and the Docker specifics stay in one place.
package runtime

import (
	"context"
	"time"

	"github.com/brianjlehnen/dockmaster/stack"
)

// Container labels. LabelService marks ownership: only containers carrying
// it are ever observed or touched, which is the safety floor under orphan
// removal.
const (
	LabelService     = "dockmaster.service"
	LabelStack       = "dockmaster.stack"
	LabelFingerprint = "dockmaster.fingerprint"
	LabelManaged     = "dockmaster.managed"
)

// Status is the orchestrator's view of a container's state, collapsed from
// the runtime's richer state machine. A service with no instance at all is
// simply absent from the observed set.
type Status string

const (
	// StatusStarting covers containers on their way up: created and
	// started but with a healthcheck still in its start period, or mid
	// restart.
	StatusStarting Status = "starting"

	// StatusRunning is a running container with no failing healthcheck.
	StatusRunning Status = "running"

	// StatusUnhealthy is a running container whose healthcheck fails.
	StatusUnhealthy Status = "unhealthy"

	// StatusStopped covers containers that are not running and not in
	// error: created but never started, exited cleanly, or paused.
	StatusStopped Status = "stopped"

	// StatusError is a container that exited non-zero or that the
	// runtime marked dead.
	StatusError Status = "error"
)

// Instance is one observed container owned by the orchestrator.
type Instance struct {
	// ID is the runtime's container ID.
	ID string `json:"id"`

	// Service is the owning service name, read from the service label.
	Service string `json:"service"`

	// Stack is the stack label value, if present.
	Stack string `json:"stack,omitempty"`

	Status Status `json:"status"`

	// Fingerprint is the spec fingerprint the container was created
	// from, read from its label. Empty on containers created by an
	// older orchestrator build.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Image is the reference the container was created with.
	Image string `json:"image,omitempty"`

	// ExitCode is meaningful only when Status is stopped or error.
	ExitCode int `json:"exit_code,omitempty"`

	CreatedAt  time.Time `json:"created_at,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Adapter is the container runtime surface the reconciler needs. Every
// method maps to a single runtime operation; retries, ordering, and
// judgement about failures belong to the caller. Implementations wrap
// failures in *OpError.
type Adapter interface {
	// Ping verifies the runtime is reachable.
	Ping(ctx context.Context) error

	// List observes every container owned by the orchestrator, keyed by
	// service name, including stopped ones.
	List(ctx context.Context) (map[string]Instance, error)

	// Inspect observes a single container by ID.
	Inspect(ctx context.Context, id string) (Instance, error)

	// Create materializes a container for the spec without starting it.
	// It ensures the image is present and any declared networks exist.
	Create(ctx context.Context, svc stack.ServiceSpec) (string, error)

	// Start starts a created or stopped container.
	Start(ctx context.Context, id string) error

	// Stop gracefully stops a running container.
	Stop(ctx context.Context, id string) error

	// Remove deletes a container. Removing a container that is already
	// gone is not an error.
	Remove(ctx context.Context, id string) error
}
