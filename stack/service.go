// Package stack defines the desired-state model for a homelab deployment:
// which containers should exist, how each one is configured, and the order
// their dependencies impose. Definitions are loaded from a directory of
// YAML stack files and resolved into immutable ServiceSpecs.
package stack

import (
	"sort"
	"time"
)

// ServiceSpec describes a single managed container. Specs are resolved at
// load time (environment interpolation, port/volume parsing, defaults) and
// never mutated afterwards; a reconciliation pass works from a fixed set.
type ServiceSpec struct {
	// Name is the unique service name. It doubles as the container name
	// and the DNS name on any user-defined networks the service joins.
	Name string `json:"name"`

	// Stack is the stack the service belongs to, derived from the file it
	// was defined in (e.g. "media" for media.yaml).
	Stack string `json:"stack"`

	// Image is the normalized image reference (e.g. "docker.io/library/nginx:1.27").
	Image string `json:"image"`

	// Command overrides the image's default command.
	Command []string `json:"command,omitempty"`

	// Ports are the host port publications, in declaration order.
	Ports []PortMapping `json:"ports,omitempty"`

	// Volumes are bind mounts and named volumes, in declaration order.
	Volumes []VolumeMount `json:"volumes,omitempty"`

	// Env holds the container environment after overlay resolution
	// (service overrides > stack file defaults > global defaults).
	Env map[string]string `json:"env,omitempty"`

	// Networks are the user-defined networks to attach, sorted. Missing
	// networks are created on first use.
	Networks []string `json:"networks,omitempty"`

	// DependsOn names services that must be running (and ready, if they
	// define a probe or healthcheck) before this one starts. Sorted.
	DependsOn []string `json:"depends_on,omitempty"`

	// Restart is the container restart policy.
	Restart RestartPolicy `json:"restart"`

	// Healthcheck is the container-side health command, if any.
	Healthcheck *Healthcheck `json:"healthcheck,omitempty"`

	// Probe is the orchestrator-side readiness probe, if any. Unlike
	// Healthcheck it never changes the container and so does not
	// participate in the spec fingerprint.
	Probe *Probe `json:"probe,omitempty"`
}

// PortMapping publishes one container port on the host. Ports are kept as
// strings to match the Docker API's own representation.
type PortMapping struct {
	// HostIP restricts the binding to one host interface. Empty means all.
	HostIP string `json:"host_ip,omitempty"`

	// HostPort is the port on the host.
	HostPort string `json:"host_port"`

	// ContainerPort is the port inside the container.
	ContainerPort string `json:"container_port"`

	// Protocol is "tcp" or "udp".
	Protocol string `json:"protocol"`
}

// VolumeMount attaches a bind mount or a named volume to the container.
type VolumeMount struct {
	// Source is an absolute host path (bind mount) or a volume name.
	Source string `json:"source"`

	// Target is the mount point inside the container.
	Target string `json:"target"`

	// ReadOnly mounts the target read-only.
	ReadOnly bool `json:"read_only,omitempty"`
}

// Bind reports whether the mount is a host path bind mount rather than a
// named volume. The compose rule applies: a source containing a path
// separator is a path.
func (v VolumeMount) Bind() bool {
	for i := 0; i < len(v.Source); i++ {
		if v.Source[i] == '/' {
			return true
		}
	}
	return false
}

// RestartMode controls what the runtime does when a container exits.
type RestartMode string

const (
	// RestartNever leaves exited containers alone. Services meant to run
	// once to completion (migrations, backups) use this.
	RestartNever RestartMode = "never"

	// RestartOnFailure restarts the container when it exits non-zero.
	RestartOnFailure RestartMode = "on-failure"

	// RestartAlways keeps the container running across crashes and
	// daemon restarts. This is the default for homelab services.
	RestartAlways RestartMode = "always"
)

// RestartPolicy is a RestartMode plus the retry bound for on-failure.
type RestartPolicy struct {
	Mode RestartMode `json:"mode"`

	// MaxRetries bounds on-failure restarts. Zero means unlimited.
	MaxRetries int `json:"max_retries,omitempty"`
}

// Healthcheck configures the container-side health command, mirroring
// Docker's HEALTHCHECK semantics. A failing healthcheck surfaces as the
// "unhealthy" observed status but never triggers a restart by itself.
type Healthcheck struct {
	// Test is the health command in Docker's exec form:
	// ["CMD", ...], ["CMD-SHELL", "..."], or ["NONE"].
	Test []string `json:"test"`

	Interval    time.Duration `json:"interval,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Retries     int           `json:"retries,omitempty"`
	StartPeriod time.Duration `json:"start_period,omitempty"`
}

// ProbeType selects the readiness probe protocol.
type ProbeType string

const (
	ProbeTCP  ProbeType = "tcp"
	ProbeHTTP ProbeType = "http"
	ProbeGRPC ProbeType = "grpc"
)

// Probe is an orchestrator-side readiness check dialed against one of the
// service's published ports. Dependents of a probed service are held back
// until the probe succeeds.
type Probe struct {
	Type ProbeType `json:"type"`

	// Port is the container port to probe. It must be published so the
	// probe can reach it from the host.
	Port int `json:"port"`

	// Path is the request path for HTTP probes.
	Path string `json:"path,omitempty"`

	// Timeout bounds how long a reconciliation pass waits for readiness.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DesiredState is the full set of services the host should be running,
// rebuilt from the stack directory at the start of every pass.
type DesiredState struct {
	// Services maps service name to spec.
	Services map[string]ServiceSpec `json:"services"`

	// Dir is the stacks directory the state was loaded from.
	Dir string `json:"dir,omitempty"`
}

// Names returns the service names in sorted order. Every walk over the
// desired state goes through this so output and plans are deterministic.
func (d DesiredState) Names() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
