package stack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
)

// parsePortSpec parses one compose-style port entry ("8096:8096",
// "127.0.0.1:53:53/udp", "8000-8005:8000-8005"). Ranges expand to one
// mapping per port. The host port is mandatory: letting Docker pick an
// ephemeral port would rebind on every recreate, which defeats a
// declarative setup.
func parsePortSpec(s string) ([]PortMapping, error) {
	parsed, err := nat.ParsePortSpec(s)
	if err != nil {
		return nil, err
	}
	out := make([]PortMapping, 0, len(parsed))
	for _, pm := range parsed {
		if pm.Binding.HostPort == "" {
			return nil, fmt.Errorf("port %q: host port is required", s)
		}
		out = append(out, PortMapping{
			HostIP:        pm.Binding.HostIP,
			HostPort:      pm.Binding.HostPort,
			ContainerPort: pm.Port.Port(),
			Protocol:      pm.Port.Proto(),
		})
	}
	return out, nil
}

// parseVolumeSpec parses one "source:target[:ro]" volume entry. A source
// containing a slash is a host path and must be absolute; anything else
// names a Docker volume.
func parseVolumeSpec(s string) (VolumeMount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeMount{}, fmt.Errorf("volume %q: want source:target[:ro]", s)
	}
	m := VolumeMount{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return VolumeMount{}, fmt.Errorf("volume %q: unknown mode %q (want \"ro\" or \"rw\")", s, parts[2])
		}
	}
	if m.Source == "" || m.Target == "" {
		return VolumeMount{}, fmt.Errorf("volume %q: source and target must be non-empty", s)
	}
	if !strings.HasPrefix(m.Target, "/") {
		return VolumeMount{}, fmt.Errorf("volume %q: target must be an absolute path", s)
	}
	if m.Bind() && !strings.HasPrefix(m.Source, "/") {
		return VolumeMount{}, fmt.Errorf("volume %q: bind source must be an absolute path", s)
	}
	return m, nil
}

// parseRestartPolicy parses "never", "on-failure", "on-failure:N", or
// "always". An empty value defaults to always: a homelab service should
// come back after crashes and host reboots without the orchestrator
// needing to be awake.
func parseRestartPolicy(s string) (RestartPolicy, error) {
	if s == "" {
		return RestartPolicy{Mode: RestartAlways}, nil
	}
	mode, retries, hasRetries := strings.Cut(s, ":")
	p := RestartPolicy{Mode: RestartMode(mode)}
	switch p.Mode {
	case RestartNever, RestartAlways:
		if hasRetries {
			return RestartPolicy{}, fmt.Errorf("restart %q: retry count is only valid with on-failure", s)
		}
	case RestartOnFailure:
		if hasRetries {
			n, err := strconv.Atoi(retries)
			if err != nil || n < 1 {
				return RestartPolicy{}, fmt.Errorf("restart %q: retry count must be a positive integer", s)
			}
			p.MaxRetries = n
		}
	default:
		return RestartPolicy{}, fmt.Errorf("restart %q: want never, on-failure[:N], or always", s)
	}
	return p, nil
}

// parseDuration parses a duration field, returning def when the field is
// empty.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q: must not be negative", s)
	}
	return d, nil
}
