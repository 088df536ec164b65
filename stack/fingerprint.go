package stack

import (
	"encoding/json"
	"sort"

	"github.com/opencontainers/go-digest"
)

// fingerprintSpec is the canonical form hashed into a spec fingerprint.
// Only fields that shape the container itself participate: orchestrator
// concerns (dependencies, probes) can change without forcing a recreate.
// Ports and volumes are hashed in sorted copies so reordering entries in
// a stack file is not a material change.
type fingerprintSpec struct {
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Volumes     []VolumeMount     `json:"volumes,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	Restart     RestartPolicy     `json:"restart"`
	Healthcheck *Healthcheck      `json:"healthcheck,omitempty"`
}

// Fingerprint returns a stable digest over every field that affects the
// running container. Containers are stamped with it at create time;
// a mismatch between the stored and computed value is what turns into a
// recreate.
func (s ServiceSpec) Fingerprint() string {
	fp := fingerprintSpec{
		Image:       s.Image,
		Command:     s.Command,
		Ports:       sortedPorts(s.Ports),
		Volumes:     sortedVolumes(s.Volumes),
		Env:         s.Env,
		Networks:    s.Networks,
		Restart:     s.Restart,
		Healthcheck: s.Healthcheck,
	}
	b, err := json.Marshal(fp)
	if err != nil {
		// Plain values only; Marshal cannot fail on them.
		panic(err)
	}
	return digest.FromBytes(b).String()
}

func sortedPorts(in []PortMapping) []PortMapping {
	if len(in) == 0 {
		return nil
	}
	out := make([]PortMapping, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ContainerPort != b.ContainerPort {
			return a.ContainerPort < b.ContainerPort
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		if a.HostIP != b.HostIP {
			return a.HostIP < b.HostIP
		}
		return a.HostPort < b.HostPort
	})
	return out
}

func sortedVolumes(in []VolumeMount) []VolumeMount {
	if len(in) == 0 {
		return nil
	}
	out := make([]VolumeMount, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target < out[j].Target
	})
	return out
}
