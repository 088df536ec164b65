package runtime

import (
	"errors"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/brianjlehnen/dockmaster/stack"
)

func TestStatusFromState(t *testing.T) {
	tests := []struct {
		state    string
		health   string
		exitCode int
		want     Status
	}{
		{"running", "", 0, StatusRunning},
		{"running", "healthy", 0, StatusRunning},
		{"running", "starting", 0, StatusStarting},
		{"running", "unhealthy", 0, StatusUnhealthy},
		{"restarting", "", 1, StatusStarting},
		{"created", "", 0, StatusStopped},
		{"paused", "", 0, StatusStopped},
		{"exited", "", 0, StatusStopped},
		{"exited", "", 137, StatusError},
		{"dead", "", 0, StatusError},
		{"something-new", "", 0, StatusError},
	}

	for _, tt := range tests {
		got := statusFromState(tt.state, tt.health, tt.exitCode)
		if got != tt.want {
			t.Errorf("statusFromState(%q, %q, %d) = %q, want %q",
				tt.state, tt.health, tt.exitCode, got, tt.want)
		}
	}
}

func TestPortConfig(t *testing.T) {
	bindings, exposed, err := portConfig([]stack.PortMapping{
		{HostPort: "8096", ContainerPort: "8096", Protocol: "tcp"},
		{HostIP: "127.0.0.1", HostPort: "53", ContainerPort: "53", Protocol: "udp"},
		{HostPort: "8097", ContainerPort: "8096", Protocol: "tcp"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(exposed) != 2 {
		t.Errorf("exposed = %v, want 2 ports", exposed)
	}
	if _, ok := exposed[nat.Port("53/udp")]; !ok {
		t.Error("53/udp not exposed")
	}

	tcp := bindings[nat.Port("8096/tcp")]
	if len(tcp) != 2 || tcp[0].HostPort != "8096" || tcp[1].HostPort != "8097" {
		t.Errorf("8096/tcp bindings = %+v", tcp)
	}
	udp := bindings[nat.Port("53/udp")]
	if len(udp) != 1 || udp[0].HostIP != "127.0.0.1" {
		t.Errorf("53/udp bindings = %+v", udp)
	}
}

func TestMounts(t *testing.T) {
	got := mounts([]stack.VolumeMount{
		{Source: "pg-data", Target: "/var/lib/postgresql/data"},
		{Source: "/tank/media", Target: "/media", ReadOnly: true},
	})

	if len(got) != 2 {
		t.Fatalf("mounts = %+v", got)
	}
	if got[0].Type != mount.TypeVolume || got[0].ReadOnly {
		t.Errorf("named volume mapped wrong: %+v", got[0])
	}
	if got[1].Type != mount.TypeBind || !got[1].ReadOnly {
		t.Errorf("bind mount mapped wrong: %+v", got[1])
	}
}

func TestRestartPolicyMapping(t *testing.T) {
	tests := []struct {
		in   stack.RestartPolicy
		want container.RestartPolicy
	}{
		{stack.RestartPolicy{Mode: stack.RestartNever}, container.RestartPolicy{Name: container.RestartPolicyDisabled}},
		{stack.RestartPolicy{Mode: stack.RestartAlways}, container.RestartPolicy{Name: container.RestartPolicyAlways}},
		{stack.RestartPolicy{Mode: stack.RestartOnFailure, MaxRetries: 5}, container.RestartPolicy{Name: container.RestartPolicyOnFailure, MaximumRetryCount: 5}},
	}
	for _, tt := range tests {
		if got := restartPolicy(tt.in); got != tt.want {
			t.Errorf("restartPolicy(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestEnvSliceSorted(t *testing.T) {
	got := envSlice(map[string]string{"TZ": "UTC", "AAA": "1", "MID": "x"})
	want := []string{"AAA=1", "MID=x", "TZ=UTC"}
	if len(got) != len(want) {
		t.Fatalf("envSlice = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envSlice = %v, want %v", got, want)
		}
	}
}

func TestTransient(t *testing.T) {
	if Transient(nil) {
		t.Error("nil is not transient")
	}
	if Transient(errors.New("no such image")) {
		t.Error("plain errors are not transient")
	}
	if !Transient(errdefs.Unavailable(errors.New("daemon is starting"))) {
		t.Error("unavailable should be transient")
	}
	wrapped := &OpError{Op: "start", Service: "jellyfin", Err: errdefs.Unavailable(errors.New("daemon is starting"))}
	if !Transient(wrapped) {
		t.Error("classification should see through OpError")
	}
}

func TestOpErrorMessage(t *testing.T) {
	err := &OpError{Op: "create", Service: "jellyfin", Err: errors.New("boom")}
	if got := err.Error(); got != "create jellyfin: boom" {
		t.Errorf("Error() = %q", got)
	}
	bare := &OpError{Op: "ping", Err: errors.New("boom")}
	if got := bare.Error(); got != "ping: boom" {
		t.Errorf("Error() = %q", got)
	}
}
