package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/containerd/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/brianjlehnen/dockmaster/stack"
)

// DefaultStopTimeout is how long a container gets to exit on SIGTERM
// before the daemon kills it.
const DefaultStopTimeout = 10 * time.Second

// Docker implements Adapter against the local Docker daemon.
type Docker struct {
	cli         *client.Client
	stopTimeout time.Duration
}

// NewDocker returns an Adapter backed by the process-wide Docker client.
func NewDocker() (*Docker, error) {
	cli, err := Client()
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cli: cli, stopTimeout: DefaultStopTimeout}, nil
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return &OpError{Op: "ping", Err: fmt.Errorf("cannot connect to Docker daemon (is Docker running?): %w", err)}
	}
	return nil
}

func (d *Docker) List(ctx context.Context) (map[string]Instance, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelService)),
	})
	if err != nil {
		return nil, &OpError{Op: "list", Err: err}
	}

	observed := make(map[string]Instance, len(summaries))
	named := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		inst, cname, err := d.inspect(ctx, s.ID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				// Removed between list and inspect.
				continue
			}
			return nil, &OpError{Op: "inspect", Service: shortID(s.ID), Err: err}
		}
		if inst.Service == "" {
			continue
		}

		// Two containers can claim one service if someone renamed or
		// hand-copied a managed container. Prefer the properly named
		// one, then the oldest, so observation stays deterministic.
		match := cname == "/"+inst.Service
		if prev, ok := observed[inst.Service]; ok {
			if named[inst.Service] && !match {
				continue
			}
			if named[inst.Service] == match && !inst.CreatedAt.Before(prev.CreatedAt) {
				continue
			}
		}
		observed[inst.Service] = inst
		named[inst.Service] = match
	}
	return observed, nil
}

func (d *Docker) Inspect(ctx context.Context, id string) (Instance, error) {
	inst, _, err := d.inspect(ctx, id)
	if err != nil {
		return Instance{}, &OpError{Op: "inspect", Service: shortID(id), Err: err}
	}
	return inst, nil
}

func (d *Docker) inspect(ctx context.Context, id string) (Instance, string, error) {
	res, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Instance{}, "", err
	}
	inst := Instance{
		ID:        res.ID,
		CreatedAt: parseDockerTime(res.Created),
	}
	if res.Config != nil {
		inst.Service = res.Config.Labels[LabelService]
		inst.Stack = res.Config.Labels[LabelStack]
		inst.Fingerprint = res.Config.Labels[LabelFingerprint]
		inst.Image = res.Config.Image
	}
	if res.State != nil {
		health := ""
		if res.State.Health != nil {
			health = res.State.Health.Status
		}
		inst.Status = statusFromState(res.State.Status, health, res.State.ExitCode)
		inst.ExitCode = res.State.ExitCode
		inst.StartedAt = parseDockerTime(res.State.StartedAt)
		inst.FinishedAt = parseDockerTime(res.State.FinishedAt)
	}
	return inst, res.Name, nil
}

func (d *Docker) Create(ctx context.Context, svc stack.ServiceSpec) (string, error) {
	fail := func(err error) (string, error) {
		return "", &OpError{Op: "create", Service: svc.Name, Err: err}
	}

	for _, n := range svc.Networks {
		if err := d.ensureNetwork(ctx, n); err != nil {
			return fail(err)
		}
	}
	if err := d.ensureImage(ctx, svc.Image); err != nil {
		return fail(err)
	}

	bindings, exposed, err := portConfig(svc.Ports)
	if err != nil {
		return fail(err)
	}

	cfg := &container.Config{
		Image:        svc.Image,
		Cmd:          svc.Command,
		Env:          envSlice(svc.Env),
		ExposedPorts: exposed,
		Healthcheck:  healthConfig(svc.Healthcheck),
		Labels: map[string]string{
			LabelService:     svc.Name,
			LabelStack:       svc.Stack,
			LabelFingerprint: svc.Fingerprint(),
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Mounts:        mounts(svc.Volumes),
		RestartPolicy: restartPolicy(svc.Restart),
	}

	// The create call attaches at most one network; the rest are joined
	// below, before the container ever starts. The container name doubles
	// as its DNS name on user-defined networks.
	var netCfg *network.NetworkingConfig
	if len(svc.Networks) > 0 {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				svc.Networks[0]: {},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, svc.Name)
	if err != nil {
		return fail(err)
	}

	if len(svc.Networks) > 1 {
		for _, n := range svc.Networks[1:] {
			if err := d.cli.NetworkConnect(ctx, n, resp.ID, &network.EndpointSettings{}); err != nil {
				// Leave no half-wired container behind; the next pass
				// would see it as matching and never fix the network.
				d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
				return fail(fmt.Errorf("connect network %q: %w", n, err))
			}
		}
	}

	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return &OpError{Op: "start", Service: shortID(id), Err: err}
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	timeout := int(d.stopTimeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return &OpError{Op: "stop", Service: shortID(id), Err: err}
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return &OpError{Op: "remove", Service: shortID(id), Err: err}
	}
	return nil
}

// ensureImage makes sure the reference is present locally, pulling it if
// not. The progress stream must be drained for the pull to complete.
func (d *Docker) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %q: %w", ref, err)
	}

	log.G(ctx).WithField("image", ref).Info("pulling image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	_, copyErr := io.Copy(io.Discard, rc)
	rc.Close()
	if copyErr != nil {
		return fmt.Errorf("pull image %q: %w", ref, copyErr)
	}
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		return fmt.Errorf("image %q missing after pull: %w", ref, err)
	}
	return nil
}

// ensureNetwork creates the named network if it does not exist yet.
// Concurrent creates race; losing the race still means the network exists,
// which is all the caller needs.
func (d *Docker) ensureNetwork(ctx context.Context, name string) error {
	if _, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %q: %w", name, err)
	}

	log.G(ctx).WithField("network", name).Info("creating network")
	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		if errdefs.IsConflict(err) {
			return nil
		}
		if _, inspectErr := d.cli.NetworkInspect(ctx, name, network.InspectOptions{}); inspectErr == nil {
			return nil
		}
		return fmt.Errorf("create network %q: %w", name, err)
	}
	return nil
}

// statusFromState collapses Docker's container state machine into the
// orchestrator's Status. Restarting counts as starting: the runtime's own
// restart policy is already handling it, and the drift debounce absorbs
// the churn.
func statusFromState(state, health string, exitCode int) Status {
	switch state {
	case "running":
		switch health {
		case "starting":
			return StatusStarting
		case "unhealthy":
			return StatusUnhealthy
		}
		return StatusRunning
	case "restarting":
		return StatusStarting
	case "created", "paused", "removing":
		return StatusStopped
	case "exited":
		if exitCode == 0 {
			return StatusStopped
		}
		return StatusError
	}
	// "dead" and anything the API grows later.
	return StatusError
}

func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func portConfig(ports []stack.PortMapping) (nat.PortMap, nat.PortSet, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	bindings := make(nat.PortMap, len(ports))
	exposed := make(nat.PortSet, len(ports))
	for _, p := range ports {
		port, err := nat.NewPort(p.Protocol, p.ContainerPort)
		if err != nil {
			return nil, nil, fmt.Errorf("port %s/%s: %w", p.ContainerPort, p.Protocol, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: p.HostIP, HostPort: p.HostPort})
	}
	return bindings, exposed, nil
}

func mounts(vols []stack.VolumeMount) []mount.Mount {
	if len(vols) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(vols))
	for _, v := range vols {
		typ := mount.TypeVolume
		if v.Bind() {
			typ = mount.TypeBind
		}
		out = append(out, mount.Mount{
			Type:     typ,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	return out
}

func restartPolicy(p stack.RestartPolicy) container.RestartPolicy {
	switch p.Mode {
	case stack.RestartNever:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	case stack.RestartOnFailure:
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure, MaximumRetryCount: p.MaxRetries}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	}
}

// envSlice converts the env map to Docker's "KEY=VALUE" form, sorted so
// the materialized container config is reproducible.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
