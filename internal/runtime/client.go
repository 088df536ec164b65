package runtime

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/client"
)

var (
	sharedClient *client.Client
	clientOnce   sync.Once
	clientErr    error
)

// Client returns the process-wide Docker client. The client is safe for
// concurrent use and reuses its daemon connection; callers must not Close
// it. DOCKER_HOST is honored when set.
func Client() (*client.Client, error) {
	clientOnce.Do(func() {
		sharedClient, clientErr = newClient()
	})
	return sharedClient, clientErr
}

func newClient() (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	// Without DOCKER_HOST, probe the socket paths seen on typical homelab
	// hosts: the system daemon, rootless Docker, and colima. The host is
	// passed as a client option rather than via os.Setenv, which is not
	// concurrent-safe.
	if os.Getenv("DOCKER_HOST") == "" {
		if sock := findSocket(); sock != "" {
			opts = append(opts, client.WithHost("unix://"+sock))
		}
	}

	return client.NewClientWithOpts(opts...)
}

// findSocket returns the first existing Docker socket path, or "".
func findSocket() string {
	candidates := []string{"/var/run/docker.sock"}

	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "docker.sock"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".colima", "default", "docker.sock"),
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
