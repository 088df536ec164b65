// Package probe implements orchestrator-side readiness checks. A service
// with a probe is not considered ready, and its dependents not released,
// until the probe succeeds against the service's published port.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/brianjlehnen/dockmaster/stack"
)

const (
	// DefaultInitialInterval is the starting poll interval. Containers
	// need a moment before their first listen, so polling starts slower
	// than it would for a bare process.
	DefaultInitialInterval = 100 * time.Millisecond

	// DefaultMaxInterval is the maximum poll interval after backoff.
	DefaultMaxInterval = 2 * time.Second
)

// Checker performs a single readiness probe against a dial address.
type Checker interface {
	Check(ctx context.Context, addr string) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, addr string) error

func (f CheckerFunc) Check(ctx context.Context, addr string) error {
	return f(ctx, addr)
}

// For returns the Checker for a probe spec.
func For(p *stack.Probe) Checker {
	switch p.Type {
	case stack.ProbeHTTP:
		return &HTTP{Path: p.Path}
	case stack.ProbeGRPC:
		return GRPC{}
	default:
		return TCP{}
	}
}

// Address returns the host-side dial address for the service's probe.
// Probes always dial the published host mapping; the loader guarantees
// one exists for the probed port.
func Address(svc stack.ServiceSpec) (string, bool) {
	if svc.Probe == nil {
		return "", false
	}
	want := strconv.Itoa(svc.Probe.Port)
	for _, p := range svc.Ports {
		if p.ContainerPort != want || p.Protocol != "tcp" {
			continue
		}
		host := p.HostIP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		return net.JoinHostPort(host, p.HostPort), true
	}
	return "", false
}

// Poll repeatedly calls checker.Check with exponential backoff until the
// check succeeds, the timeout elapses, or ctx is cancelled.
//
// If onFailure is non-nil it is called after each failed attempt so the
// caller can log or publish events.
func Poll(ctx context.Context, checker Checker, addr string, timeout time.Duration, onFailure func(error)) error {
	if timeout <= 0 {
		timeout = stack.DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := DefaultInitialInterval
	var lastErr error

	for {
		if err := checker.Check(ctx, addr); err == nil {
			return nil
		} else {
			lastErr = err
			if onFailure != nil {
				onFailure(err)
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("not ready after %s (last error: %v)", timeout, lastErr)
			}
			return fmt.Errorf("not ready: %w", ctx.Err())
		case <-time.After(interval):
		}

		interval *= 2
		if interval > DefaultMaxInterval {
			interval = DefaultMaxInterval
		}
	}
}
