package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/brianjlehnen/dockmaster/internal/runtime"
)

const (
	// DefaultPollInterval is how often the monitor observes the runtime.
	DefaultPollInterval = 15 * time.Second

	// DefaultDriftDebounce is how long a divergence must persist before
	// it counts as drift. Restart policies routinely bounce containers;
	// the debounce keeps those out of the event log.
	DefaultDriftDebounce = 10 * time.Second
)

// Monitor watches the runtime between passes. When a service that was
// running stops, errors, or disappears outside a pass, and stays that
// way past the debounce, the monitor publishes drift.detected and kicks
// the engine.
type Monitor struct {
	RT   runtime.Adapter
	Log  *EventLog
	Kick func(reason string)

	Interval time.Duration
	Debounce time.Duration
}

// Run polls until ctx is cancelled. Ticks are skipped while a pass is in
// flight, and the running baseline resets when a pass completes, so the
// engine's own actions are never mistaken for drift.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	debounce := m.Debounce
	if debounce <= 0 {
		debounce = DefaultDriftDebounce
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := m.Log.Subscribe(ctx, m.Log.Seq(), func(e Event) bool {
		return e.Type == EventPassStarted || e.Type == EventPassCompleted
	})

	running := map[string]bool{}
	firstSeen := map[string]time.Time{}
	inPass := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			switch e.Type {
			case EventPassStarted:
				inPass = true
			case EventPassCompleted:
				inPass = false
				running = map[string]bool{}
				firstSeen = map[string]time.Time{}
			}
		case <-ticker.C:
			if inPass {
				continue
			}
			m.tick(ctx, running, firstSeen, debounce)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, running map[string]bool, firstSeen map[string]time.Time, debounce time.Duration) {
	observed, err := m.RT.List(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("drift check skipped")
		return
	}
	now := time.Now()

	for name := range running {
		inst, ok := observed[name]
		var reason string
		switch {
		case !ok:
			reason = "container disappeared"
		case inst.Status == runtime.StatusStopped:
			reason = fmt.Sprintf("stopped (exit code %d)", inst.ExitCode)
		case inst.Status == runtime.StatusError:
			reason = fmt.Sprintf("exited with code %d", inst.ExitCode)
		default:
			// Still up, or bouncing through a restart. Either way the
			// divergence did not persist.
			delete(firstSeen, name)
			continue
		}

		first, tracked := firstSeen[name]
		if !tracked {
			firstSeen[name] = now
			continue
		}
		if now.Sub(first) < debounce {
			continue
		}

		log.G(ctx).WithField("service", name).WithField("reason", reason).Info("drift detected")
		m.Log.Publish(Event{Type: EventDriftDetected, Service: name, Reason: reason})
		driftDetectedTotal.Inc()
		if m.Kick != nil {
			m.Kick("drift")
		}
		delete(running, name)
		delete(firstSeen, name)
	}

	for name, inst := range observed {
		if inst.Status == runtime.StatusRunning {
			running[name] = true
			delete(firstSeen, name)
		}
	}
}
