// Package runtimetest provides a scripted in-memory Adapter so reconciler
// behavior can be tested without a Docker daemon.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brianjlehnen/dockmaster/internal/runtime"
	"github.com/brianjlehnen/dockmaster/stack"
)

// Call is one recorded adapter operation.
type Call struct {
	Op      string
	Service string
}

type scriptedFailure struct {
	err       error
	remaining int // negative means every time
}

// Fake implements runtime.Adapter in memory. Operations are recorded in
// order, and failures can be scripted per operation and service. All
// methods are safe for concurrent use, matching how the reconciler drives
// a real adapter.
type Fake struct {
	mu        sync.Mutex
	instances map[string]runtime.Instance
	ids       map[string]string
	calls     []Call
	failures  map[string]*scriptedFailure
	onStart   map[string]runtime.Status
	nextID    int
}

func New() *Fake {
	return &Fake{
		instances: map[string]runtime.Instance{},
		ids:       map[string]string{},
		failures:  map[string]*scriptedFailure{},
		onStart:   map[string]runtime.Status{},
	}
}

// Seed places an instance into the observed state as if a previous pass
// had created it.
func (f *Fake) Seed(inst runtime.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.ID == "" {
		f.nextID++
		inst.ID = fmt.Sprintf("seed-%s-%d", inst.Service, f.nextID)
	}
	f.instances[inst.Service] = inst
	f.ids[inst.ID] = inst.Service
}

// FailWith makes every matching operation fail with err. Service is empty
// for ping and list.
func (f *Fake) FailWith(op, service string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+":"+service] = &scriptedFailure{err: err, remaining: -1}
}

// FailTimes makes the next n matching operations fail with err, then lets
// them succeed. This is how transient-error retries are exercised.
func (f *Fake) FailTimes(op, service string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+":"+service] = &scriptedFailure{err: err, remaining: n}
}

// StartsAs overrides the status a service reports once started. The
// default is running; tests use starting or error to exercise readiness
// gating.
func (f *Fake) StartsAs(service string, status runtime.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStart[service] = status
}

// SetStatus rewrites the observed status of a service, simulating a
// container that changed behind the orchestrator's back.
func (f *Fake) SetStatus(service string, status runtime.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[service]
	if !ok {
		return
	}
	inst.Status = status
	f.instances[service] = inst
}

// Calls returns a snapshot of every recorded operation in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Instance returns the current instance for a service, if any.
func (f *Fake) Instance(service string) (runtime.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[service]
	return inst, ok
}

// record logs the call and returns its scripted failure, if any. The
// caller holds f.mu.
func (f *Fake) record(op, service string) error {
	f.calls = append(f.calls, Call{Op: op, Service: service})
	if s, ok := f.failures[op+":"+service]; ok {
		if s.remaining < 0 {
			return s.err
		}
		if s.remaining > 0 {
			s.remaining--
			return s.err
		}
	}
	return nil
}

func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("ping", "")
}

func (f *Fake) List(context.Context) (map[string]runtime.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list", ""); err != nil {
		return nil, err
	}
	out := make(map[string]runtime.Instance, len(f.instances))
	for k, v := range f.instances {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) Inspect(_ context.Context, id string) (runtime.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	service := f.ids[id]
	if err := f.record("inspect", service); err != nil {
		return runtime.Instance{}, err
	}
	inst, ok := f.instances[service]
	if !ok {
		return runtime.Instance{}, &runtime.OpError{Op: "inspect", Service: id, Err: fmt.Errorf("no such container")}
	}
	return inst, nil
}

func (f *Fake) Create(_ context.Context, svc stack.ServiceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", svc.Name); err != nil {
		return "", err
	}
	if _, exists := f.instances[svc.Name]; exists {
		return "", &runtime.OpError{Op: "create", Service: svc.Name, Err: fmt.Errorf("container name %q already in use", svc.Name)}
	}
	f.nextID++
	id := fmt.Sprintf("fake-%s-%d", svc.Name, f.nextID)
	f.instances[svc.Name] = runtime.Instance{
		ID:          id,
		Service:     svc.Name,
		Stack:       svc.Stack,
		Status:      runtime.StatusStopped,
		Fingerprint: svc.Fingerprint(),
		Image:       svc.Image,
		CreatedAt:   time.Now(),
	}
	f.ids[id] = svc.Name
	return id, nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	service := f.ids[id]
	if err := f.record("start", service); err != nil {
		return err
	}
	inst, ok := f.instances[service]
	if !ok {
		return &runtime.OpError{Op: "start", Service: id, Err: fmt.Errorf("no such container")}
	}
	inst.Status = runtime.StatusRunning
	if s, ok := f.onStart[service]; ok {
		inst.Status = s
	}
	inst.StartedAt = time.Now()
	f.instances[service] = inst
	return nil
}

func (f *Fake) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	service := f.ids[id]
	if err := f.record("stop", service); err != nil {
		return err
	}
	inst, ok := f.instances[service]
	if !ok {
		return nil
	}
	inst.Status = runtime.StatusStopped
	inst.ExitCode = 0
	inst.FinishedAt = time.Now()
	f.instances[service] = inst
	return nil
}

func (f *Fake) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	service := f.ids[id]
	if err := f.record("remove", service); err != nil {
		return err
	}
	delete(f.instances, service)
	delete(f.ids, id)
	return nil
}
