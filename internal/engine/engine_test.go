package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"

	"github.com/brianjlehnen/dockmaster/internal/engine"
	"github.com/brianjlehnen/dockmaster/internal/graph"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
	"github.com/brianjlehnen/dockmaster/internal/runtime/runtimetest"
	"github.com/brianjlehnen/dockmaster/stack"
)

func writeStack(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newEngine(fake *runtimetest.Fake, dir string, opts engine.Options) *engine.Engine {
	opts.StackDir = dir
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	return engine.New(fake, engine.NewEventLog(), opts)
}

// callIndex returns the position of the first matching call, or -1.
func callIndex(calls []runtimetest.Call, op, service string) int {
	for i, c := range calls {
		if c.Op == op && c.Service == service {
			return i
		}
	}
	return -1
}

func countCalls(calls []runtimetest.Call, op, service string) int {
	n := 0
	for _, c := range calls {
		if c.Op == op && c.Service == service {
			n++
		}
	}
	return n
}

func countEvents(log *engine.EventLog, typ engine.EventType) int {
	n := 0
	for _, e := range log.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

const proxyAppStack = `
services:
  proxy:
    image: traefik:v3
  app:
    image: ghcr.io/example/app:1.4
    depends_on: [proxy]
`

func TestEngine_FirstPassCreatesInDependencyOrder(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	res, err := e.ReconcileOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("expected clean pass, got: %v", err)
	}
	if got := res.Summary().Applied; got != 2 {
		t.Fatalf("applied = %d, want 2", got)
	}

	calls := fake.Calls()
	createProxy := callIndex(calls, "create", "proxy")
	startProxy := callIndex(calls, "start", "proxy")
	createApp := callIndex(calls, "create", "app")
	if createProxy == -1 || startProxy == -1 || createApp == -1 {
		t.Fatalf("missing expected calls: %v", calls)
	}
	// The dependency must be created, started, and ready before the
	// dependent is even created.
	if !(createProxy < startProxy && startProxy < createApp) {
		t.Errorf("order violated: create proxy=%d start proxy=%d create app=%d", createProxy, startProxy, createApp)
	}

	for _, name := range []string{"proxy", "app"} {
		inst, ok := fake.Instance(name)
		if !ok || inst.Status != runtime.StatusRunning {
			t.Errorf("%s: expected running instance, got %+v (ok=%v)", name, inst, ok)
		}
	}
}

func TestEngine_SecondPassIsNoop(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	before := len(fake.Calls())

	res, err := e.ReconcileOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !res.Plan.Empty() {
		t.Errorf("second pass plan not empty:\n%s", res.Plan)
	}

	// Only the observation itself may hit the runtime again.
	for _, c := range fake.Calls()[before:] {
		if c.Op != "list" {
			t.Errorf("unexpected call on no-op pass: %+v", c)
		}
	}
}

func TestEngine_ConfigChangeRecreatesOnlyThatService(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	writeStack(t, dir, "home.yaml", proxyAppStack+`    env:
      LOG_LEVEL: debug
`)
	before := len(fake.Calls())

	res, err := e.ReconcileOnce(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Plan.Len(); got != 1 {
		t.Fatalf("plan size = %d, want 1:\n%s", got, res.Plan)
	}

	calls := fake.Calls()[before:]
	if countCalls(calls, "remove", "app") != 1 || countCalls(calls, "create", "app") != 1 {
		t.Errorf("expected app to be recreated, calls: %v", calls)
	}
	for _, op := range []string{"stop", "remove", "create", "start"} {
		if countCalls(calls, op, "proxy") != 0 {
			t.Errorf("proxy should be untouched, saw %s", op)
		}
	}
}

func TestEngine_FailedDependencyBlocksTransitively(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", `
services:
  db:
    image: postgres:16
  app:
    image: ghcr.io/example/app:1.4
    depends_on: [db]
  web:
    image: nginx:1.27
    depends_on: [app]
`)

	fake := runtimetest.New()
	fake.StartsAs("db", runtime.StatusError)
	e := newEngine(fake, dir, engine.Options{})

	res, err := e.ReconcileOnce(context.Background(), "test")
	if !errors.Is(err, engine.ErrPartial) {
		t.Fatalf("expected ErrPartial, got: %v", err)
	}

	dbRes, ok := res.Result("db")
	if !ok || dbRes.Outcome != engine.OutcomeFailed {
		t.Errorf("db outcome: %+v", dbRes)
	}

	appRes, ok := res.Result("app")
	if !ok || appRes.Outcome != engine.OutcomeBlocked {
		t.Fatalf("app outcome: %+v", appRes)
	}
	if len(appRes.Chain) != 1 || appRes.Chain[0] != "db" {
		t.Errorf("app chain = %v, want [db]", appRes.Chain)
	}

	webRes, ok := res.Result("web")
	if !ok || webRes.Outcome != engine.OutcomeBlocked {
		t.Fatalf("web outcome: %+v", webRes)
	}
	if fmt.Sprint(webRes.Chain) != "[app db]" {
		t.Errorf("web chain = %v, want [app db]", webRes.Chain)
	}

	// Blocked services must not be touched at all.
	for _, svc := range []string{"app", "web"} {
		if n := countCalls(fake.Calls(), "create", svc); n != 0 {
			t.Errorf("%s was created despite blocked dependency", svc)
		}
	}
	if got := countEvents(e.Log(), engine.EventServiceBlocked); got != 2 {
		t.Errorf("service.blocked events = %d, want 2", got)
	}
}

func TestEngine_TransientFailuresAreRetried(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", `
services:
  app:
    image: ghcr.io/example/app:1.4
`)

	fake := runtimetest.New()
	fake.FailTimes("create", "app", 2, errdefs.Unavailable(errors.New("dial unix /var/run/docker.sock: connection refused")))
	e := newEngine(fake, dir, engine.Options{Retries: 3})

	res, err := e.ReconcileOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("expected retries to recover, got: %v", err)
	}
	r, _ := res.Result("app")
	if r.Outcome != engine.OutcomeApplied || r.Attempts != 3 {
		t.Errorf("result = %+v, want applied after 3 attempts", r)
	}
	if got := countCalls(fake.Calls(), "create", "app"); got != 3 {
		t.Errorf("create calls = %d, want 3", got)
	}
	if got := countEvents(e.Log(), engine.EventActionRetried); got != 2 {
		t.Errorf("action.retried events = %d, want 2", got)
	}
}

func TestEngine_TerminalFailureIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", `
services:
  app:
    image: ghcr.io/example/app:1.4
`)

	fake := runtimetest.New()
	fake.FailWith("create", "app", &runtime.OpError{Op: "create", Service: "app", Err: errors.New("invalid mount config")})
	e := newEngine(fake, dir, engine.Options{Retries: 5})

	_, err := e.ReconcileOnce(context.Background(), "test")
	if !errors.Is(err, engine.ErrPartial) {
		t.Fatalf("expected ErrPartial, got: %v", err)
	}
	if got := countCalls(fake.Calls(), "create", "app"); got != 1 {
		t.Errorf("create calls = %d, want exactly 1", got)
	}
}

func TestEngine_OrphanLeftAloneByDefault(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	fake.Seed(runtime.Instance{Service: "legacy", Status: runtime.StatusRunning})
	e := newEngine(fake, dir, engine.Options{})

	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	if _, ok := fake.Instance("legacy"); !ok {
		t.Fatal("orphan was removed without authorization")
	}
	if got := countCalls(fake.Calls(), "remove", "legacy"); got != 0 {
		t.Errorf("remove calls for orphan = %d, want 0", got)
	}
	if got := countEvents(e.Log(), engine.EventOrphanIgnored); got != 1 {
		t.Errorf("orphan.ignored events = %d, want 1", got)
	}
}

func TestEngine_OrphanRemovedWhenAuthorized(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	fake.Seed(runtime.Instance{Service: "legacy", Status: runtime.StatusRunning})
	e := newEngine(fake, dir, engine.Options{RemoveOrphans: true})

	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	if _, ok := fake.Instance("legacy"); ok {
		t.Error("orphan still present after authorized removal")
	}
}

func TestEngine_PlanIsReadOnly(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	plan, err := e.Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Len() != 2 {
		t.Errorf("plan size = %d, want 2", plan.Len())
	}
	for _, c := range fake.Calls() {
		if c.Op != "list" {
			t.Errorf("dry planning must only observe, saw %+v", c)
		}
	}
}

func TestEngine_ConfigErrorAbortsBeforeRuntime(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", `
services:
  app:
    imaeg: typo:1
`)

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	_, err := e.ReconcileOnce(context.Background(), "test")
	var cfgErr *stack.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got: %v", err)
	}
	if len(fake.Calls()) != 0 {
		t.Errorf("runtime touched despite config error: %v", fake.Calls())
	}
}

func TestEngine_CycleAbortsBeforeRuntime(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", `
services:
  a:
    image: a:1
    depends_on: [c]
  b:
    image: b:1
    depends_on: [a]
  c:
    image: c:1
    depends_on: [b]
`)

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	_, err := e.ReconcileOnce(context.Background(), "test")
	var cycleErr *graph.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got: %v", err)
	}
	if len(cycleErr.Cycle) != 3 {
		t.Errorf("cycle = %v, want all three members", cycleErr.Cycle)
	}
	if len(fake.Calls()) != 0 {
		t.Errorf("runtime touched despite cycle: %v", fake.Calls())
	}
}

func TestEngine_ProbeGatesDependentCreation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", fmt.Sprintf(`
services:
  db:
    image: postgres:16
    ports: ["127.0.0.1:%d:5432"]
    probe:
      type: tcp
      port: 5432
      timeout: 500ms
  app:
    image: ghcr.io/example/app:1.4
    depends_on: [db]
`, port))

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	res, err := e.ReconcileOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("expected probe against live listener to pass, got: %v", err)
	}
	if got := res.Summary().Applied; got != 2 {
		t.Errorf("applied = %d, want 2", got)
	}
}

func TestEngine_ProbeFailureBlocksDependent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listens now

	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", fmt.Sprintf(`
services:
  db:
    image: postgres:16
    ports: ["127.0.0.1:%d:5432"]
    probe:
      type: tcp
      port: 5432
      timeout: 200ms
  app:
    image: ghcr.io/example/app:1.4
    depends_on: [db]
`, port))

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	res, err := e.ReconcileOnce(context.Background(), "test")
	if !errors.Is(err, engine.ErrPartial) {
		t.Fatalf("expected ErrPartial, got: %v", err)
	}
	dbRes, _ := res.Result("db")
	if dbRes.Outcome != engine.OutcomeFailed {
		t.Errorf("db outcome = %+v, want failed", dbRes)
	}
	appRes, _ := res.Result("app")
	if appRes.Outcome != engine.OutcomeBlocked {
		t.Errorf("app outcome = %+v, want blocked", appRes)
	}
}

func TestEngine_KicksCoalesce(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})

	// Pile up kicks before the loop starts: the channel holds one, the
	// rest coalesce into it, and the startup kick coalesces as well.
	for i := 0; i < 5; i++ {
		e.Kick("drift")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if _, err := e.Log().WaitFor(waitCtx, func(ev engine.Event) bool {
		return ev.Type == engine.EventPassCompleted
	}); err != nil {
		t.Fatal(err)
	}

	// Give a spurious second pass time to show up, then stop the loop.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if got := countEvents(e.Log(), engine.EventPassStarted); got != 1 {
		t.Errorf("passes started = %d, want the 6 triggers coalesced into 1", got)
	}
}

func TestEngine_DownStopsDependentsFirst(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	e := newEngine(fake, dir, engine.Options{})
	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	before := len(fake.Calls())

	if _, err := e.Down(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	calls := fake.Calls()[before:]
	stopApp := callIndex(calls, "stop", "app")
	stopProxy := callIndex(calls, "stop", "proxy")
	if stopApp == -1 || stopProxy == -1 {
		t.Fatalf("missing stop calls: %v", calls)
	}
	if stopApp > stopProxy {
		t.Errorf("app must stop before proxy: app=%d proxy=%d", stopApp, stopProxy)
	}

	inst, _ := fake.Instance("proxy")
	if inst.Status != runtime.StatusStopped {
		t.Errorf("proxy status = %s, want stopped", inst.Status)
	}
}

func TestEngine_DownRemoveDeletesEverything(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	fake.Seed(runtime.Instance{Service: "legacy", Status: runtime.StatusRunning})
	e := newEngine(fake, dir, engine.Options{})
	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Down(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"proxy", "app", "legacy"} {
		if _, ok := fake.Instance(name); ok {
			t.Errorf("%s still present after down --remove", name)
		}
	}
}

func TestEngine_StatusMergesDesiredAndObserved(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "home.yaml", proxyAppStack)

	fake := runtimetest.New()
	fake.Seed(runtime.Instance{Service: "legacy", Status: runtime.StatusRunning, Stack: "old"})
	e := newEngine(fake, dir, engine.Options{})
	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(st.Services))
	}
	for _, row := range st.Services {
		if row.Status != runtime.StatusRunning {
			t.Errorf("%s status = %s, want running", row.Name, row.Status)
		}
		if !row.InSync {
			t.Errorf("%s not in sync after pass", row.Name)
		}
		if row.Outcome != engine.OutcomeApplied {
			t.Errorf("%s outcome = %q, want applied", row.Name, row.Outcome)
		}
	}
	if len(st.Orphans) != 1 || st.Orphans[0].Name != "legacy" {
		t.Errorf("orphans = %+v, want legacy", st.Orphans)
	}
	if st.Pass == nil || st.Pass.ID == "" {
		t.Error("expected last pass to be attached")
	}
}
