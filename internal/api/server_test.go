package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianjlehnen/dockmaster/internal/api"
	"github.com/brianjlehnen/dockmaster/internal/engine"
	"github.com/brianjlehnen/dockmaster/internal/runtime/runtimetest"
)

const testStack = `
services:
  proxy:
    image: traefik:v3
  app:
    image: ghcr.io/example/app:1.4
    depends_on: [proxy]
`

// newTestServer creates an httptest.Server backed by a real Engine and
// the in-memory runtime fake. The stack directory holds one two-service
// stack unless content overrides it.
func newTestServer(t *testing.T, content string) (*httptest.Server, *engine.Engine, *runtimetest.Fake) {
	t.Helper()
	dir := t.TempDir()
	if content == "" {
		content = testStack
	}
	if err := os.WriteFile(filepath.Join(dir, "home.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := runtimetest.New()
	e := engine.New(fake, engine.NewEventLog(), engine.Options{
		StackDir: dir,
		Backoff:  time.Millisecond,
	})
	ts := httptest.NewServer(api.NewServer(e))
	t.Cleanup(ts.Close)
	return ts, e, fake
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// sseEvents connects to url as a text/event-stream client and returns a
// channel of parsed Events. The channel is closed when the connection
// ends or ctx is cancelled.
func sseEvents(t *testing.T, ctx context.Context, url string, header http.Header) <-chan engine.Event {
	t.Helper()
	ch := make(chan engine.Event, 64)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	go func() {
		defer close(ch)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return // context cancelled or connection refused
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if data != "" {
					var e engine.Event
					if jsonErr := json.Unmarshal([]byte(data), &e); jsonErr == nil {
						select {
						case ch <- e:
						case <-ctx.Done():
							return
						}
					}
					data = ""
				}
			}
		}
	}()

	return ch
}

// waitForEvent reads from ch until it finds an event satisfying match,
// then returns it. Fails the test if ch closes or ctx is cancelled first.
func waitForEvent(t *testing.T, ctx context.Context, ch <-chan engine.Event, match func(engine.Event) bool) engine.Event {
	t.Helper()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatal("SSE channel closed before expected event arrived")
			}
			if match(e) {
				return e
			}
		case <-ctx.Done():
			t.Fatal("context cancelled before expected event arrived")
		}
	}
}

// --- tests ---

func TestServer_Health(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("got %d %v, want 200 ok", resp.StatusCode, body)
	}
}

func TestServer_MethodAndPathMismatches(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/reconcile", http.StatusMethodNotAllowed},
		{http.MethodPost, "/status", http.StatusMethodNotAllowed},
		{http.MethodGet, "/no-such-route", http.StatusNotFound},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, ts.URL+tc.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s: got %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestServer_StatusAfterPass(t *testing.T) {
	ts, e, _ := newTestServer(t, "")
	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st engine.StackStatus
	decodeJSON(t, resp, &st)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if len(st.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(st.Services))
	}
	for _, row := range st.Services {
		if !row.InSync {
			t.Errorf("%s not in sync", row.Name)
		}
	}
	if st.Pass == nil || st.Pass.Trigger != "test" {
		t.Errorf("pass = %+v, want trigger test", st.Pass)
	}
}

func TestServer_StatusRejectsBrokenConfig(t *testing.T) {
	ts, _, _ := newTestServer(t, `
services:
  app:
    image: ""
`)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Error    string   `json:"error"`
		Problems []string `json:"problems"`
	}
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status code = %d, want 422", resp.StatusCode)
	}
	if len(body.Problems) == 0 {
		t.Errorf("expected problems in body, got %+v", body)
	}
}

func TestServer_PlanIsDryRun(t *testing.T) {
	ts, _, fake := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/plan")
	if err != nil {
		t.Fatal(err)
	}
	var plan engine.Plan
	decodeJSON(t, resp, &plan)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if plan.Len() != 2 {
		t.Errorf("plan size = %d, want 2", plan.Len())
	}
	for _, c := range fake.Calls() {
		if c.Op != "list" {
			t.Errorf("plan endpoint must not mutate, saw %+v", c)
		}
	}
}

func TestServer_ReconcileKicksEngine(t *testing.T) {
	ts, e, _ := newTestServer(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if _, err := e.Log().WaitFor(waitCtx, func(ev engine.Event) bool {
		return ev.Type == engine.EventPassCompleted && ev.Trigger == "startup"
	}); err != nil {
		t.Fatalf("startup pass: %v", err)
	}

	resp, err := http.Post(ts.URL+"/reconcile", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202", resp.StatusCode)
	}

	if _, err := e.Log().WaitFor(waitCtx, func(ev engine.Event) bool {
		return ev.Type == engine.EventPassCompleted && ev.Trigger == "api"
	}); err != nil {
		t.Errorf("kicked pass never completed: %v", err)
	}
}

func TestServer_SSEReplaysFromLastEventID(t *testing.T) {
	ts, e, _ := newTestServer(t, "")
	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Last-Event-ID", "2")
	ch := sseEvents(t, ctx, ts.URL+"/events", header)

	first := waitForEvent(t, ctx, ch, func(engine.Event) bool { return true })
	if first.Seq != 3 {
		t.Errorf("first replayed seq = %d, want 3", first.Seq)
	}
}

func TestServer_SSETypeFilter(t *testing.T) {
	ts, e, _ := newTestServer(t, "")
	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := sseEvents(t, ctx, ts.URL+"/events?type=pass.completed", nil)
	ev := waitForEvent(t, ctx, ch, func(engine.Event) bool { return true })
	if ev.Type != engine.EventPassCompleted {
		t.Errorf("first event type = %s, want pass.completed", ev.Type)
	}
	if ev.Summary == nil || ev.Summary.Applied != 2 {
		t.Errorf("summary = %+v, want 2 applied", ev.Summary)
	}
}

func TestServer_MetricsExposed(t *testing.T) {
	ts, e, _ := newTestServer(t, "")
	if _, err := e.ReconcileOnce(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	for _, metric := range []string{"dockmaster_passes_total", "dockmaster_services_desired"} {
		if !strings.Contains(buf.String(), metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}
