package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"jobq/internal/history"
	"jobq/internal/trigger"
	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
)

type queueMap map[string]*jobqueue.Queue

func (m queueMap) Snapshots() []jobqueue.Snapshot {
	out := make([]jobqueue.Snapshot, 0, len(m))
	for _, q := range m {
		out = append(out, q.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m queueMap) Queue(name string) (*jobqueue.Queue, bool) {
	q, ok := m[name]
	return q, ok
}

type fakeTriggers struct {
	mu    sync.Mutex
	fired []string
	err   error
}

func (f *fakeTriggers) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTriggers) numFired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func (f *fakeTriggers) Statuses() []trigger.Status {
	return []trigger.Status{{Name: "nightly", Schedule: "0 3 * * *", Kind: "cron"}}
}

func (f *fakeTriggers) Fire(name string) error {
	if name != "nightly" {
		return fmt.Errorf("trigger %s: %w", name, trigger.ErrUnknownTrigger)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, name)
	return f.err
}

func newTestServer(t *testing.T, token string) (*httptest.Server, queueMap, *fakeTriggers, *history.Memory) {
	t.Helper()
	q, err := jobqueue.New(jobqueue.Config{Name: "default", Parallelism: 2})
	if err != nil {
		t.Fatalf("jobqueue.New: %v", err)
	}
	queues := queueMap{"default": q}
	trig := &fakeTriggers{}
	hist := history.NewMemory(10)
	_ = hist.Append(context.Background(), history.Run{ID: "a", Queue: "default", Name: "one"})
	_ = hist.Append(context.Background(), history.Run{ID: "b", Queue: "other", Name: "two", Error: "exit 1"})

	srv := httptest.NewServer(NewRouter(Deps{Queues: queues, Triggers: trig, History: hist}, token, true, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv, queues, trig, hist
}

func do(t *testing.T, method, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestQueueRoutes(t *testing.T) {
	t.Parallel()

	srv, queues, _, _ := newTestServer(t, "")

	var list []jobqueue.Snapshot
	if code := do(t, http.MethodGet, srv.URL+"/queues", "", &list); code != http.StatusOK || len(list) != 1 || list[0].Name != "default" {
		t.Fatalf("GET /queues = %d %+v", code, list)
	}

	var snap jobqueue.Snapshot
	if code := do(t, http.MethodPost, srv.URL+"/queues/default/pause", "", &snap); code != http.StatusOK || !snap.Paused {
		t.Fatalf("pause = %d %+v", code, snap)
	}
	if !queues["default"].IsPaused() {
		t.Fatalf("queue not paused")
	}
	if code := do(t, http.MethodPost, srv.URL+"/queues/default/resume", "", &snap); code != http.StatusOK || snap.Paused {
		t.Fatalf("resume = %d %+v", code, snap)
	}
	if code := do(t, http.MethodGet, srv.URL+"/queues/default", "", &snap); code != http.StatusOK || snap.Parallelism != 2 {
		t.Fatalf("GET queue = %d %+v", code, snap)
	}
	if code := do(t, http.MethodGet, srv.URL+"/queues/missing", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown queue = %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/queues/default/pause", "", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause = %d", code)
	}
}

func TestHistoryRoute(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, "")

	var runs []history.Run
	if code := do(t, http.MethodGet, srv.URL+"/history", "", &runs); code != http.StatusOK || len(runs) != 2 || runs[0].ID != "b" {
		t.Fatalf("GET /history = %d %+v", code, runs)
	}
	if code := do(t, http.MethodGet, srv.URL+"/history?queue=default", "", &runs); code != http.StatusOK || len(runs) != 1 || runs[0].Name != "one" {
		t.Fatalf("GET /history?queue = %d %+v", code, runs)
	}
	if code := do(t, http.MethodGet, srv.URL+"/history?limit=x", "", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", code)
	}
}

func TestTriggerRoutes(t *testing.T) {
	t.Parallel()

	srv, _, trig, _ := newTestServer(t, "")

	var st []trigger.Status
	if code := do(t, http.MethodGet, srv.URL+"/triggers", "", &st); code != http.StatusOK || len(st) != 1 {
		t.Fatalf("GET /triggers = %d %+v", code, st)
	}
	if code := do(t, http.MethodPost, srv.URL+"/triggers/nightly/fire", "", nil); code != http.StatusAccepted {
		t.Fatalf("fire = %d", code)
	}
	if n := trig.numFired(); n != 1 {
		t.Fatalf("fired %d times", n)
	}
	if code := do(t, http.MethodPost, srv.URL+"/triggers/nope/fire", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown trigger = %d", code)
	}
	trig.setErr(fmt.Errorf("submit: %w", jobqueue.ErrCapacityExceeded))
	if code := do(t, http.MethodPost, srv.URL+"/triggers/nightly/fire", "", nil); code != http.StatusConflict {
		t.Fatalf("full queue = %d", code)
	}
	trig.setErr(errors.New("boom"))
	if code := do(t, http.MethodPost, srv.URL+"/triggers/nightly/fire", "", nil); code != http.StatusInternalServerError {
		t.Fatalf("failing trigger = %d", code)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, "s3cret")

	if code := do(t, http.MethodGet, srv.URL+"/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz without token = %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/queues", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/queues", "wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/queues", "s3cret", nil); code != http.StatusOK {
		t.Fatalf("bearer token = %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/queues?token=s3cret", "", nil); code != http.StatusOK {
		t.Fatalf("query token = %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/debug/pprof/", "s3cret", nil); code != http.StatusOK {
		t.Fatalf("pprof = %d", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:7070": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":7070":          false,
		"0.0.0.0:7070":   false,
		"10.0.0.2:7070":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	q, _ := jobqueue.New(jobqueue.Config{Name: "default", Parallelism: 1})
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Queues: queueMap{"default": q}}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Start(ctx)
	svc.Start(ctx)

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
		addr = svc.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if got := svc.Addr(); got != "" {
		t.Fatalf("Addr after disable = %q", got)
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("server still answering after disable")
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{Queues: queueMap{}}, logx.Nop())
	err := svc.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "allow_insecure") {
		t.Fatalf("serveOnce err = %v", err)
	}
}
