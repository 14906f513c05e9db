package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobq/internal/config"
	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryApply(t *testing.T) {
	t.Parallel()

	var created []string
	reg := NewRegistry(logx.Nop(), nil, func(q *jobqueue.Queue) { created = append(created, q.Name()) })

	err := reg.Apply([]config.QueueConfig{
		{Name: "a", Parallelism: 2, Capacity: 5, Policy: "reject"},
		{Name: "b", Capabilities: 4},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if strings.Join(created, ",") != "a,b" && strings.Join(created, ",") != "b,a" {
		t.Fatalf("created = %v", created)
	}
	snaps := reg.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "a" || snaps[1].Capabilities != 4 {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if snaps[0].Policy != "reject" || snaps[0].Capacity != 5 {
		t.Fatalf("a = %+v", snaps[0])
	}

	// Retune a, drop b.
	a, _ := reg.Queue("a")
	if err := reg.Apply([]config.QueueConfig{{Name: "a", Parallelism: 3}}); err != nil {
		t.Fatalf("re-Apply: %v", err)
	}
	if got, _ := reg.Queue("a"); got != a {
		t.Fatalf("queue a was rebuilt")
	}
	if a.Parallelism() != 3 || a.Snapshot().Policy != "ignore" {
		t.Fatalf("a not retuned: %+v", a.Snapshot())
	}
	if _, ok := reg.Queue("b"); ok {
		t.Fatalf("b still registered")
	}
	if len(created) != 2 {
		t.Fatalf("retune created queues: %v", created)
	}
	if err := reg.Submit("missing", nil); err == nil {
		t.Fatalf("Submit to unknown queue succeeded")
	}
}

func TestRegistryDrain(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(logx.Nop(), nil, nil)
	if err := reg.Apply([]config.QueueConfig{{Name: "q", Parallelism: 1}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	q, _ := reg.Queue("q")
	release := make(chan struct{})
	running, _ := q.Add(func(context.Context) (any, error) { <-release; return nil, nil })
	waiting, _ := q.Add(func(context.Context) (any, error) { return nil, nil })
	waitFor(t, "first job running", running.IsRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	if reg.Drain(ctx) {
		t.Fatalf("Drain reported success with a job running")
	}
	cancel()

	close(release)
	if !reg.Drain(context.Background()) {
		t.Fatalf("Drain failed")
	}
	if waiting.IsStarted() || !q.IsPaused() {
		t.Fatalf("drain must pause: waiting started=%v", waiting.IsStarted())
	}
}

func TestTriggerDefinitionsSubmitJobs(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(logx.Nop(), nil, nil)
	if err := reg.Apply([]config.QueueConfig{{Name: "q", Parallelism: 1}, {Name: "caps", Capabilities: 2}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	defs := definitions([]config.TriggerConfig{
		{Name: "echo", Queue: "q", Schedule: "1h", Shell: "echo hi"},
		{Name: "off", Queue: "q", Schedule: "1h", Shell: "true", Disabled: true},
		{Name: "nocost", Queue: "caps", Schedule: "1h", Command: []string{"true"}},
		{Name: "cost", Queue: "caps", Schedule: "1h", Command: []string{"true"}, Cost: 1},
	}, reg, logx.Nop())
	if len(defs) != 3 {
		t.Fatalf("definitions = %d, want disabled trigger skipped", len(defs))
	}

	byName := map[string]func(context.Context) error{}
	for _, d := range defs {
		byName[d.Name] = d.Run
	}
	if err := byName["echo"](context.Background()); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if err := byName["nocost"](context.Background()); !errors.Is(err, jobqueue.ErrCostRequired) {
		t.Fatalf("nocost err = %v", err)
	}
	if err := byName["cost"](context.Background()); err != nil {
		t.Fatalf("cost: %v", err)
	}

	q, _ := reg.Queue("q")
	caps, _ := reg.Queue("caps")
	waitFor(t, "jobs done", func() bool { return q.NumJobsDone() == 1 && caps.NumJobsDone() == 1 })
	if caps.WorkDone() != 1 {
		t.Fatalf("caps work done = %v", caps.WorkDone())
	}
}

func TestCommandFor(t *testing.T) {
	t.Parallel()

	c := commandFor(config.TriggerConfig{Command: []string{"tar", "-czf", "x.tgz"}, Dir: "/tmp"})
	if c.Name != "tar" || len(c.Args) != 2 || c.Dir != "/tmp" {
		t.Fatalf("command = %+v", c)
	}
	s := commandFor(config.TriggerConfig{Shell: "echo $HOME"})
	if s.String() != "echo $HOME" {
		t.Fatalf("shell = %q", s.String())
	}
}

func TestExec(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("echo one\n\n# comment\necho two >&2\nexit 3\n")
	var out, errOut bytes.Buffer
	sum, err := Exec(context.Background(), in, &out, &errOut, ExecOptions{Parallelism: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if sum.Total != 3 || sum.Done != 2 || sum.Failed != 1 || sum.OK() {
		t.Fatalf("summary = %+v", sum)
	}
	if strings.TrimSpace(out.String()) != "one" || strings.TrimSpace(errOut.String()) != "two" {
		t.Fatalf("stdout=%q stderr=%q", out.String(), errOut.String())
	}
}

func TestExecCapabilities(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("true\ntrue\ntrue\n")
	var out bytes.Buffer
	sum, err := Exec(context.Background(), in, &out, &out, ExecOptions{Capabilities: 2, Cost: 1}, logx.Nop())
	if err != nil || !sum.OK() || sum.Done != 3 {
		t.Fatalf("Exec = %+v, %v", sum, err)
	}

	// A command costing the whole budget needs AllowExclusive.
	sum, err = Exec(context.Background(), strings.NewReader("true\n"), &out, &out, ExecOptions{Capabilities: 2, Cost: 2}, logx.Nop())
	if err != nil || sum.Rejected != 1 {
		t.Fatalf("exclusive Exec = %+v, %v", sum, err)
	}
	sum, err = Exec(context.Background(), strings.NewReader("true\n"), &out, &out, ExecOptions{Capabilities: 2, Cost: 2, AllowExclusive: true}, logx.Nop())
	if err != nil || sum.Done != 1 {
		t.Fatalf("allowed exclusive Exec = %+v, %v", sum, err)
	}
}

func TestExecDiscardDoesNotHang(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("sleep 0.2\nsleep 0.2\ntrue\n")
	var out bytes.Buffer
	sum, err := Exec(context.Background(), in, &out, &out, ExecOptions{Parallelism: 1, Capacity: 1, Policy: "discard"}, logx.Nop())
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if sum.Done != 1 || sum.Rejected != 2 {
		t.Fatalf("summary = %+v", sum)
	}
}

const appConfig = `
logging:
  level: error
history:
  driver: memory
  size: 10
status:
  enabled: false
queues:
  - name: default
    parallelism: 2
triggers:
  - name: hello
    schedule: 1h
    shell: echo hello
`

func TestAppLifecycle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobq.yaml")
	if err := os.WriteFile(path, []byte(appConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.trig.Fire("hello"); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	q, ok := a.Queues().Queue("default")
	if !ok {
		t.Fatalf("default queue missing")
	}
	waitFor(t, "job done", func() bool { return q.NumJobsDone() == 1 })
	waitFor(t, "history row", func() bool {
		runs, _ := a.rec.Recent(context.Background(), "default", 0)
		return len(runs) == 1 && runs[0].Name == "hello" && runs[0].OK()
	})

	// Hot reload retunes the running queue.
	next := strings.Replace(appConfig, "parallelism: 2", "parallelism: 4", 1)
	if err := os.WriteFile(path, []byte(next), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if _, err := a.cfgm.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	waitFor(t, "parallelism 4", func() bool { return q.Parallelism() == 4 })

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if !q.IsPaused() {
		t.Fatalf("queue not paused on stop")
	}
}
