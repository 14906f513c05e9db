package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
history:
  driver: sqlite
status:
  enabled: true
  addr: 127.0.0.1:0
queues:
  - name: default
    parallelism: 2
    capacity: 10
    policy: reject
  - name: heavy
    capabilities: 4
    allow_exclusive: true
triggers:
  - name: backup
    schedule: "0 3 * * *"
    command: ["/usr/bin/true"]
  - name: scrub
    queue: heavy
    schedule: every:10m
    shell: echo scrub
    cost: 2.5
    timezone: UTC
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("jobq.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.History.Driver != "sqlite" || cfg.History.Path != DefaultHistoryPath || cfg.History.Size != DefaultHistorySize {
		t.Fatalf("history defaults = %+v", cfg.History)
	}
	if len(cfg.Queues) != 2 {
		t.Fatalf("queues = %+v", cfg.Queues)
	}
	heavy, ok := cfg.Queue("heavy")
	if !ok || !heavy.IsCapability() || heavy.Parallelism != 0 || !heavy.AllowExclusive {
		t.Fatalf("heavy = %+v", heavy)
	}
	if cfg.Triggers[0].Queue != "default" {
		t.Fatalf("trigger queue default = %q", cfg.Triggers[0].Queue)
	}
	if cfg.Triggers[1].Cost != 2.5 || cfg.Triggers[1].Shell != "echo scrub" {
		t.Fatalf("trigger = %+v", cfg.Triggers[1])
	}
}

func TestDecodeJSONDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("jobq.json", []byte(`{"logging":{"console":true}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.History.Driver != "memory" || cfg.Status.Addr != DefaultStatusAddr {
		t.Fatalf("defaults = %+v", cfg)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0].Name != "default" || cfg.Queues[0].Parallelism != 1 {
		t.Fatalf("default queue = %+v", cfg.Queues)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", `{"queues":[{"name":"a","workers":3}]}`, "unknown field"},
		{"trailing data", `{} {}`, "trailing data"},
		{"bad policy", `{"queues":[{"name":"a","policy":"evict"}]}`, "policy"},
		{"duplicate queue", `{"queues":[{"name":"a"},{"name":"a"}]}`, "duplicate queue"},
		{"negative parallelism", `{"queues":[{"name":"a","parallelism":-1}]}`, "parallelism"},
		{"unknown history driver", `{"history":{"driver":"redis"}}`, "history.driver"},
		{"bad duration", `{"status":{"read_timeout":"soon"}}`, "status.read_timeout"},
		{"trigger unknown queue", `{"triggers":[{"name":"t","queue":"x","schedule":"1m","shell":"true"}]}`, "unknown queue"},
		{"trigger without command", `{"triggers":[{"name":"t","schedule":"1m"}]}`, "exactly one of command or shell"},
		{"trigger with both", `{"triggers":[{"name":"t","schedule":"1m","shell":"true","command":["true"]}]}`, "exactly one"},
		{"trigger bad timezone", `{"triggers":[{"name":"t","schedule":"1m","shell":"true","timezone":"Mars/Base"}]}`, "timezone"},
		{"trigger negative cost", `{"triggers":[{"name":"t","schedule":"1m","shell":"true","cost":-1}]}`, "cost"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("c.json", []byte(tc.doc))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 1m30s "); err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if d := DurationOr("", 3*time.Second); d != 3*time.Second {
		t.Fatalf("DurationOr empty = %v", d)
	}
	if d := DurationOr("2s", 3*time.Second); d != 2*time.Second {
		t.Fatalf("DurationOr = %v", d)
	}
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "jobq.yaml", "queues: [{name: a, parallelism: 1}]\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if changed, err := m.Reload(context.Background()); err != nil || changed {
		t.Fatalf("Reload unchanged = %v, %v", changed, err)
	}

	writeFile(t, dir, "jobq.yaml", "queues: [{name: a, parallelism: 4}]\n")
	changed, err := m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("Reload = %v, %v", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Queues[0].Parallelism != 4 || m.Get() != cfg {
			t.Fatalf("published = %+v", cfg.Queues)
		}
	default:
		t.Fatalf("nothing published")
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Queues[0].Parallelism > 8 {
			return fmt.Errorf("too wide")
		}
		return nil
	})
	writeFile(t, dir, "jobq.yaml", "queues: [{name: a, parallelism: 16}]\n")
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("validator did not reject")
	}
	if m.Get().Queues[0].Parallelism != 4 {
		t.Fatalf("rejected config was committed")
	}
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "jobq.yaml", "queues: [{name: a, parallelism: 1}]\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// The watcher may not be registered yet; keep editing until a reload lands.
	deadline := time.Now().Add(5 * time.Second)
	for n := 2; ; n++ {
		writeFile(t, dir, "jobq.yaml", fmt.Sprintf("queues: [{name: a, parallelism: %d}]\n", n))
		select {
		case cfg := <-ch:
			if cfg.Queues[0].Parallelism < 2 {
				t.Fatalf("published stale config %+v", cfg.Queues)
			}
			return
		case <-time.After(400 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reload published")
		}
	}
}

func TestChanges(t *testing.T) {
	t.Parallel()

	oldCfg, _ := Decode("a.yaml", []byte(sampleYAML))
	newCfg, _ := Decode("a.yaml", []byte(sampleYAML))
	if changed, _ := Changes(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs differ: %v", changed)
	}

	newCfg.Queues[0].Parallelism = 8
	newCfg.Triggers = newCfg.Triggers[:1]
	newCfg.Logging.Level = "warn"
	changed, attrs := Changes(oldCfg, newCfg)
	want := []string{"logging", "queue:default", "trigger:scrub"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no log fields")
	}
}
