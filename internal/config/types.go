package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
)

// Config is the daemon configuration (YAML or JSON, decoded strictly).
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	History  HistoryConfig   `json:"history"`
	Status   StatusConfig    `json:"status"`
	Queues   []QueueConfig   `json:"queues"`
	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Logx converts the section to the logging service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// HistoryConfig selects where finished job runs are recorded.
//
// Driver is "memory" (default), "sqlite" or "none". Size bounds the
// in-memory ring (default 200); Path is the SQLite file (default ./jobq.db).
type HistoryConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	Size   int    `json:"size,omitempty"`
}

// StatusConfig controls the HTTP status API. Durations are Go duration strings.
//
// A non-loopback Addr needs Token unless AllowInsecure is set. Pprof mounts
// the runtime profiler under /debug/pprof.
type StatusConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"`
	Token           string `json:"token,omitempty"`
	AllowInsecure   bool   `json:"allow_insecure,omitempty"`
	Pprof           bool   `json:"pprof,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// QueueConfig declares one queue. Capabilities > 0 makes it cost-gated.
type QueueConfig struct {
	Name           string  `json:"name"`
	Parallelism    int     `json:"parallelism,omitempty"`
	Capacity       int     `json:"capacity,omitempty"`
	Policy         string  `json:"policy,omitempty"`
	Capabilities   float64 `json:"capabilities,omitempty"`
	AllowExclusive bool    `json:"allow_exclusive,omitempty"`
	SlowThreshold  string  `json:"slow_threshold,omitempty"`
}

// IsCapability reports whether the queue gates dispatch by job cost.
func (q QueueConfig) IsCapability() bool { return q.Capabilities > 0 }

// TriggerConfig submits Command to Queue on Schedule.
//
// Schedule accepts cron expressions (5 or 6 fields, descriptors like
// "@hourly") and intervals ("90s", "every:5m", or "HH:MM" read as hours and
// minutes between runs).
// Command is run directly; Shell, when set instead, runs through /bin/sh -c.
type TriggerConfig struct {
	Name     string   `json:"name"`
	Queue    string   `json:"queue"`
	Schedule string   `json:"schedule"`
	Command  []string `json:"command,omitempty"`
	Shell    string   `json:"shell,omitempty"`
	Cost     float64  `json:"cost,omitempty"`
	Dir      string   `json:"dir,omitempty"`
	Timezone string   `json:"timezone,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

const (
	DefaultHistorySize     = 200
	DefaultHistoryPath     = "./jobq.db"
	DefaultStatusAddr      = "127.0.0.1:7070"
	DefaultParallelism     = 1
	DefaultShutdownTimeout = 10 * time.Second
)

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	c.History.Driver = strings.ToLower(strings.TrimSpace(c.History.Driver))
	if c.History.Driver == "" {
		c.History.Driver = "memory"
	}
	if c.History.Size <= 0 {
		c.History.Size = DefaultHistorySize
	}
	if c.History.Driver == "sqlite" && strings.TrimSpace(c.History.Path) == "" {
		c.History.Path = DefaultHistoryPath
	}
	if strings.TrimSpace(c.Status.Addr) == "" {
		c.Status.Addr = DefaultStatusAddr
	}
	if len(c.Queues) == 0 {
		c.Queues = []QueueConfig{{Name: "default"}}
	}
	for i := range c.Queues {
		q := &c.Queues[i]
		q.Name = strings.TrimSpace(q.Name)
		// Capability queues are bounded by their budget unless told otherwise.
		if q.Parallelism == 0 && !q.IsCapability() {
			q.Parallelism = DefaultParallelism
		}
	}
	for i := range c.Triggers {
		t := &c.Triggers[i]
		t.Name = strings.TrimSpace(t.Name)
		if strings.TrimSpace(t.Queue) == "" {
			t.Queue = c.Queues[0].Name
		}
	}
}

// Validate reports the first problem found; it expects a normalized config.
func (c *Config) Validate() error {
	switch c.History.Driver {
	case "memory", "sqlite", "none":
	default:
		return fmt.Errorf("history.driver: unknown driver %q", c.History.Driver)
	}
	if _, err := ParseDurationField("status.read_timeout", c.Status.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("status.shutdown_timeout", c.Status.ShutdownTimeout); err != nil {
		return err
	}

	queues := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		path := fmt.Sprintf("queues[%d]", i)
		if q.Name == "" {
			return fmt.Errorf("%s.name: required", path)
		}
		if queues[q.Name] {
			return fmt.Errorf("%s.name: duplicate queue %q", path, q.Name)
		}
		queues[q.Name] = true
		if q.Parallelism < 0 || (q.Parallelism == 0 && !q.IsCapability()) {
			return fmt.Errorf("%s.parallelism: must be >= 1", path)
		}
		if q.Capacity < 0 {
			return fmt.Errorf("%s.capacity: must be >= 0", path)
		}
		if _, err := jobqueue.ParseCapacityPolicy(q.Policy); err != nil {
			return fmt.Errorf("%s.policy: %w", path, err)
		}
		if q.Capabilities < 0 || math.IsNaN(q.Capabilities) || math.IsInf(q.Capabilities, 0) {
			return fmt.Errorf("%s.capabilities: must be a finite number >= 0", path)
		}
		if _, err := ParseDurationField(path+".slow_threshold", q.SlowThreshold); err != nil {
			return err
		}
	}

	triggers := make(map[string]bool, len(c.Triggers))
	for i, t := range c.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if t.Name == "" {
			return fmt.Errorf("%s.name: required", path)
		}
		if triggers[t.Name] {
			return fmt.Errorf("%s.name: duplicate trigger %q", path, t.Name)
		}
		triggers[t.Name] = true
		if !queues[t.Queue] {
			return fmt.Errorf("%s.queue: unknown queue %q", path, t.Queue)
		}
		if strings.TrimSpace(t.Schedule) == "" {
			return fmt.Errorf("%s.schedule: required", path)
		}
		hasCmd := len(t.Command) > 0 && strings.TrimSpace(t.Command[0]) != ""
		hasShell := strings.TrimSpace(t.Shell) != ""
		if hasCmd == hasShell {
			return fmt.Errorf("%s: exactly one of command or shell is required", path)
		}
		if t.Cost < 0 || math.IsNaN(t.Cost) || math.IsInf(t.Cost, 0) {
			return fmt.Errorf("%s.cost: must be a finite number >= 0", path)
		}
		if tz := strings.TrimSpace(t.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("%s.timezone: %w", path, err)
			}
		}
	}
	return nil
}

// Queue returns the named queue section.
func (c *Config) Queue(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}
