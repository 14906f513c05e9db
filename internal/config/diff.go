package config

import (
	"reflect"
	"sort"

	logx "jobq/pkg/logx"
)

// Changes lists, sorted, what differs between two configs: section names and
// "queue:<name>" / "trigger:<name>" entries. The fields describe the new values.
func Changes(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.History != newCfg.History {
		// The history sink is opened once at startup.
		changed = append(changed, "history")
		attrs = append(attrs, logx.String("history.driver", newCfg.History.Driver))
	}
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs, logx.String("status.addr", newCfg.Status.Addr), logx.Bool("status.enabled", newCfg.Status.Enabled))
	}

	oldQ := make(map[string]QueueConfig, len(oldCfg.Queues))
	for _, q := range oldCfg.Queues {
		oldQ[q.Name] = q
	}
	for _, q := range newCfg.Queues {
		if prev, ok := oldQ[q.Name]; !ok || prev != q {
			changed = append(changed, "queue:"+q.Name)
		}
		delete(oldQ, q.Name)
	}
	for name := range oldQ {
		changed = append(changed, "queue:"+name)
	}

	oldT := make(map[string]TriggerConfig, len(oldCfg.Triggers))
	for _, t := range oldCfg.Triggers {
		oldT[t.Name] = t
	}
	for _, t := range newCfg.Triggers {
		if prev, ok := oldT[t.Name]; !ok || !reflect.DeepEqual(prev, t) {
			changed = append(changed, "trigger:"+t.Name)
		}
		delete(oldT, t.Name)
	}
	for name := range oldT {
		changed = append(changed, "trigger:"+name)
	}
	sort.Strings(changed)
	attrs = append(attrs, logx.Int("queues", len(newCfg.Queues)), logx.Int("triggers", len(newCfg.Triggers)))
	return changed, attrs
}
