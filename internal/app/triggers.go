package app

import (
	"context"
	"strings"

	"jobq/internal/config"
	"jobq/internal/trigger"
	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
	"jobq/pkg/proc"
)

// commandFor builds the subprocess a trigger runs.
func commandFor(tc config.TriggerConfig) *proc.Command {
	var cmd *proc.Command
	if strings.TrimSpace(tc.Shell) != "" {
		cmd = proc.Shell(tc.Shell)
	} else {
		cmd = &proc.Command{Name: tc.Command[0], Args: append([]string(nil), tc.Command[1:]...)}
	}
	cmd.Dir = tc.Dir
	return cmd
}

// lineLogger forwards subprocess output to the log at debug level.
func lineLogger(log logx.Logger) jobqueue.Progress {
	return jobqueue.ProgressFunc(func(v any) {
		if l, ok := v.(proc.Line); ok {
			log.Debug("output", logx.String("stream", l.Stream.String()), logx.String("line", l.Text))
		}
	})
}

// definitions turns trigger configs into scheduler definitions that submit a
// subprocess job to their queue on every fire. Disabled triggers are skipped.
func definitions(triggers []config.TriggerConfig, reg *Registry, log logx.Logger) []trigger.Definition {
	defs := make([]trigger.Definition, 0, len(triggers))
	for _, tc := range triggers {
		if tc.Disabled {
			continue
		}
		tc := tc
		tlog := log.With(logx.String("trigger", tc.Name), logx.String("queue", tc.Queue))
		defs = append(defs, trigger.Definition{
			Name:     tc.Name,
			Schedule: tc.Schedule,
			Timezone: tc.Timezone,
			Run: func(context.Context) error {
				return submit(reg, tc, tlog)
			},
		})
	}
	return defs
}

func submit(reg *Registry, tc config.TriggerConfig, log logx.Logger) error {
	opts := []jobqueue.JobOption{jobqueue.WithName(tc.Name), jobqueue.WithProgress(lineLogger(log))}
	if tc.Cost > 0 {
		opts = append(opts, jobqueue.WithCost(tc.Cost))
	}
	j, err := jobqueue.FromStreamer(commandFor(tc), opts...)
	if err != nil {
		return err
	}
	if err := reg.Submit(tc.Queue, j); err != nil {
		return err
	}
	log.Debug("job submitted", logx.String("job", j.ID()))
	return nil
}
