package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
	"jobq/pkg/proc"
)

// ExecOptions configures a one-shot batch run.
//
// Capabilities > 0 runs the batch on a capability queue where every command
// costs Cost (1 when unset).
type ExecOptions struct {
	Parallelism    int
	Capacity       int
	Policy         string
	Capabilities   float64
	AllowExclusive bool
	Cost           float64
}

// ExecSummary counts the outcome of a batch.
type ExecSummary struct {
	Total    int
	Done     int
	Failed   int
	Rejected int
}

func (s ExecSummary) OK() bool { return s.Failed == 0 && s.Rejected == 0 }

// Exec reads one shell command per line from in (blank lines and lines
// starting with # are skipped), runs them through a queue and waits for all
// of them. Command output goes to stdout/stderr unmodified, one line at a time.
func Exec(ctx context.Context, in io.Reader, stdout, stderr io.Writer, opts ExecOptions, log logx.Logger) (ExecSummary, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	policy, err := jobqueue.ParseCapacityPolicy(opts.Policy)
	if err != nil {
		return ExecSummary{}, err
	}
	qopts := []jobqueue.Option{jobqueue.WithLogger(log), jobqueue.WithContext(ctx)}
	base := jobqueue.Config{Name: "exec", Parallelism: opts.Parallelism, Capacity: opts.Capacity, Policy: policy}

	var q *jobqueue.Queue
	cost := opts.Cost
	if opts.Capabilities > 0 {
		if cost <= 0 {
			cost = 1
		}
		cq, err := jobqueue.NewCapabilityQueue(jobqueue.CapabilityConfig{
			Config:         base,
			Capabilities:   opts.Capabilities,
			AllowExclusive: opts.AllowExclusive,
		}, qopts...)
		if err != nil {
			return ExecSummary{}, err
		}
		q = cq.Queue
	} else {
		if q, err = jobqueue.New(base, qopts...); err != nil {
			return ExecSummary{}, err
		}
	}

	var outMu sync.Mutex
	sink := jobqueue.ProgressFunc(func(v any) {
		l, ok := v.(proc.Line)
		if !ok {
			return
		}
		w := stdout
		if l.Stream == proc.Stderr {
			w = stderr
		}
		outMu.Lock()
		_, _ = fmt.Fprintln(w, l.Text)
		outMu.Unlock()
	})

	var (
		sum  ExecSummary
		jobs []*jobqueue.Job
	)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sum.Total++
		jopts := []jobqueue.JobOption{jobqueue.WithName(line), jobqueue.WithProgress(sink)}
		if cost > 0 {
			jopts = append(jopts, jobqueue.WithCost(cost))
		}
		j, err := jobqueue.FromStreamer(proc.Shell(line), jopts...)
		if err == nil {
			discarded := q.Snapshot().JobsDiscarded
			err = q.AddJob(j)
			// A discarded job is admitted without error but never settles.
			if err == nil && q.Snapshot().JobsDiscarded != discarded {
				err = jobqueue.ErrCapacityExceeded
			}
		}
		if err != nil {
			sum.Rejected++
			log.Warn("command not queued", logx.String("cmd", line), logx.Err(err))
			continue
		}
		jobs = append(jobs, j)
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("exec: read commands: %w", err)
	}

	for _, j := range jobs {
		if _, err := j.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			sum.Failed++
			log.Warn("command failed", logx.String("cmd", j.Name()), logx.Err(err))
			continue
		}
		sum.Done++
	}
	log.Debug("exec finished", logx.Int("total", sum.Total), logx.Int("done", sum.Done), logx.Int("failed", sum.Failed), logx.Int("rejected", sum.Rejected))
	return sum, nil
}
