package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobq/internal/app"
	logx "jobq/pkg/logx"
)

func newExecCmd() *cobra.Command {
	var (
		opts     app.ExecOptions
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run shell commands from stdin through a queue",
		Long: `Read one shell command per line from stdin and run each through /bin/sh -c,
at most -P at a time. With --capabilities, every command costs --cost and the
running total never exceeds the budget. Exits non-zero if any command failed
or was not queued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logx.New(cmd.ErrOrStderr(), logLevel)
			sum, err := app.Exec(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, log)
			if err != nil {
				return err
			}
			if !sum.OK() {
				fmt.Fprintf(cmd.ErrOrStderr(), "jobq: %d of %d commands failed, %d not queued\n", sum.Failed, sum.Total, sum.Rejected)
				return exitError{code: 1}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.Parallelism, "parallel", "P", 1, "maximum number of commands running at once")
	f.IntVar(&opts.Capacity, "capacity", 0, "maximum queued+running commands (0 = unbounded)")
	f.StringVar(&opts.Policy, "policy", "ignore", "what to do at capacity: ignore, discard or reject")
	f.Float64Var(&opts.Capabilities, "capabilities", 0, "total cost budget shared by running commands (0 = off)")
	f.BoolVar(&opts.AllowExclusive, "allow-exclusive", false, "admit commands whose cost reaches the whole budget")
	f.Float64Var(&opts.Cost, "cost", 0, "cost of each command (default 1 with --capabilities)")
	f.StringVar(&logLevel, "log-level", "warn", "log level for queue diagnostics")
	return cmd
}
