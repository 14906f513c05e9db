package main

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"
)

// exitError carries a process exit code without printing anything more.
type exitError struct{ code int }

func (e exitError) Error() string { return "exit status " + strconv.Itoa(e.code) }

func exitCode(err error) int {
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobq",
		Short: "Run jobs through bounded, cost-aware queues",
		Long: `jobq runs subprocess jobs through FIFO queues with a parallelism limit and,
optionally, a capability budget shared by running jobs.

Examples:
  jobq serve --config ./jobq.yaml       # daemon with scheduled triggers
  jobq exec -P 4 < commands.txt         # run a batch, 4 at a time
  jobq exec --capabilities 8 --cost 2 < commands.txt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newExecCmd())
	return root
}
