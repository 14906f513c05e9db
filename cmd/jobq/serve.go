package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobq/internal/app"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue daemon",
		Long: `Run the queue daemon: queues and triggers come from the config file, which
is watched and hot-reloaded. SIGINT/SIGTERM drain running jobs before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background())
				return fmt.Errorf("start: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			fatal := a.Err()
			if err := a.Stop(context.Background()); err != nil && fatal == nil {
				fatal = err
			}
			return fatal
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./jobq.yaml", "path to config (yaml or json)")
	return cmd
}
