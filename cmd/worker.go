package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task queue and the schedule evaluator",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		g, gctx := errgroup.WithContext(ctx)
		runWorker(gctx, g, env)
		return g.Wait()
	},
}

// runWorker resumes open jobs and starts the queue and scheduler loops on g,
// plus the health checker when monitoring is enabled.
func runWorker(ctx context.Context, g *errgroup.Group, env *appEnv) {
	g.Go(func() error {
		n, err := env.Pipeline.Resume(ctx)
		if err != nil {
			return eris.Wrap(err, "resume open jobs")
		}
		if n > 0 {
			zap.L().Info("resumed open jobs", zap.Int("count", n))
		}
		return env.Queue.Run(ctx)
	})
	g.Go(func() error {
		return env.Scheduler.Run(ctx)
	})
	if cfg.Monitoring.Enabled {
		checker := env.Checker()
		g.Go(func() error {
			return checker.Run(ctx)
		})
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
