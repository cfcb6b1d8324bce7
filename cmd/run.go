package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/monitoring"
)

var runWatch bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run queued jobs",
	Long:  "Recovers interrupted jobs and processes the queue. With --watch it keeps running and picks up jobs queued by `votermap enqueue` until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := env.Scheduler(runWatch)
		rep, err := sched.Recover(ctx)
		if err != nil {
			return eris.Wrap(err, "run")
		}
		zap.L().Info("jobs recovered",
			zap.Int("queued", rep.Queued),
			zap.Int("requeued", rep.Requeued),
			zap.Int("interrupted", rep.Interrupted),
			zap.Int("finished", rep.Finished),
		)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		sched.Start(runCtx)

		if runWatch && cfg.Monitoring.Enabled {
			go newChecker(env).Run(runCtx)
		}

		if runWatch {
			zap.L().Info("watching for queued jobs", zap.Int("max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs))
			<-ctx.Done()
		} else if err := sched.WaitIdle(ctx); err != nil {
			zap.L().Warn("stopped before the queue drained", zap.Error(err))
		}

		// Workers still in flight on SIGINT leave their jobs Running for the
		// next recovery.
		cancel()
		sched.Wait()

		stats := sched.Stats()
		eng := env.Engine.Stats()
		zap.L().Info("run finished",
			zap.Int("completed", stats.Completed),
			zap.Int("failed", stats.Failed),
			zap.Int("queued", stats.Queued),
			zap.Int64("cache_hits", eng.CacheHits),
			zap.Int64("api_calls", eng.APICalls()),
		)
		return nil
	},
}

func newChecker(env *pipelineEnv) *monitoring.Checker {
	return monitoring.NewChecker(
		monitoring.NewCollector(env.Store, env.Engine),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
}

func init() {
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "keep running and pick up newly queued jobs")
	rootCmd.AddCommand(runCmd)
}
