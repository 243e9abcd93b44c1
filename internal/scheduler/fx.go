package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartCron),
)

// StartCron registers the five jobs on their cron triggers and ties the cron
// runner to the fx lifecycle.
func StartCron(lc fx.Lifecycle, sched *Scheduler) error {
	runner := cron.New(cron.WithLocation(sched.location()))

	jobs := []struct {
		Name string
		Spec string
		Run  func(context.Context) (BatchResult, error)
	}{
		{"daily_ingest", sched.cfg.DailyIngestSpec, sched.DailyIngestJob},
		{"monthly_benchmark", sched.cfg.BenchmarkSpec, sched.MonthlyBenchmarkJob},
		{"monthly_export", sched.cfg.ExportSpec, sched.MonthlyExportJob},
		{"cache_cleanup", sched.cfg.CacheCleanupSpec, sched.CacheCleanupJob},
		{"quota_reset", sched.cfg.QuotaResetSpec, sched.QuotaResetJob},
	}
	for _, job := range jobs {
		job := job
		if _, err := runner.AddFunc(job.Spec, func() {
			if err := sched.runJob(context.Background(), job.Name, job.Run); err != nil {
				sched.log.Error("scheduled job failed",
					zap.String("job", job.Name),
					zap.Error(err),
				)
			}
		}); err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			done := runner.Stop()
			select {
			case <-done.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}
