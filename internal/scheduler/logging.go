package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
}

func (s *Scheduler) newJobRun(job string) *jobRun {
	return &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
}

func (s *Scheduler) logJobStart(run *jobRun) {
	s.log.Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
	)
}

func (s *Scheduler) logJobFinish(run *jobRun, result BatchResult, err error) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("sites_succeeded", result.Succeeded),
		zap.Int("sites_failed", result.Failed),
	}
	if len(result.FailedSiteIDs) > 0 {
		fields = append(fields, zap.Strings("failed_site_ids", idStrings(result.FailedSiteIDs)))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if result.Failed > 0 || err != nil {
		s.log.Warn("scheduler.job.finish", fields...)
		return
	}
	s.log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSiteError(job string, siteID snowflake.ID, err error) {
	s.log.Error("scheduler.site.failed",
		zap.String("job", job),
		zap.String("site_id", siteID.String()),
		zap.String("error", err.Error()),
	)
}

func idStrings(ids []snowflake.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
