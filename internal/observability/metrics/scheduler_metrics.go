package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every scheduler metric.
type Config struct {
	ServiceName string
	Environment string
}

// SchedulerMetrics captures ingestion scheduler health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobSkipped     *prometheus.CounterVec
	sitesProcessed *prometheus.CounterVec
	sitesFailed    *prometheus.CounterVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "siteglance"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "siteglance_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "siteglance_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency across the tenant batch.",
		Buckets:     []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300, 900, 1800, 3600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "siteglance_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs terminated by their wall-clock budget.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "siteglance_scheduler_job_errors_total",
		Help:        "Scheduler job errors by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "siteglance_scheduler_job_skipped_total",
		Help:        "Scheduler jobs skipped because another instance held the lock.",
		ConstLabels: constLabels,
	}, []string{"job"})
	sitesProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "siteglance_scheduler_sites_processed_total",
		Help:        "Sites processed successfully per job.",
		ConstLabels: constLabels,
	}, []string{"job"})
	sitesFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "siteglance_scheduler_sites_failed_total",
		Help:        "Sites that failed per job; failures never abort the batch.",
		ConstLabels: constLabels,
	}, []string{"job"})

	collectors := []prometheus.Collector{
		jobRuns, jobDuration, jobTimeouts, jobErrors, jobSkipped, sitesProcessed, sitesFailed,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}

	return &SchedulerMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobTimeouts:    jobTimeouts,
		jobErrors:      jobErrors,
		jobSkipped:     jobSkipped,
		sitesProcessed: sitesProcessed,
		sitesFailed:    sitesFailed,
	}
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) AddSitesProcessed(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sitesProcessed.WithLabelValues(job).Add(float64(count))
}

func (m *SchedulerMetrics) AddSitesFailed(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sitesFailed.WithLabelValues(job).Add(float64(count))
}
