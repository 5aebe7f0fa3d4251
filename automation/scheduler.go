package automation

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Schedule per the field calendar: weather first so the rain check reads
// fresh forecasts, then the morning operational scans. All times local to
// the service area.
const (
	cronWeatherRefresh = "30 5 * * *"
	cronRainCheck      = "0 6 * * *"
	cronStalledJobs    = "0 8 * * *"
	cronInventoryAlert = "0 9 * * *"
	cronCollectionBot  = "0 10 * * *"
	cronKPIAggregation = "15 6 * * *"
	cronCompliance     = "0 7 * * 1"
)

// StartScheduler wires the scheduled rules onto cron and starts it. The
// returned cron is already running; callers stop it on shutdown.
func StartScheduler(ctx context.Context, engine *Engine, logger *logrus.Logger) *cron.Cron {
	c := cron.New(cron.WithLocation(engine.loc))

	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{cronWeatherRefresh, RuleWeatherRefresh, engine.RunWeatherRefresh},
		{cronRainCheck, RuleRainCheck, engine.RunRainCheck},
		{cronStalledJobs, RuleStalledJobs, engine.RunStalledJobDetection},
		{cronInventoryAlert, RuleInventoryAlert, engine.RunInventoryAlert},
		{cronCollectionBot, RuleCollectionBot, engine.RunCollectionBot},
		{cronKPIAggregation, RuleKPIAggregation, engine.RunKPIAggregation},
		{cronCompliance, RuleComplianceReport, engine.RunComplianceReport},
	}
	for _, job := range jobs {
		name, run := job.name, job.run
		if _, err := c.AddFunc(job.spec, func() {
			if err := run(ctx); err != nil {
				logger.WithField("automation", name).WithError(err).Error("scheduled automation failed")
			}
		}); err != nil {
			logger.WithField("automation", name).WithError(err).Error("could not schedule automation")
		}
	}

	c.Start()
	logger.WithField("jobs", len(jobs)).Info("automation scheduler started")
	return c
}
