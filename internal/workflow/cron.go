package workflow

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
)

// CronTicker evaluates every WorkflowDefinition's cron triggers on a fixed
// interval and submits a run for each one due, the same way an external
// caller's Submit would — cron is not a privileged trigger path.
type CronTicker struct {
	service  *Service
	repo     storage.WorkflowRepository
	interval time.Duration
	expr     gronx.Gronx
	logger   telemetry.Logger
}

// NewCronTicker returns a CronTicker evaluating due triggers every interval.
// A zero interval defaults to one minute, matching cron's own granularity.
func NewCronTicker(service *Service, repo storage.WorkflowRepository, interval time.Duration, logger telemetry.Logger) *CronTicker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &CronTicker{service: service, repo: repo, interval: interval, expr: gronx.New(), logger: logger}
}

// Run blocks, evaluating due triggers every interval until ctx is done.
func (c *CronTicker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(ctx, now)
		}
	}
}

func (c *CronTicker) tick(ctx context.Context, now time.Time) {
	defs, err := c.repo.ListDueCronTriggers(ctx, now)
	if err != nil {
		c.logger.Error(ctx, "cron trigger scan failed", "error", err)
		return
	}
	for _, def := range defs {
		for _, trig := range def.Triggers {
			if trig.Type != storage.TriggerCron || trig.CronExpr == "" {
				continue
			}
			due, err := c.expr.IsDue(trig.CronExpr, now)
			if err != nil {
				c.logger.Warn(ctx, "invalid cron expression", "workflow_id", string(def.ID), "expr", trig.CronExpr, "error", err)
				continue
			}
			if !due {
				continue
			}
			if _, err := c.service.submitDefinition(ctx, def, storage.TriggerCron, map[string]any{}, 0); err != nil {
				c.logger.Warn(ctx, "cron-triggered submit failed", "workflow_id", string(def.ID), "error", err)
			}
		}
	}
}
