package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

const provisionLogRetentionDays = 30

func (a *Application) initJob() {
	a.sched = cron.New(cron.WithLocation(a.appConfig.TimeLocation()), cron.WithParser(cronParser))

	jobs := []struct {
		spec string
		fn   func()
	}{
		{"@every 5m", a.SchedExpireVouchers},
		{"@every 1m", a.SchedFulfillPending},
		{"@daily", a.SchedClearExpireData},
	}
	for _, job := range jobs {
		if _, err := a.sched.AddFunc(job.spec, job.fn); err != nil {
			zap.S().Errorf("init job error %s", err.Error())
		}
	}

	a.sched.Start()
}

// SchedExpireVouchers moves vouchers past their expiry to expired
func (a *Application) SchedExpireVouchers() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	n, err := a.pool.ExpireSweep(ctx)
	if err != nil {
		zap.L().Error("voucher expiry sweep failed", zap.String("namespace", "job"), zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("vouchers expired", zap.String("namespace", "job"), zap.Int("count", n))
	}
}

// SchedFulfillPending hands stock to paid intents that are still waiting
func (a *Application) SchedFulfillPending() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	stats, err := a.engine.FulfillPending(ctx)
	if err != nil {
		zap.L().Error("fulfil pending intents failed", zap.String("namespace", "job"), zap.Error(err))
		return
	}
	if stats.Attempted > 0 {
		zap.L().Info("pending intents processed",
			zap.String("namespace", "job"),
			zap.Int("attempted", stats.Attempted),
			zap.Int("settled", stats.Settled),
			zap.Int("waiting", stats.Waiting))
	}
}

// SchedClearExpireData removes old provisioning logs and payment events
func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx := context.Background()
	if err := a.provisionLogs.DeleteOlderThan(ctx, provisionLogRetentionDays); err != nil {
		zap.L().Error("clean provision logs", zap.String("namespace", "job"), zap.Error(err))
	}

	days := a.appConfig.Billing.EventRetentionDays
	if days <= 0 {
		days = 365
	}
	n, err := a.engine.PurgeEvents(ctx, days)
	if err != nil {
		zap.L().Error("clean payment events", zap.String("namespace", "job"), zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("payment events purged", zap.String("namespace", "job"), zap.Int64("count", n))
	}
}
