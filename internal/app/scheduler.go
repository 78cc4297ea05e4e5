package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/provider"
	"github.com/talkincode/hotspotbill/pkg/common"
	"go.uber.org/zap"
)

// StartSchedulerService runs enabled schedulers periodically
func (a *Application) StartSchedulerService(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runSchedulers(ctx)
			}
		}
	}()
}

// runSchedulers executes enabled schedulers that are due
func (a *Application) runSchedulers(ctx context.Context) {
	var schedulers []domain.NetScheduler
	if err := a.gormDB.Where("status = ?", common.ENABLED).Find(&schedulers).Error; err != nil {
		zap.L().Error("load schedulers", zap.String("namespace", "scheduler"), zap.Error(err))
		return
	}
	now := time.Now()
	for i := range schedulers {
		sched := &schedulers[i]
		if sched.NextRunAt.IsZero() || !now.Before(sched.NextRunAt) {
			a.runScheduler(ctx, sched)
		}
	}
}

// runScheduler dispatches a task by type and records its outcome
func (a *Application) runScheduler(ctx context.Context, sched *domain.NetScheduler) {
	var (
		msg string
		err error
	)
	switch sched.TaskType {
	case TaskCatalogSync:
		msg, err = a.runCatalogSyncScheduler(ctx)
	case TaskApiProbe:
		msg, err = a.runApiProbeScheduler(ctx)
	case TaskProvisionRetry:
		msg, err = a.runProvisionRetryScheduler(ctx)
	default:
		err = fmt.Errorf("unsupported task type %q", sched.TaskType)
	}

	result := "success"
	if err != nil {
		result, msg = "failed", err.Error()
		zap.L().Warn("scheduler run failed",
			zap.String("namespace", "scheduler"),
			zap.String("name", sched.Name),
			zap.String("task_type", sched.TaskType),
			zap.Error(err))
	}
	now := time.Now()
	a.gormDB.Model(&domain.NetScheduler{}).Where("id = ?", sched.ID).Updates(map[string]interface{}{
		"last_run_at":  now,
		"last_result":  result,
		"last_message": msg,
		"next_run_at":  now.Add(time.Duration(sched.Interval) * time.Second),
	})
}

// RunSchedulerNow triggers a scheduler execution immediately by ID
func (a *Application) RunSchedulerNow(id int64) error {
	var sched domain.NetScheduler
	if err := a.gormDB.First(&sched, id).Error; err != nil {
		return err
	}
	go a.runScheduler(context.Background(), &sched)
	return nil
}

// managedRouters loads enabled routers that have a management api
func (a *Application) managedRouters(ctx context.Context) ([]*domain.NetRouter, error) {
	var routers []*domain.NetRouter
	err := a.gormDB.WithContext(ctx).
		Where("status = ? AND provider <> ?", common.ENABLED, string(provider.KindManual)).
		Find(&routers).Error
	return routers, err
}

func (a *Application) maxWorkers() int {
	const defaultMaxWorkers = 25
	if n := a.appConfig.Router.MaxWorkers; n > 0 {
		return n
	}
	return defaultMaxWorkers
}

// runCatalogSyncScheduler imports router profiles into the package catalog
func (a *Application) runCatalogSyncScheduler(ctx context.Context) (string, error) {
	routers, err := a.managedRouters(ctx)
	if err != nil {
		return "", err
	}
	errs := a.synchronizer.SyncAll(ctx, routers, a.maxWorkers())
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	return fmt.Sprintf("catalog synced on %d routers, %d failed", len(routers)-failed, failed), nil
}

// runApiProbeScheduler probes every managed router and updates api_last_* fields
func (a *Application) runApiProbeScheduler(ctx context.Context) (string, error) {
	routers, err := a.managedRouters(ctx)
	if err != nil {
		return "", err
	}

	sem := make(chan struct{}, a.maxWorkers())
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	for _, router := range routers {
		wg.Add(1)
		sem <- struct{}{}
		go func(r *domain.NetRouter) {
			defer wg.Done()
			defer func() { <-sem }()

			probed, err := a.RunApiProbe(ctx, r.ID)
			if err != nil || probed.ApiLastResult != domain.ProbeOK {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			if err != nil {
				zap.L().Error("api probe failed for router", zap.String("host", r.Host), zap.Error(err))
			}
		}(router)
	}
	wg.Wait()
	return fmt.Sprintf("probed %d routers, %d unreachable", len(routers), failed), nil
}

func (a *Application) runProvisionRetryScheduler(ctx context.Context) (string, error) {
	stats, err := a.retrier.RunOnce(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("attempted %d, synced %d, failed %d, deferred %d",
		stats.Attempted, stats.Synced, stats.Failed, stats.Deferred), nil
}

// RunApiProbe performs an immediate API probe for a single router by ID. A
// probe failure is stored on the router, the error return is for lookups and writes.
func (a *Application) RunApiProbe(ctx context.Context, routerID int64) (*domain.NetRouter, error) {
	var router domain.NetRouter
	if err := a.gormDB.WithContext(ctx).First(&router, routerID).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	result, msg := domain.ProbeOK, "connected"
	if router.Provider == string(provider.KindManual) {
		result, msg = "unsupported", "manual routers have no management api"
	} else {
		dev := gateway.FromRouter(&router, a.appConfig.RouterTimeout(), a.appConfig.Router.InsecureTLS)
		identity, err := gateway.Probe(ctx, a.gateway, dev)
		switch {
		case err != nil:
			result, msg = domain.ProbeFailed, err.Error()
			zap.L().Warn("RunApiProbe failed", zap.String("host", router.Host), zap.Error(err))
		case identity != "":
			msg = fmt.Sprintf("identity=%s", identity)
		}
	}

	if err := a.gormDB.WithContext(ctx).Model(&domain.NetRouter{}).Where("id = ?", router.ID).Updates(map[string]interface{}{
		"api_last_probe_at": now,
		"api_last_result":   result,
		"api_last_message":  msg,
	}).Error; err != nil {
		zap.L().Error("failed to update router api probe result", zap.String("host", router.Host), zap.Error(err))
		return nil, err
	}
	router.ApiLastProbeAt, router.ApiLastResult, router.ApiLastMessage = &now, result, msg
	return &router, nil
}
