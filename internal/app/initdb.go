package app

import (
	"time"

	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/pkg/common"
	"go.uber.org/zap"
)

// Scheduler task types
const (
	TaskCatalogSync    = "catalog_sync"
	TaskApiProbe       = "api_probe"
	TaskProvisionRetry = "provision_retry"
)

// checkSchedulers initializes default scheduled tasks
func (a *Application) checkSchedulers() {
	defaultSchedulers := []domain.NetScheduler{
		{
			Name:     "Router Catalog Sync",
			TaskType: TaskCatalogSync,
			Interval: 3600, // 1 hour
			Status:   common.ENABLED,
			Remark:   "Imports hotspot and PPPoE profiles from every enabled router",
		},
		{
			Name:     "Router API Probe",
			TaskType: TaskApiProbe,
			Interval: 300, // 5 minutes
			Status:   common.ENABLED,
			Remark:   "Checks router reachability and credentials",
		},
		{
			Name:     "Voucher Provision Retry",
			TaskType: TaskProvisionRetry,
			Interval: 120,
			Status:   common.ENABLED,
			Remark:   "Retries router provisioning of failed and interrupted vouchers",
		},
	}

	for _, sched := range defaultSchedulers {
		var count int64
		a.gormDB.Model(&domain.NetScheduler{}).
			Where("task_type = ?", sched.TaskType).
			Count(&count)
		if count > 0 {
			continue
		}
		sched.NextRunAt = time.Now().Add(time.Duration(sched.Interval) * time.Second)
		if err := a.gormDB.Create(&sched).Error; err != nil {
			zap.L().Error("failed to create default scheduler",
				zap.String("name", sched.Name),
				zap.Error(err))
		} else {
			zap.L().Info("initialized default scheduler",
				zap.String("name", sched.Name),
				zap.String("task_type", sched.TaskType))
		}
	}
}
