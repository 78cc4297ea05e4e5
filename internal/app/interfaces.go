package app

import (
	"github.com/robfig/cron/v3"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/adminapi"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// Lifecycle covers schema management used by the command line
type Lifecycle interface {
	MigrateDB(track bool) error
	InitDb()
	DropAll()
	Release()
}

// Ensure Application implements all interfaces
var (
	_ DBProvider          = (*Application)(nil)
	_ ConfigProvider      = (*Application)(nil)
	_ SchedulerProvider   = (*Application)(nil)
	_ Lifecycle           = (*Application)(nil)
	_ adminapi.AppContext = (*Application)(nil)
)
