package app

import (
	"context"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/mpesa"
	"github.com/talkincode/hotspotbill/internal/notify"
	"github.com/talkincode/hotspotbill/internal/provider"
	"github.com/talkincode/hotspotbill/internal/servicectl"
	"github.com/talkincode/hotspotbill/internal/settlement"
	"github.com/talkincode/hotspotbill/internal/voucher"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron
	bus       EventBus.Bus
	gateway   gateway.Gateway

	packages      *catalog.GormPackageRepository
	synchronizer  *catalog.Synchronizer
	pool          *voucher.Pool
	retrier       *voucher.ProvisionRetrier
	provisionLogs *voucher.GormProvisionLogRepository
	engine        *settlement.Engine
	alertStore    *notify.AlertStore
	alerts        *notify.AlertService
	dispatcher    *notify.Dispatcher
	serviceCache  *servicectl.DBCache
	redisCache    *servicectl.RedisCache
	providers     *provider.Registry
	decoder       *mpesa.Decoder
}

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Init(cfg *config.AppConfig) {
	time.Local = cfg.TimeLocation()

	// Initialize zap logger
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	var err error
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)

	a.gormDB = getDatabase(cfg.Database, cfg.GetDataDir())
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(cfg.Database.Debug); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	go func() {
		time.Sleep(3 * time.Second)
		a.checkSchedulers()
	}()

	a.initServices(gateway.NewMux(gateway.NewRESTGateway(), gateway.NewAPIGateway()))
	if err := a.engine.Start(); err != nil {
		zap.L().Error("start settlement engine", zap.String("namespace", "app"), zap.Error(err))
	}
	if err := a.dispatcher.Start(); err != nil {
		zap.L().Error("start notification dispatcher", zap.String("namespace", "app"), zap.Error(err))
	}

	a.initJob()
}

// initServices builds every domain component on top of the database and gw
func (a *Application) initServices(gw gateway.Gateway) {
	cfg := a.appConfig
	a.gateway = gw
	a.bus = notify.NewBus()

	a.alertStore = notify.NewAlertStore(a.gormDB)
	a.alerts = notify.NewAlertService(a.alertStore, a.bus, cfg.Mail)
	a.dispatcher = notify.NewDispatcher(a.bus, notify.NewSMSNotifier(notify.LogSMSSender{}, cfg.Billing.Currency))

	a.packages = catalog.NewGormPackageRepository(a.gormDB)
	a.synchronizer = catalog.NewSynchronizer(a.gormDB, gw, cfg)
	a.pool = voucher.NewPool(a.gormDB, gw, cfg, a.bus)
	a.retrier = voucher.NewProvisionRetrier(a.pool, a.alerts)
	a.provisionLogs = voucher.NewGormProvisionLogRepository(a.gormDB)
	a.engine = settlement.NewEngine(a.gormDB, cfg, a.alerts, a.bus)

	a.serviceCache = servicectl.NewDBCache(a.gormDB)
	var idCache servicectl.IdentifierCache = a.serviceCache
	if cfg.Redis.Enabled {
		a.redisCache = servicectl.NewRedisCache(cfg.Redis, a.serviceCache)
		idCache = a.redisCache
	}
	facade := servicectl.NewFacade(gw, idCache, cfg)

	a.providers = provider.NewRegistry(
		provider.NewMikrotik(a.synchronizer, a.pool, facade),
		provider.NewManual(a.pool),
	)
	a.decoder = mpesa.NewDecoder(cfg.TimeLocation())
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	if err := db.Migrator().AutoMigrate(domain.Tables...); err != nil {
		zap.S().Error(err)
		return err
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Providers() *provider.Registry {
	return a.providers
}

func (a *Application) Packages() catalog.PackageRepository {
	return a.packages
}

func (a *Application) Vouchers() *voucher.Pool {
	return a.pool
}

func (a *Application) Settlement() *settlement.Engine {
	return a.engine
}

func (a *Application) Alerts() *notify.AlertStore {
	return a.alertStore
}

func (a *Application) ServiceCache() *servicectl.DBCache {
	return a.serviceCache
}

func (a *Application) Decoder() *mpesa.Decoder {
	return a.decoder
}

// StartBackgroundJobs starts the periodic router task runner
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	a.StartSchedulerService(ctx)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.redisCache != nil {
		_ = a.redisCache.Close()
	}
	_ = zap.L().Sync()
}
