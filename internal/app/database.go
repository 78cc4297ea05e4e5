package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/talkincode/hotspotbill/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// getDatabase opens postgres, or a sqlite file under dataDir, and panics when
// neither can be reached since nothing works without storage.
func getDatabase(cfg config.DBConfig, dataDir string) *gorm.DB {
	logLevel := logger.Warn
	if cfg.Debug {
		logLevel = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			zap.S().Errorf("create data dir %s: %v", dataDir, err)
		}
		name := cfg.Name
		if name == "" {
			name = "hotspotbill"
		}
		dialector = sqlite.Open(filepath.Join(dataDir, name+".db") + "?_busy_timeout=5000&_journal_mode=WAL")
	default:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name)
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		panic(fmt.Errorf("open %s database: %w", cfg.Type, err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Errorf("database handle: %w", err))
	}
	if cfg.Type == "sqlite" {
		// sqlite serializes writers
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db
}
