// Package domaintest opens migrated in-memory databases for package tests.
package domaintest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/talkincode/hotspotbill/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq int64

// NewDB returns an isolated sqlite database with every table migrated. A single
// connection serializes writers the way row locks would on postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:hotspotbill_%d?mode=memory&cache=shared", atomic.AddInt64(&seq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Router inserts an enabled REST router
func Router(t testing.TB, db *gorm.DB, mutate ...func(*domain.NetRouter)) *domain.NetRouter {
	t.Helper()
	r := &domain.NetRouter{
		Name:        "hq",
		Host:        "10.0.0.1",
		Username:    "admin",
		Password:    "secret",
		Transport:   domain.TransportREST,
		Provider:    "mikrotik",
		AccountTier: domain.AccountTierReseller,
		Status:      "enabled",
	}
	for _, m := range mutate {
		m(r)
	}
	if err := db.Create(r).Error; err != nil {
		t.Fatalf("create router: %v", err)
	}
	return r
}

// Package inserts a synced hotspot package on router
func Package(t testing.TB, db *gorm.DB, routerID int64, name string, price float64, mutate ...func(*domain.Package)) *domain.Package {
	t.Helper()
	p := &domain.Package{
		RouterID:        routerID,
		ServiceType:     domain.ServiceHotspot,
		Name:            name,
		DisplayName:     name,
		Price:           price,
		DurationMinutes: 60,
		UploadKbps:      1024,
		DownloadKbps:    2048,
		SharedUsers:     1,
		SyncStatus:      domain.SyncStatusSynced,
	}
	for _, m := range mutate {
		m(p)
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create package: %v", err)
	}
	return p
}
