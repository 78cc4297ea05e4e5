package domain

import (
	"time"

	"gorm.io/gorm"
)

// Package sync statuses
const (
	SyncStatusSynced      = "synced"
	SyncStatusDrifted     = "drifted"
	SyncStatusNewOnRouter = "new_on_router"
	SyncStatusNotOnRouter = "not_on_router"
	SyncStatusFailed      = "failed"
)

// Package a sellable service tier mirrored on the router as a profile.
// Name is stable and doubles as the router-side profile name.
type Package struct {
	ID                   int64      `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	RouterID             int64      `json:"router_id,string" gorm:"uniqueIndex:idx_pkg_router_service_name"`
	ServiceType          string     `json:"service_type" gorm:"size:20;uniqueIndex:idx_pkg_router_service_name"`
	Name                 string     `json:"name" gorm:"size:100;uniqueIndex:idx_pkg_router_service_name"`
	DisplayName          string     `json:"display_name" gorm:"size:200"`
	Price                float64    `json:"price"`
	DurationMinutes      int        `json:"duration_minutes"` // 0 = unlimited
	UploadKbps           int64      `json:"upload_kbps"`
	DownloadKbps         int64      `json:"download_kbps"`
	IdleTimeoutMinutes   int        `json:"idle_timeout_minutes"`
	DataCapMB            int64      `json:"data_cap_mb"`      // 0 = unlimited
	SharedUsers          int        `json:"shared_users" gorm:"default:1"`
	AutoExpire           bool       `json:"auto_expire"`
	ExpiryDays           int        `json:"expiry_days"`
	PurchaseTimedExpiry  bool       `json:"purchase_timed_expiry"`
	RouterObjectID       *string    `json:"router_object_id" gorm:"size:64"`
	SyncStatus           string     `json:"sync_status" gorm:"size:20;index"`
	SyncNote             string     `json:"sync_note"`
	// values observed on the router during the last pull
	RouterRateLimit      string     `json:"router_rate_limit" gorm:"size:100"`
	RouterSessionTimeout string     `json:"router_session_timeout" gorm:"size:50"`
	RouterIdleTimeout    string     `json:"router_idle_timeout" gorm:"size:50"`
	LastSyncedAt         *time.Time `json:"last_synced_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (Package) TableName() string {
	return "catalog_package"
}

func (p *Package) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
