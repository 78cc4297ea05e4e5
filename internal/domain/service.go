package domain

import (
	"time"

	"gorm.io/gorm"
)

// Service types sold through packages and controlled on the router
const (
	ServiceHotspot = "hotspot"
	ServicePPPoE   = "pppoe"
)

// ValidServiceType reports whether st is a known service type
func ValidServiceType(st string) bool {
	return st == ServiceHotspot || st == ServicePPPoE
}

// NetService caches the router-assigned object id of a named service server.
// Entries are last-writer-wins; a stale id is corrected on the next discovery.
type NetService struct {
	ID              int64      `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	RouterID        int64      `gorm:"uniqueIndex:idx_router_service_name" json:"router_id,string"`
	ServiceType     string     `gorm:"size:20;uniqueIndex:idx_router_service_name" json:"service_type"`
	Name            string     `gorm:"size:200;uniqueIndex:idx_router_service_name" json:"name"`
	VendorServiceId string     `gorm:"size:100" json:"vendor_service_id"` // Mikrotik .id
	LastSeenAt      *time.Time `json:"last_seen_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (NetService) TableName() string {
	return "net_service"
}

func (s *NetService) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
