package domain

import (
	"time"

	"github.com/talkincode/hotspotbill/pkg/common"
	"gorm.io/gorm"
)

// Router transports
const (
	TransportREST = "rest"
	TransportAPI  = "api"
)

// Router account tiers, ISP tier accounts pay no commission
const (
	AccountTierISP      = "isp"
	AccountTierReseller = "reseller"
)

// Router api probe results
const (
	ProbeOK     = "ok"
	ProbeFailed = "failed"
)

// NetRouter a managed router, typically a Mikrotik hotspot/PPPoE gateway
type NetRouter struct {
	ID                int64      `json:"id,string" form:"id" gorm:"primaryKey;autoIncrement:false"`
	Name              string     `json:"name" form:"name" gorm:"size:100"`
	Host              string     `json:"host" form:"host" gorm:"size:255"`
	Port              int        `json:"port" form:"port"`
	UseTLS            bool       `json:"use_tls" form:"use_tls"`
	Username          string     `json:"username" form:"username"`
	Password          string     `json:"-" form:"password"`
	Transport         string     `json:"transport" form:"transport" gorm:"size:10;default:rest"`
	Provider          string     `json:"provider" form:"provider" gorm:"size:20;default:mikrotik"`
	AccountTier       string     `json:"account_tier" form:"account_tier" gorm:"size:20;default:reseller"`
	Status            string     `json:"status" form:"status" gorm:"size:20;index"`
	ApiLastProbeAt    *time.Time `json:"api_last_probe_at"`
	ApiLastResult     string     `json:"api_last_result"`
	ApiLastMessage    string     `json:"api_last_message"`
	LastCatalogSyncAt *time.Time `json:"last_catalog_sync_at"`
	Remark            string     `json:"remark" form:"remark"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (NetRouter) TableName() string {
	return "net_router"
}

func (r *NetRouter) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// Reachable reports whether the last api probe succeeded. A router never probed is assumed reachable.
func (r *NetRouter) Reachable() bool {
	return r.ApiLastProbeAt == nil || r.ApiLastResult == ProbeOK
}

// NetScheduler scheduler task data model for periodic router tasks
type NetScheduler struct {
	ID          int64     `json:"id,string" form:"id" gorm:"primaryKey;autoIncrement:false"`
	Name        string    `json:"name" form:"name"`
	TaskType    string    `json:"task_type" form:"task_type" gorm:"size:50;index"` // catalog_sync, api_probe, provision_retry
	Interval    int       `json:"interval" form:"interval"`                        // Interval in seconds
	Status      string    `json:"status" form:"status"`
	LastRunAt   time.Time `json:"last_run_at"`
	NextRunAt   time.Time `json:"next_run_at"`
	LastResult  string    `json:"last_result" form:"last_result"`
	LastMessage string    `json:"last_message" form:"last_message"`
	Remark      string    `json:"remark" form:"remark"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName Specify table name
func (NetScheduler) TableName() string {
	return "net_scheduler"
}

func (s *NetScheduler) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

func ensureID(id *int64) {
	if *id == 0 {
		*id = common.UUIDint64()
	}
}
