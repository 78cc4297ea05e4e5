package domain

import (
	"time"

	"gorm.io/gorm"
)

// Voucher statuses
const (
	VoucherActive    = "active"
	VoucherAssigned  = "assigned"
	VoucherPaid      = "paid"
	VoucherUsed      = "used"
	VoucherExpired   = "expired"
	VoucherCancelled = "cancelled"
)

// Router provisioning statuses of a voucher
const (
	ProvisionPending = "pending"
	ProvisionSynced  = "synced"
	ProvisionFailed  = "failed"
	ProvisionSkipped = "skipped"
)

var voucherTransitions = map[string][]string{
	VoucherActive:   {VoucherAssigned, VoucherPaid, VoucherExpired, VoucherCancelled},
	VoucherAssigned: {VoucherPaid, VoucherCancelled},
	VoucherPaid:     {VoucherUsed, VoucherExpired},
	VoucherUsed:     {VoucherExpired},
}

// CanTransition reports whether a voucher may move from one status to another
func CanTransition(from, to string) bool {
	for _, s := range voucherTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Voucher one sellable access credential. Code doubles as the router password
// and must never be shared as the payment reference.
type Voucher struct {
	ID               int64  `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	Code             string `json:"code" gorm:"size:32;uniqueIndex"`
	PaymentReference string `json:"payment_reference" gorm:"size:32;uniqueIndex"`
	RouterID         int64  `json:"router_id,string" gorm:"index:idx_voucher_claim,priority:1"`
	PackageID        int64  `json:"package_id,string" gorm:"index"`
	PackageName      string `json:"package_name" gorm:"size:100;index:idx_voucher_claim,priority:2"`
	ServiceType      string `json:"service_type" gorm:"size:20"`
	Status           string `json:"status" gorm:"size:20;index:idx_voucher_claim,priority:3"`

	// package snapshot taken at generation time
	Price           float64 `json:"price"`
	DurationMinutes int     `json:"duration_minutes"`
	UploadKbps      int64   `json:"upload_kbps"`
	DownloadKbps    int64   `json:"download_kbps"`
	DataCapMB       int64   `json:"data_cap_mb"`

	RouterObjectID  *string `json:"router_object_id" gorm:"size:64"`
	ProvisionStatus string  `json:"provision_status" gorm:"size:20;index"`
	ProvisionError  string  `json:"provision_error"`
	RetryCount      int     `json:"retry_count" gorm:"default:0"`

	// usage
	Used              bool       `json:"used"`
	CustomerID        *int64     `json:"customer_id,string" gorm:"index"`
	DeviceMAC         string     `json:"device_mac" gorm:"size:32"`
	StartTime         *time.Time `json:"start_time"`
	EndTime           *time.Time `json:"end_time"`
	DataUsedMB        int64      `json:"data_used_mb"`
	TimeUsedMinutes   int        `json:"time_used_minutes"`
	PurchaseExpiresAt *time.Time `json:"purchase_expires_at" gorm:"index"`

	// payment
	PaymentMethod  string     `json:"payment_method" gorm:"size:20"`
	TransID        *string    `json:"trans_id" gorm:"size:64;uniqueIndex"`
	PayerPhone     string     `json:"payer_phone" gorm:"size:32"`
	PayerPhoneHash string     `json:"-" gorm:"size:64"`
	AmountPaid     float64    `json:"amount_paid"`
	Commission     float64    `json:"commission"`
	PaidAt         *time.Time `json:"paid_at"`

	// batch
	BatchID     string `json:"batch_id" gorm:"size:64;index"`
	BatchSize   int    `json:"batch_size"`
	GeneratedBy string `json:"generated_by" gorm:"size:100"`

	// activation deadline, nil when auto expire is off
	ExpiresAt  *time.Time `json:"expires_at" gorm:"index"`
	AutoDelete bool       `json:"auto_delete"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Voucher) TableName() string {
	return "voucher"
}

func (v *Voucher) BeforeCreate(*gorm.DB) error {
	ensureID(&v.ID)
	return nil
}

// VoucherProvisionLog audit trail of router provisioning calls
type VoucherProvisionLog struct {
	ID              int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	VoucherID       int64     `json:"voucher_id,string" gorm:"index"`
	RouterID        int64     `json:"router_id,string"`
	Action          string    `json:"action"` // "create", "retry", "delete"
	Status          string    `json:"status"` // "success", "failure"
	RequestPayload  string    `json:"request_payload" gorm:"type:text"`
	ResponsePayload string    `json:"response_payload" gorm:"type:text"`
	ErrorMsg        string    `json:"error_msg"`
	ExecutedAt      time.Time `json:"executed_at"`
	CreatedAt       time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name
func (VoucherProvisionLog) TableName() string {
	return "voucher_provision_log"
}

func (l *VoucherProvisionLog) BeforeCreate(*gorm.DB) error {
	ensureID(&l.ID)
	return nil
}
