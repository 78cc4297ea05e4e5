package domain

import (
	"time"

	"gorm.io/gorm"
)

// Purchase intent statuses
const (
	IntentPending        = "pending"
	IntentProcessing     = "processing"
	IntentCompleted      = "completed"
	IntentPendingVoucher = "pending_voucher"
	IntentFailed         = "failed"
)

// PurchaseIntent a pre-authorized purchase (STK push) awaiting payment confirmation
type PurchaseIntent struct {
	ID                int64      `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	BillReference     string     `json:"bill_reference" gorm:"size:64;uniqueIndex"`
	CheckoutRequestID *string    `json:"checkout_request_id" gorm:"size:100;uniqueIndex"`
	RouterID          int64      `json:"router_id,string" gorm:"index"`
	PackageID         int64      `json:"package_id,string"`
	PackageName       string     `json:"package_name" gorm:"size:100"`
	CustomerPhone     string     `json:"customer_phone" gorm:"size:32"`
	DeviceMAC         string     `json:"device_mac" gorm:"size:32"`
	Amount            float64    `json:"amount"`
	Status            string     `json:"status" gorm:"size:20;index"`
	TransID           *string    `json:"trans_id" gorm:"size:64;uniqueIndex"`
	VoucherID         *int64     `json:"voucher_id,string"`
	PaidAmount        float64    `json:"paid_amount"`
	PayerPhone        string     `json:"payer_phone" gorm:"size:64"`
	PaidAt            *time.Time `json:"paid_at"`
	Note              string     `json:"note"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (PurchaseIntent) TableName() string {
	return "purchase_intent"
}

func (p *PurchaseIntent) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// Customer identified by a hashed phone; the plaintext number is kept only when known
type Customer struct {
	ID            int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	PhoneHash     string    `json:"-" gorm:"size:64;uniqueIndex"`
	Phone         string    `json:"phone" gorm:"size:32"`
	Name          string    `json:"name" gorm:"size:200"`
	FirstPurchase time.Time `json:"first_purchase"`
	LastPurchase  time.Time `json:"last_purchase"`
	PurchaseCount int       `json:"purchase_count"`
	TotalSpent    float64   `json:"total_spent"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Customer) TableName() string {
	return "customer"
}

func (c *Customer) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
