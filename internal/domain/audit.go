package domain

import (
	"time"

	"gorm.io/gorm"
)

// Operator alert kinds
const (
	AlertOutOfStock         = "out_of_stock"
	AlertAmountMismatch     = "amount_mismatch"
	AlertVoucherUnavailable = "voucher_unavailable"
	AlertProvisionFailed    = "provision_failed"
)

// PaymentEvent one row per webhook delivery, whatever the settlement outcome
type PaymentEvent struct {
	ID            int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	Provider      string    `json:"provider" gorm:"size:20;index:idx_payment_event_trans,priority:1"`
	TransID       string    `json:"trans_id" gorm:"size:64;index:idx_payment_event_trans,priority:2"`
	BillReference string    `json:"bill_reference" gorm:"size:64;index"`
	Msisdn        string    `json:"msisdn" gorm:"size:64"`
	Amount        float64   `json:"amount"`
	Outcome       string    `json:"outcome" gorm:"size:40;index"`
	Message       string    `json:"message"`
	VoucherID     *int64    `json:"voucher_id,string"`
	IntentID      *int64    `json:"intent_id,string"`
	Payload       string    `json:"payload" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at" gorm:"index"`
}

// TableName Specify table name
func (PaymentEvent) TableName() string {
	return "payment_event"
}

func (e *PaymentEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

// OperatorAlert a condition an operator must act on, e.g. paid but out of stock
type OperatorAlert struct {
	ID           int64      `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	Kind         string     `json:"kind" gorm:"size:40;index"`
	RouterID     int64      `json:"router_id,string" gorm:"index"`
	Reference    string     `json:"reference" gorm:"size:100"`
	Message      string     `json:"message"`
	Acknowledged bool       `json:"acknowledged" gorm:"index"`
	AckedAt      *time.Time `json:"acked_at"`
	CreatedAt    time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (OperatorAlert) TableName() string {
	return "operator_alert"
}

func (a *OperatorAlert) BeforeCreate(*gorm.DB) error {
	ensureID(&a.ID)
	return nil
}
