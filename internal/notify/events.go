package notify

import (
	"time"

	"github.com/asaskevich/EventBus"
)

// Event bus topics
const (
	TopicVoucherSettled    = "voucher:settled"
	TopicOutOfStock        = "voucher:out_of_stock"
	TopicPaymentFailed     = "payment:failed"
	TopicVouchersGenerated = "voucher:generated"
	TopicAlertRaised       = "alert:raised"
)

// SettledEvent a voucher was paid and must be delivered to the buyer
type SettledEvent struct {
	VoucherID   int64
	Code        string
	PackageName string
	Phone       string
	Amount      float64
	ExpiresAt   *time.Time
}

// OutOfStockEvent a payment arrived for a package with no sellable voucher
type OutOfStockEvent struct {
	IntentID    int64
	RouterID    int64
	PackageName string
	Phone       string
	Amount      float64
}

// PaymentFailedEvent an STK push was declined or cancelled
type PaymentFailedEvent struct {
	IntentID int64
	Phone    string
	Reason   string
}

// GeneratedEvent new stock for a package
type GeneratedEvent struct {
	RouterID    int64
	PackageName string
	Count       int
}

// NewBus returns an in-process event bus
func NewBus() EventBus.Bus {
	return EventBus.New()
}

// Publish publishes on bus when it is set
func Publish(bus EventBus.Bus, topic string, event interface{}) {
	if bus == nil {
		return
	}
	bus.Publish(topic, event)
}
