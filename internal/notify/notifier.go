package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SMSSender delivers a text message to a phone number
type SMSSender interface {
	Send(ctx context.Context, to, message string) error
}

// LogSMSSender writes messages to the log instead of a gateway. It is the
// default sender until an SMS provider is configured.
type LogSMSSender struct{}

func (LogSMSSender) Send(_ context.Context, to, message string) error {
	zap.L().Info("sms",
		zap.String("namespace", "notify"),
		zap.String("to", to),
		zap.String("message", message))
	return nil
}

// Notifier tells customers about their purchases
type Notifier interface {
	VoucherDelivered(ctx context.Context, ev SettledEvent) error
	VoucherDelayed(ctx context.Context, ev OutOfStockEvent) error
	PaymentFailed(ctx context.Context, ev PaymentFailedEvent) error
}

// SMSNotifier formats customer messages and sends them by SMS
type SMSNotifier struct {
	sender   SMSSender
	currency string
}

func NewSMSNotifier(sender SMSSender, currency string) *SMSNotifier {
	if sender == nil {
		sender = LogSMSSender{}
	}
	return &SMSNotifier{sender: sender, currency: currency}
}

func (n *SMSNotifier) VoucherDelivered(ctx context.Context, ev SettledEvent) error {
	if ev.Phone == "" {
		return nil
	}
	msg := fmt.Sprintf("Payment of %s %.2f received. Your %s voucher code is %s.",
		n.currency, ev.Amount, ev.PackageName, ev.Code)
	if ev.ExpiresAt != nil {
		msg += fmt.Sprintf(" Valid until %s.", ev.ExpiresAt.Format("2006-01-02 15:04"))
	}
	return n.sender.Send(ctx, ev.Phone, msg)
}

func (n *SMSNotifier) VoucherDelayed(ctx context.Context, ev OutOfStockEvent) error {
	if ev.Phone == "" {
		return nil
	}
	msg := fmt.Sprintf("Payment of %s %.2f received. Your %s voucher will be sent shortly.",
		n.currency, ev.Amount, ev.PackageName)
	return n.sender.Send(ctx, ev.Phone, msg)
}

func (n *SMSNotifier) PaymentFailed(ctx context.Context, ev PaymentFailedEvent) error {
	if ev.Phone == "" {
		return nil
	}
	return n.sender.Send(ctx, ev.Phone, "Your payment was not completed: "+ev.Reason)
}
