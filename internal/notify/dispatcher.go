package notify

import (
	"context"
	"time"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

const deliveryTimeout = 30 * time.Second

// Dispatcher delivers customer notifications off the request path. A failed
// notification never affects the settlement that triggered it.
type Dispatcher struct {
	bus      EventBus.Bus
	notifier Notifier
}

func NewDispatcher(bus EventBus.Bus, notifier Notifier) *Dispatcher {
	return &Dispatcher{bus: bus, notifier: notifier}
}

// Start subscribes the notification handlers
func (d *Dispatcher) Start() error {
	subs := map[string]interface{}{
		TopicVoucherSettled: d.onSettled,
		TopicOutOfStock:     d.onOutOfStock,
		TopicPaymentFailed:  d.onPaymentFailed,
	}
	for topic, fn := range subs {
		if err := d.bus.SubscribeAsync(topic, fn, false); err != nil {
			return err
		}
	}
	return nil
}

// Stop unsubscribes and waits for in-flight deliveries
func (d *Dispatcher) Stop() {
	_ = d.bus.Unsubscribe(TopicVoucherSettled, d.onSettled)
	_ = d.bus.Unsubscribe(TopicOutOfStock, d.onOutOfStock)
	_ = d.bus.Unsubscribe(TopicPaymentFailed, d.onPaymentFailed)
	d.bus.WaitAsync()
}

func (d *Dispatcher) onSettled(ev SettledEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := d.notifier.VoucherDelivered(ctx, ev); err != nil {
		zap.L().Error("voucher delivery notification failed",
			zap.String("namespace", "notify"),
			zap.Int64("voucher_id", ev.VoucherID),
			zap.Error(err))
	}
}

func (d *Dispatcher) onOutOfStock(ev OutOfStockEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := d.notifier.VoucherDelayed(ctx, ev); err != nil {
		zap.L().Error("delay notification failed",
			zap.String("namespace", "notify"),
			zap.Int64("intent_id", ev.IntentID),
			zap.Error(err))
	}
}

func (d *Dispatcher) onPaymentFailed(ev PaymentFailedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := d.notifier.PaymentFailed(ctx, ev); err != nil {
		zap.L().Error("payment failure notification failed",
			zap.String("namespace", "notify"),
			zap.Int64("intent_id", ev.IntentID),
			zap.Error(err))
	}
}
