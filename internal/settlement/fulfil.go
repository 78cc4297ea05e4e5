package settlement

import (
	"context"
	"time"

	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/mpesa"
	"github.com/talkincode/hotspotbill/internal/notify"
	"github.com/talkincode/hotspotbill/pkg/common"
	"go.uber.org/zap"
)

const fulfilBatch = 100

// FulfilStats of one fulfilment pass
type FulfilStats struct {
	Attempted int `json:"attempted"`
	Settled   int `json:"settled"`
	Waiting   int `json:"waiting"`
}

// FulfillPending claims stock for paid intents that are still waiting for a voucher
func (e *Engine) FulfillPending(ctx context.Context) (FulfilStats, error) {
	return e.fulfil(ctx, 0, "")
}

func (e *Engine) fulfil(ctx context.Context, routerID int64, packageName string) (FulfilStats, error) {
	var stats FulfilStats
	intents, err := e.store.pendingIntents(ctx, e.now().Add(-e.lease), routerID, packageName, fulfilBatch)
	if err != nil {
		return stats, err
	}
	for _, intent := range intents {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Attempted++
		p := intentPayment(intent, e.now())
		res, err := e.claimForIntent(ctx, intent, p)
		if err != nil {
			zap.L().Error("fulfil pending intent",
				zap.String("namespace", "settlement"),
				zap.Int64("intent_id", intent.ID),
				zap.Error(err))
			continue
		}
		switch res.Outcome {
		case Settled:
			stats.Settled++
			e.record(ctx, p, res)
			e.logOutcome(p, res)
		case OutOfStock:
			stats.Waiting++
		}
	}
	return stats, nil
}

// intentPayment rebuilds the payment an intent was locked with
func intentPayment(intent *domain.PurchaseIntent, now time.Time) payment {
	hash, phone := common.PhoneIdentity(intent.PayerPhone)
	p := payment{
		Source:    "fulfil",
		Reference: intent.BillReference,
		MSISDN:    intent.PayerPhone,
		Phone:     phone,
		PhoneHash: hash,
		Amount:    intent.PaidAmount,
		PaidAt:    now,
		Method:    mpesa.Provider,
	}
	if intent.TransID != nil {
		p.TransID = *intent.TransID
	}
	if intent.PaidAt != nil {
		p.PaidAt = *intent.PaidAt
	}
	return p
}

// Start fulfils waiting intents whenever new stock is generated
func (e *Engine) Start() error {
	if e.bus == nil {
		return nil
	}
	return e.bus.SubscribeAsync(notify.TopicVouchersGenerated, e.onGenerated, false)
}

func (e *Engine) Stop() {
	if e.bus == nil {
		return
	}
	_ = e.bus.Unsubscribe(notify.TopicVouchersGenerated, e.onGenerated)
	e.bus.WaitAsync()
}

func (e *Engine) onGenerated(ev notify.GeneratedEvent) {
	if ev.Count == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stats, err := e.fulfil(ctx, ev.RouterID, ev.PackageName)
	if err != nil {
		zap.L().Error("fulfil after generation",
			zap.String("namespace", "settlement"),
			zap.Int64("router_id", ev.RouterID),
			zap.String("package", ev.PackageName),
			zap.Error(err))
		return
	}
	if stats.Attempted > 0 {
		zap.L().Info("fulfilled waiting intents",
			zap.String("namespace", "settlement"),
			zap.Int64("router_id", ev.RouterID),
			zap.String("package", ev.PackageName),
			zap.Int("settled", stats.Settled),
			zap.Int("waiting", stats.Waiting))
	}
}
