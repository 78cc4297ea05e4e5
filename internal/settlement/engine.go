// Package settlement matches payment confirmations to vouchers. A payment
// either names a purchase intent (STK push) whose package stock is claimed,
// or names a voucher's payment reference directly (walk-up payment).
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/metrics"
	"github.com/talkincode/hotspotbill/internal/mpesa"
	"github.com/talkincode/hotspotbill/internal/notify"
	"github.com/talkincode/hotspotbill/internal/voucher"
	"github.com/talkincode/hotspotbill/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// an intent held in processing for longer than this is considered abandoned
const defaultLease = 2 * time.Minute

// payment the normalized confirmation the engine works with
type payment struct {
	Source    string
	TransID   string
	Reference string
	MSISDN    string
	Phone     string
	PhoneHash string
	Name      string
	Amount    float64
	PaidAt    time.Time
	Method    string
	Payload   string
}

func newPayment(c *mpesa.Confirmation, now time.Time) payment {
	hash, phone := common.PhoneIdentity(c.MSISDN)
	paidAt := c.TransTime
	if paidAt.IsZero() {
		paidAt = now
	}
	return payment{
		Source:    c.Source,
		TransID:   c.TransID,
		Reference: c.Reference(),
		MSISDN:    c.MSISDN,
		Phone:     phone,
		PhoneHash: hash,
		Name:      c.FirstName,
		Amount:    c.Amount,
		PaidAt:    paidAt,
		Method:    mpesa.Provider,
		Payload:   string(c.Raw),
	}
}

// Engine settles payment confirmations
type Engine struct {
	db       *gorm.DB
	cfg      *config.AppConfig
	store    *store
	pkgRepo  catalog.PackageRepository
	vouchers voucher.Repository
	codes    voucher.CodeSource
	alerts   notify.Alerter
	bus      EventBus.Bus
	now      func() time.Time
	lease    time.Duration
}

func NewEngine(db *gorm.DB, cfg *config.AppConfig, alerts notify.Alerter, bus EventBus.Bus) *Engine {
	return &Engine{
		db:       db,
		cfg:      cfg,
		store:    &store{db: db},
		pkgRepo:  catalog.NewGormPackageRepository(db),
		vouchers: voucher.NewGormRepository(db),
		codes:    voucher.NewCodeSource(cfg.Voucher.ReferencePrefix),
		alerts:   alerts,
		bus:      bus,
		now:      time.Now,
		lease:    defaultLease,
	}
}

// HandleConfirmation settles one payment confirmation. Business outcomes are
// returned in the Result; an error means persistence failed and the delivery
// should be retried.
func (e *Engine) HandleConfirmation(ctx context.Context, c *mpesa.Confirmation) (*Result, error) {
	p := newPayment(c, e.now())

	var (
		res *Result
		err error
	)
	if c.Succeeded() {
		res, err = e.settlePayment(ctx, p)
	} else {
		res, err = e.handleDeclined(ctx, p, c)
	}
	if err != nil {
		metrics.SettlementOutcomes.WithLabelValues("error").Inc()
		zap.L().Error("payment settlement failed",
			zap.String("namespace", "settlement"),
			zap.String("trans_id", p.TransID),
			zap.String("reference", p.Reference),
			zap.Error(err))
		e.record(ctx, p, &Result{Outcome: "error", Message: err.Error()})
		return nil, err
	}
	e.record(ctx, p, res)
	e.logOutcome(p, res)
	return res, nil
}

// HandleSTKCallback settles an STK push callback. Declined pushes fail the
// intent, successful ones settle like any other confirmation.
func (e *Engine) HandleSTKCallback(ctx context.Context, c *mpesa.Confirmation) (*Result, error) {
	if c.Source != mpesa.SourceSTK {
		return nil, fmt.Errorf("expected an stk callback, got %q", c.Source)
	}
	return e.HandleConfirmation(ctx, c)
}

func (e *Engine) settlePayment(ctx context.Context, p payment) (*Result, error) {
	// a trans id already on a settled voucher is a redelivery whatever reference it carries
	if v, err := e.store.voucherByTransID(ctx, p.TransID); err != nil {
		return nil, err
	} else if v != nil && v.Status != domain.VoucherAssigned {
		return duplicate(v, 0), nil
	}

	intent, err := e.store.intentByReference(ctx, p.Reference)
	if err != nil {
		return nil, err
	}
	if intent != nil {
		return e.settleIntent(ctx, intent, p)
	}
	return e.settleManual(ctx, p)
}

func (e *Engine) settleIntent(ctx context.Context, intent *domain.PurchaseIntent, p payment) (*Result, error) {
	if intent.TransID == nil {
		// an stk push is billed for the intent amount, a c2b payer types the amount in
		if p.Source == mpesa.SourceC2B && intent.Amount > 0 && math.Abs(p.Amount-intent.Amount) > e.cfg.Billing.AmountEpsilon {
			e.raise(ctx, &domain.OperatorAlert{
				Kind:      domain.AlertAmountMismatch,
				RouterID:  intent.RouterID,
				Reference: p.TransID,
				Message:   fmt.Sprintf("intent %s bills %.2f, paid %.2f", intent.BillReference, intent.Amount, p.Amount),
			})
			return &Result{
				Outcome:  AmountMismatch,
				IntentID: intent.ID,
				Message:  fmt.Sprintf("amount %.2f does not match intent amount %.2f", p.Amount, intent.Amount),
			}, nil
		}
		locked, err := e.store.lockIntent(ctx, intent.ID, p)
		if err != nil {
			return nil, err
		}
		if !locked {
			// a concurrent delivery locked it first
			if intent, err = e.store.intentByID(ctx, intent.ID); err != nil {
				return nil, err
			}
			return e.lockedIntent(ctx, intent, p, false)
		}
		intent.Status = domain.IntentProcessing
		intent.TransID = &p.TransID
		return e.claimForIntent(ctx, intent, p)
	}
	return e.lockedIntent(ctx, intent, p, true)
}

// lockedIntent handles an intent that already carries a trans id. Only an
// intent waiting for stock, or one abandoned mid settlement, is resumed.
func (e *Engine) lockedIntent(ctx context.Context, intent *domain.PurchaseIntent, p payment, mayResume bool) (*Result, error) {
	if intent.TransID == nil || *intent.TransID != p.TransID {
		return &Result{
			Outcome:  AlreadySettledDifferently,
			IntentID: intent.ID,
			Message:  "intent already paid by another transaction",
		}, nil
	}
	switch intent.Status {
	case domain.IntentPendingVoucher:
		return e.claimForIntent(ctx, intent, p)
	case domain.IntentProcessing:
		if mayResume && e.now().Sub(intent.UpdatedAt) > e.lease {
			return e.claimForIntent(ctx, intent, p)
		}
	}
	res := &Result{Outcome: DuplicateTransaction, IntentID: intent.ID, Message: "transaction already received"}
	if intent.VoucherID != nil {
		res.VoucherID = *intent.VoucherID
	}
	return res, nil
}

func (e *Engine) claimForIntent(ctx context.Context, intent *domain.PurchaseIntent, p payment) (*Result, error) {
	v, err := e.store.voucherByTransID(ctx, p.TransID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		// the unique trans id index rejects a racing duplicate claim, so the
		// row holding the trans id afterwards decides the outcome
		_, claimErr := e.store.claimFromPool(ctx, intent.RouterID, intent.PackageName, p, e.now())
		if v, err = e.store.voucherByTransID(ctx, p.TransID); err != nil {
			return nil, err
		}
		if v == nil {
			if claimErr != nil {
				return nil, claimErr
			}
			return e.outOfStock(ctx, intent, p)
		}
	}
	if v.Status != domain.VoucherAssigned {
		return duplicate(v, intent.ID), nil
	}
	return e.finish(ctx, v, intent, p)
}

func (e *Engine) outOfStock(ctx context.Context, intent *domain.PurchaseIntent, p payment) (*Result, error) {
	res := &Result{
		Outcome:  OutOfStock,
		IntentID: intent.ID,
		Message:  fmt.Sprintf("payment received, no %s voucher in stock", intent.PackageName),
	}
	if intent.Status == domain.IntentPendingVoucher {
		return res, nil
	}
	moved, err := e.store.setIntentStatus(ctx, intent.ID, p.TransID, intent.Status, domain.IntentPendingVoucher, "awaiting voucher stock")
	if err != nil {
		return nil, err
	}
	if !moved {
		return res, nil
	}
	e.raise(ctx, &domain.OperatorAlert{
		Kind:      domain.AlertOutOfStock,
		RouterID:  intent.RouterID,
		Reference: p.TransID,
		Message: fmt.Sprintf("paid %.2f for %s (intent %s) with no stock, generate vouchers to fulfil",
			p.Amount, intent.PackageName, intent.BillReference),
	})
	notify.Publish(e.bus, notify.TopicOutOfStock, notify.OutOfStockEvent{
		IntentID:    intent.ID,
		RouterID:    intent.RouterID,
		PackageName: intent.PackageName,
		Phone:       common.IfEmptyStr(p.Phone, intent.CustomerPhone),
		Amount:      p.Amount,
	})
	return res, nil
}

func (e *Engine) settleManual(ctx context.Context, p payment) (*Result, error) {
	v, err := e.store.voucherByReference(ctx, p.Reference)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return &Result{Outcome: VoucherNotFound, Message: "no voucher or intent for reference " + p.Reference}, nil
	}

	if v.TransID != nil {
		if *v.TransID != p.TransID {
			return &Result{Outcome: AlreadySettledDifferently, VoucherID: v.ID, Message: "voucher already paid by another transaction"}, nil
		}
		if v.Status != domain.VoucherAssigned {
			return duplicate(v, 0), nil
		}
		return e.finish(ctx, v, nil, p)
	}

	if math.Abs(p.Amount-v.Price) > e.cfg.Billing.AmountEpsilon {
		e.raise(ctx, &domain.OperatorAlert{
			Kind:      domain.AlertAmountMismatch,
			RouterID:  v.RouterID,
			Reference: p.TransID,
			Message:   fmt.Sprintf("voucher %s costs %.2f, paid %.2f", v.PaymentReference, v.Price, p.Amount),
		})
		return &Result{
			Outcome:   AmountMismatch,
			VoucherID: v.ID,
			Message:   fmt.Sprintf("amount %.2f does not match price %.2f", p.Amount, v.Price),
		}, nil
	}

	if v.Status != domain.VoucherActive {
		e.raise(ctx, &domain.OperatorAlert{
			Kind:      domain.AlertVoucherUnavailable,
			RouterID:  v.RouterID,
			Reference: p.TransID,
			Message:   fmt.Sprintf("paid %.2f for voucher %s in status %s", p.Amount, v.PaymentReference, v.Status),
		})
		return &Result{Outcome: VoucherUnavailable, VoucherID: v.ID, Message: "voucher is " + v.Status}, nil
	}

	if v.ExpiresAt != nil && !v.ExpiresAt.After(e.now()) {
		e.raise(ctx, &domain.OperatorAlert{
			Kind:      domain.AlertVoucherUnavailable,
			RouterID:  v.RouterID,
			Reference: p.TransID,
			Message:   fmt.Sprintf("paid %.2f for voucher %s which expired at %s", p.Amount, v.PaymentReference, v.ExpiresAt.Format(time.RFC3339)),
		})
		return &Result{Outcome: VoucherUnavailable, VoucherID: v.ID, Message: "voucher expired"}, nil
	}

	claimed, err := e.store.claimByID(ctx, v.ID, p, e.now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		// lost a race, the winner decides which outcome this delivery gets
		return e.settleManual(ctx, p)
	}
	v.Status = domain.VoucherAssigned
	v.TransID = &p.TransID
	return e.finish(ctx, v, nil, p)
}

// finish settles a voucher this payment holds in assigned
func (e *Engine) finish(ctx context.Context, v *domain.Voucher, intent *domain.PurchaseIntent, p payment) (*Result, error) {
	changes := settleChanges{
		Amount:       p.Amount,
		Commission:   e.commission(ctx, v.RouterID, p.Amount),
		CustomerName: p.Name,
	}
	if intent != nil {
		changes.IntentID = intent.ID
	}
	if pkg, err := e.pkgRepo.GetByID(ctx, v.PackageID); err == nil && pkg.PurchaseTimedExpiry && v.DurationMinutes > 0 {
		at := p.PaidAt.Add(time.Duration(v.DurationMinutes) * time.Minute)
		changes.PurchaseExpiresAt = &at
	}

	err := e.store.settle(ctx, v, p, changes)
	if errors.Is(err, errNotClaimed) {
		return duplicate(v, changes.IntentID), nil
	}
	if err != nil {
		return nil, err
	}

	v.Status = domain.VoucherPaid
	v.AmountPaid = p.Amount
	v.Commission = changes.Commission
	v.PurchaseExpiresAt = changes.PurchaseExpiresAt
	v.PaidAt = &p.PaidAt

	phone := p.Phone
	if phone == "" && intent != nil {
		phone = intent.CustomerPhone
	}
	notify.Publish(e.bus, notify.TopicVoucherSettled, notify.SettledEvent{
		VoucherID:   v.ID,
		Code:        v.Code,
		PackageName: v.PackageName,
		Phone:       phone,
		Amount:      p.Amount,
		ExpiresAt:   changes.PurchaseExpiresAt,
	})
	return &Result{
		Outcome:   Settled,
		VoucherID: v.ID,
		IntentID:  changes.IntentID,
		Message:   "voucher " + v.PaymentReference + " paid",
		Voucher:   v,
	}, nil
}

// commission is zero for ISP tier routers, rounded to cents otherwise
func (e *Engine) commission(ctx context.Context, routerID int64, amount float64) float64 {
	var router domain.NetRouter
	err := e.db.WithContext(ctx).Select("id", "account_tier").Where("id = ?", routerID).First(&router).Error
	if err == nil && router.AccountTier == domain.AccountTierISP {
		return 0
	}
	return math.Round(amount*e.cfg.Billing.CommissionRate*100) / 100
}

func (e *Engine) handleDeclined(ctx context.Context, p payment, c *mpesa.Confirmation) (*Result, error) {
	reason := common.IfEmptyStr(c.ResultDesc, fmt.Sprintf("result code %d", c.ResultCode))
	res := &Result{Outcome: PaymentFailed, Message: reason}
	intent, err := e.store.intentByReference(ctx, p.Reference)
	if err != nil || intent == nil {
		return res, err
	}
	res.IntentID = intent.ID
	failed, err := e.store.failIntent(ctx, intent.ID, reason)
	if err != nil {
		return nil, err
	}
	if failed {
		notify.Publish(e.bus, notify.TopicPaymentFailed, notify.PaymentFailedEvent{
			IntentID: intent.ID,
			Phone:    intent.CustomerPhone,
			Reason:   reason,
		})
	}
	return res, nil
}

func duplicate(v *domain.Voucher, intentID int64) *Result {
	return &Result{
		Outcome:   DuplicateTransaction,
		VoucherID: v.ID,
		IntentID:  intentID,
		Message:   "transaction already settled",
	}
}

func (e *Engine) raise(ctx context.Context, alert *domain.OperatorAlert) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Raise(ctx, alert); err != nil {
		zap.L().Error("raise operator alert",
			zap.String("namespace", "settlement"),
			zap.String("kind", alert.Kind),
			zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, p payment, res *Result) {
	ev := &domain.PaymentEvent{
		Provider:      mpesa.Provider,
		TransID:       p.TransID,
		BillReference: p.Reference,
		Msisdn:        p.MSISDN,
		Amount:        p.Amount,
		Outcome:       string(res.Outcome),
		Message:       res.Message,
		Payload:       p.Payload,
	}
	if res.VoucherID != 0 {
		ev.VoucherID = &res.VoucherID
	}
	if res.IntentID != 0 {
		ev.IntentID = &res.IntentID
	}
	if err := e.store.recordEvent(ctx, ev); err != nil {
		zap.L().Error("record payment event",
			zap.String("namespace", "settlement"),
			zap.String("trans_id", p.TransID),
			zap.Error(err))
	}
}

// RecordInvalidPayload keeps a webhook body that could not be decoded. The
// gateway is acknowledged anyway, a redelivery would fail the same way.
func (e *Engine) RecordInvalidPayload(ctx context.Context, source string, body []byte, reason string) *Result {
	res := &Result{Outcome: InvalidPayload, Message: reason}
	e.record(ctx, payment{Source: source, Payload: string(body)}, res)
	e.logOutcome(payment{Source: source}, res)
	return res
}

func (e *Engine) logOutcome(p payment, res *Result) {
	metrics.SettlementOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	fields := []zap.Field{
		zap.String("namespace", "settlement"),
		zap.String("source", p.Source),
		zap.String("outcome", string(res.Outcome)),
		zap.String("trans_id", p.TransID),
		zap.String("reference", p.Reference),
		zap.Float64("amount", p.Amount),
		zap.Int64("voucher_id", res.VoucherID),
		zap.Int64("intent_id", res.IntentID),
	}
	switch res.Outcome {
	case Settled, DuplicateTransaction:
		zap.L().Info(res.Message, fields...)
	default:
		zap.L().Warn(res.Message, fields...)
	}
}
