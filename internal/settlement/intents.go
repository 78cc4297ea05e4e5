package settlement

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/pkg/common"
)

const referenceAttempts = 5

var ErrPackageNotPriced = errors.New("package has no price")

// IntentRequest a customer started an STK push purchase
type IntentRequest struct {
	RouterID          int64  `json:"router_id,string" validate:"required"`
	PackageName       string `json:"package_name" validate:"required"`
	Phone             string `json:"phone" validate:"required,min=9,max=15"`
	DeviceMAC         string `json:"device_mac" validate:"omitempty,mac"`
	CheckoutRequestID string `json:"checkout_request_id"`
}

// CreateIntent records a pending purchase priced from the catalog. The bill
// reference shares the voucher reference namespace and never collides with one.
func (e *Engine) CreateIntent(ctx context.Context, req IntentRequest) (*domain.PurchaseIntent, error) {
	pkg, err := e.pkgRepo.FindForRouter(ctx, req.RouterID, req.PackageName)
	if err != nil {
		return nil, err
	}
	if pkg.Price <= 0 {
		return nil, ErrPackageNotPriced
	}
	ref, err := e.billReference(ctx)
	if err != nil {
		return nil, err
	}
	intent := &domain.PurchaseIntent{
		BillReference: ref,
		RouterID:      pkg.RouterID,
		PackageID:     pkg.ID,
		PackageName:   pkg.Name,
		CustomerPhone: common.NormalizeMSISDN(req.Phone),
		DeviceMAC:     strings.ToUpper(req.DeviceMAC),
		Amount:        pkg.Price,
		Status:        domain.IntentPending,
	}
	if req.CheckoutRequestID != "" {
		intent.CheckoutRequestID = common.StrPtr(req.CheckoutRequestID)
	}
	if err := e.db.WithContext(ctx).Create(intent).Error; err != nil {
		return nil, errors.Wrap(err, "create intent")
	}
	return intent, nil
}

func (e *Engine) billReference(ctx context.Context) (string, error) {
	for i := 0; i < referenceAttempts; i++ {
		ref, err := e.codes.Reference()
		if err != nil {
			return "", err
		}
		taken, err := e.vouchers.ExistingCodes(ctx, []string{ref})
		if err != nil {
			return "", err
		}
		if taken[ref] {
			continue
		}
		var count int64
		err = e.db.WithContext(ctx).Model(&domain.PurchaseIntent{}).Where("bill_reference = ?", ref).Count(&count).Error
		if err != nil {
			return "", errors.Wrap(err, "check bill reference")
		}
		if count == 0 {
			return ref, nil
		}
	}
	return "", errors.New("could not draw a unique bill reference")
}

// SetCheckoutRequestID binds the STK checkout id returned after the push was sent
func (e *Engine) SetCheckoutRequestID(ctx context.Context, intentID int64, checkoutID string) error {
	res := e.db.WithContext(ctx).Model(&domain.PurchaseIntent{}).
		Where("id = ? AND status = ?", intentID, domain.IntentPending).
		Update("checkout_request_id", checkoutID)
	if res.Error != nil {
		return errors.Wrap(res.Error, "set checkout request id")
	}
	if res.RowsAffected == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// ListIntents pages intents, newest first
func (e *Engine) ListIntents(ctx context.Context, status string, routerID int64, page, pageSize int) ([]*domain.PurchaseIntent, int64, error) {
	var intents []*domain.PurchaseIntent
	var total int64
	query := e.db.WithContext(ctx).Model(&domain.PurchaseIntent{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if routerID != 0 {
		query = query.Where("router_id = ?", routerID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count intents")
	}
	if page < 1 {
		page = 1
	}
	err := query.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&intents).Error
	return intents, total, errors.Wrap(err, "list intents")
}

// GetIntent loads one intent
func (e *Engine) GetIntent(ctx context.Context, id int64) (*domain.PurchaseIntent, error) {
	return e.store.intentByID(ctx, id)
}

// ListEvents pages the payment delivery log of a trans id or reference
func (e *Engine) ListEvents(ctx context.Context, transID, reference string, limit int) ([]*domain.PaymentEvent, error) {
	var events []*domain.PaymentEvent
	query := e.db.WithContext(ctx).Model(&domain.PaymentEvent{})
	if transID != "" {
		query = query.Where("trans_id = ?", transID)
	}
	if reference != "" {
		query = query.Where("bill_reference = ?", reference)
	}
	err := query.Order("created_at DESC").Limit(limit).Find(&events).Error
	return events, errors.Wrap(err, "list payment events")
}

// PurgeEvents deletes payment events older than days
func (e *Engine) PurgeEvents(ctx context.Context, days int) (int64, error) {
	cutoff := e.now().AddDate(0, 0, -days)
	res := e.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.PaymentEvent{})
	return res.RowsAffected, errors.Wrap(res.Error, "purge payment events")
}
