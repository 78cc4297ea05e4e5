package settlement

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/hotspotbill/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrIntentNotFound = errors.New("purchase intent not found")

	// errNotClaimed the conditional update matched no row
	errNotClaimed = errors.New("voucher not claimed")
)

// store wraps the settlement queries. All mutations are conditional updates,
// a caller losing a race sees zero affected rows instead of an overwrite.
type store struct {
	db *gorm.DB
}

func (s *store) intentByReference(ctx context.Context, ref string) (*domain.PurchaseIntent, error) {
	if ref == "" {
		return nil, nil
	}
	var intent domain.PurchaseIntent
	err := s.db.WithContext(ctx).
		Where("bill_reference = ? OR checkout_request_id = ?", ref, ref).
		First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load intent")
	}
	return &intent, nil
}

func (s *store) intentByID(ctx context.Context, id int64) (*domain.PurchaseIntent, error) {
	var intent domain.PurchaseIntent
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load intent")
	}
	return &intent, nil
}

func (s *store) voucherWhere(ctx context.Context, query string, args ...interface{}) (*domain.Voucher, error) {
	var v domain.Voucher
	err := s.db.WithContext(ctx).Where(query, args...).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load voucher")
	}
	return &v, nil
}

func (s *store) voucherByTransID(ctx context.Context, transID string) (*domain.Voucher, error) {
	return s.voucherWhere(ctx, "trans_id = ?", transID)
}

func (s *store) voucherByReference(ctx context.Context, ref string) (*domain.Voucher, error) {
	return s.voucherWhere(ctx, "payment_reference = ?", ref)
}

// lockIntent binds a trans id to an unpaid intent, false when another payment got there first
func (s *store) lockIntent(ctx context.Context, id int64, p payment) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.PurchaseIntent{}).
		Where("id = ? AND trans_id IS NULL AND status IN ?", id, []string{domain.IntentPending, domain.IntentFailed}).
		Updates(map[string]interface{}{
			"trans_id":    p.TransID,
			"status":      domain.IntentProcessing,
			"paid_amount": p.Amount,
			"payer_phone": p.MSISDN,
			"paid_at":     p.PaidAt,
			"note":        "",
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "lock intent")
	}
	return res.RowsAffected == 1, nil
}

// setIntentStatus moves an intent forward, guarded by the trans id it was locked with
func (s *store) setIntentStatus(ctx context.Context, id int64, transID, from, to, note string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.PurchaseIntent{}).
		Where("id = ? AND trans_id = ? AND status = ?", id, transID, from).
		Updates(map[string]interface{}{"status": to, "note": note})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "update intent")
	}
	return res.RowsAffected == 1, nil
}

// failIntent records a declined STK push on an intent that was never paid
func (s *store) failIntent(ctx context.Context, id int64, reason string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.PurchaseIntent{}).
		Where("id = ? AND trans_id IS NULL AND status = ?", id, domain.IntentPending).
		Updates(map[string]interface{}{"status": domain.IntentFailed, "note": reason})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "fail intent")
	}
	return res.RowsAffected == 1, nil
}

// claimFromPool assigns the oldest active voucher of a package to a payment in
// one statement. Vouchers past their activation deadline at now are never
// claimed, even before the expiry sweep has reached them. On postgres the row
// is picked with SKIP LOCKED so concurrent claims move on to the next unit
// instead of queueing on the same one.
func (s *store) claimFromPool(ctx context.Context, routerID int64, packageName string, p payment, now time.Time) (bool, error) {
	lock := ""
	if s.db.Dialector.Name() == "postgres" {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	sql := `UPDATE voucher SET status = ?, trans_id = ?, payer_phone = ?, payer_phone_hash = ?, paid_at = ?, payment_method = ?, updated_at = ?
WHERE id = (SELECT id FROM voucher WHERE router_id = ? AND package_name = ? AND status = ? AND trans_id IS NULL AND (expires_at IS NULL OR expires_at > ?) ORDER BY id LIMIT 1` + lock + `)
AND status = ?`
	res := s.db.WithContext(ctx).Exec(sql,
		domain.VoucherAssigned, p.TransID, p.Phone, p.PhoneHash, p.PaidAt, p.Method, time.Now(),
		routerID, packageName, domain.VoucherActive, now,
		domain.VoucherActive)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "claim voucher")
	}
	return res.RowsAffected == 1, nil
}

// claimByID assigns one specific unexpired voucher, the manual payment path
func (s *store) claimByID(ctx context.Context, id int64, p payment, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Voucher{}).
		Where("id = ? AND status = ? AND trans_id IS NULL", id, domain.VoucherActive).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Updates(map[string]interface{}{
			"status":           domain.VoucherAssigned,
			"trans_id":         p.TransID,
			"payer_phone":      p.Phone,
			"payer_phone_hash": p.PhoneHash,
			"paid_at":          p.PaidAt,
			"payment_method":   p.Method,
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "claim voucher")
	}
	return res.RowsAffected == 1, nil
}

// settleChanges the voucher fields written when a claimed voucher is paid
type settleChanges struct {
	Amount            float64
	Commission        float64
	PurchaseExpiresAt *time.Time
	CustomerName      string
	IntentID          int64
}

// settle marks a claimed voucher paid, links the customer and completes the
// intent in one transaction. errNotClaimed means another delivery settled it.
func (s *store) settle(ctx context.Context, v *domain.Voucher, p payment, c settleChanges) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customerID *int64
		if p.PhoneHash != "" {
			id, err := upsertCustomer(tx, p, c)
			if err != nil {
				return err
			}
			customerID = &id
		}

		res := tx.Model(&domain.Voucher{}).
			Where("id = ? AND status = ? AND trans_id = ?", v.ID, domain.VoucherAssigned, p.TransID).
			Updates(map[string]interface{}{
				"status":              domain.VoucherPaid,
				"amount_paid":         c.Amount,
				"commission":          c.Commission,
				"customer_id":         customerID,
				"purchase_expires_at": c.PurchaseExpiresAt,
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "settle voucher")
		}
		if res.RowsAffected == 0 {
			return errNotClaimed
		}

		if c.IntentID != 0 {
			err := tx.Model(&domain.PurchaseIntent{}).
				Where("id = ? AND trans_id = ?", c.IntentID, p.TransID).
				Updates(map[string]interface{}{
					"status":     domain.IntentCompleted,
					"voucher_id": v.ID,
					"note":       "",
				}).Error
			if err != nil {
				return errors.Wrap(err, "complete intent")
			}
		}
		return nil
	})
}

func upsertCustomer(tx *gorm.DB, p payment, c settleChanges) (int64, error) {
	updates := map[string]interface{}{
		"last_purchase":  p.PaidAt,
		"purchase_count": gorm.Expr("customer.purchase_count + 1"),
		"total_spent":    gorm.Expr("customer.total_spent + ?", c.Amount),
		"updated_at":     time.Now(),
	}
	if p.Phone != "" {
		updates["phone"] = p.Phone
	}
	cust := &domain.Customer{
		PhoneHash:     p.PhoneHash,
		Phone:         p.Phone,
		Name:          c.CustomerName,
		FirstPurchase: p.PaidAt,
		LastPurchase:  p.PaidAt,
		PurchaseCount: 1,
		TotalSpent:    c.Amount,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone_hash"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(cust).Error
	if err != nil {
		return 0, errors.Wrap(err, "upsert customer")
	}
	var stored domain.Customer
	if err := tx.Select("id").Where("phone_hash = ?", p.PhoneHash).First(&stored).Error; err != nil {
		return 0, errors.Wrap(err, "load customer")
	}
	return stored.ID, nil
}

func (s *store) recordEvent(ctx context.Context, ev *domain.PaymentEvent) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(ev).Error, "record payment event")
}

// pendingIntents returns paid intents still waiting for a voucher, plus those
// left processing by an interrupted delivery
func (s *store) pendingIntents(ctx context.Context, staleBefore time.Time, routerID int64, packageName string, limit int) ([]*domain.PurchaseIntent, error) {
	var intents []*domain.PurchaseIntent
	query := s.db.WithContext(ctx).
		Where("trans_id IS NOT NULL").
		Where("status = ? OR (status = ? AND updated_at < ?)", domain.IntentPendingVoucher, domain.IntentProcessing, staleBefore)
	if routerID != 0 {
		query = query.Where("router_id = ?", routerID)
	}
	if packageName != "" {
		query = query.Where("package_name = ?", packageName)
	}
	err := query.Order("paid_at ASC").Limit(limit).Find(&intents).Error
	return intents, errors.Wrap(err, "list pending intents")
}
