package voucher

import (
	"context"
	"errors"
	"time"

	"github.com/talkincode/hotspotbill/internal/domain"
	"gorm.io/gorm"
)

var ErrVoucherNotFound = errors.New("voucher not found")

// Repository handles database operations for vouchers
type Repository interface {
	// CreateBatch inserts a generated batch in one transaction
	CreateBatch(ctx context.Context, vouchers []*domain.Voucher) error

	GetByID(ctx context.Context, id int64) (*domain.Voucher, error)
	GetByCode(ctx context.Context, code string) (*domain.Voucher, error)
	ListByBatch(ctx context.Context, batchID string) ([]*domain.Voucher, error)
	List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Voucher, int64, error)

	// ExistingCodes returns which of codes or references are already stored
	ExistingCodes(ctx context.Context, values []string) (map[string]bool, error)

	// GetFailed retrieves vouchers whose router provisioning failed and may be retried
	GetFailed(ctx context.Context, maxRetry, limit int) ([]*domain.Voucher, error)

	// GetStalePending retrieves vouchers left pending by an interrupted batch
	GetStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Voucher, error)

	// UpdateProvision records the router provisioning outcome of a voucher
	UpdateProvision(ctx context.Context, id int64, status string, objectID *string, errMsg string) error

	IncrementRetry(ctx context.Context, id int64) error

	// CompareAndSetStatus moves a voucher from one status to another, false when it was not in from
	CompareAndSetStatus(ctx context.Context, id int64, from, to string) (bool, error)

	// ExpireCandidates returns vouchers past their activation or usage deadline
	ExpireCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.Voucher, error)

	// CountActive counts sellable stock of a package on a router
	CountActive(ctx context.Context, routerID int64, packageName string) (int64, error)
}

// ProvisionLogRepository handles the provisioning audit trail
type ProvisionLogRepository interface {
	Create(ctx context.Context, log *domain.VoucherProvisionLog) error
	GetByVoucherID(ctx context.Context, voucherID int64) ([]*domain.VoucherProvisionLog, error)
	DeleteOlderThan(ctx context.Context, days int) error
}

// GormRepository is the GORM implementation of Repository
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) CreateBatch(ctx context.Context, vouchers []*domain.Voucher) error {
	return r.db.WithContext(ctx).CreateInBatches(vouchers, 100).Error
}

func (r *GormRepository) GetByID(ctx context.Context, id int64) (*domain.Voucher, error) {
	var v domain.Voucher
	err := r.db.WithContext(ctx).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVoucherNotFound
	}
	return &v, err
}

func (r *GormRepository) GetByCode(ctx context.Context, code string) (*domain.Voucher, error) {
	var v domain.Voucher
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVoucherNotFound
	}
	return &v, err
}

func (r *GormRepository) ListByBatch(ctx context.Context, batchID string) ([]*domain.Voucher, error) {
	var vouchers []*domain.Voucher
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&vouchers).Error
	return vouchers, err
}

func (r *GormRepository) List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Voucher, int64, error) {
	var vouchers []*domain.Voucher
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.Voucher{})
	for key, value := range filter {
		if value != nil && value != "" {
			query = query.Where(key+" = ?", value)
		}
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	err := query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&vouchers).Error
	return vouchers, total, err
}

func (r *GormRepository) ExistingCodes(ctx context.Context, values []string) (map[string]bool, error) {
	found := map[string]bool{}
	if len(values) == 0 {
		return found, nil
	}
	var rows []domain.Voucher
	err := r.db.WithContext(ctx).
		Select("code", "payment_reference").
		Where("code IN ? OR payment_reference IN ?", values, values).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		found[row.Code] = true
		found[row.PaymentReference] = true
	}
	return found, nil
}

func (r *GormRepository) GetFailed(ctx context.Context, maxRetry, limit int) ([]*domain.Voucher, error) {
	var vouchers []*domain.Voucher
	err := r.db.WithContext(ctx).
		Where("provision_status = ?", domain.ProvisionFailed).
		Where("retry_count < ?", maxRetry).
		Where("status IN ?", []string{domain.VoucherActive, domain.VoucherAssigned, domain.VoucherPaid}).
		Order("created_at ASC").
		Limit(limit).
		Find(&vouchers).Error
	return vouchers, err
}

func (r *GormRepository) GetStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Voucher, error) {
	var vouchers []*domain.Voucher
	err := r.db.WithContext(ctx).
		Where("provision_status = ? AND created_at < ?", domain.ProvisionPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&vouchers).Error
	return vouchers, err
}

func (r *GormRepository) UpdateProvision(ctx context.Context, id int64, status string, objectID *string, errMsg string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Voucher{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"provision_status": status,
			"router_object_id": objectID,
			"provision_error":  errMsg,
		}).Error
}

func (r *GormRepository) IncrementRetry(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&domain.Voucher{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *GormRepository) CompareAndSetStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Voucher{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

func (r *GormRepository) ExpireCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.Voucher, error) {
	var vouchers []*domain.Voucher
	err := r.db.WithContext(ctx).
		Where("(status = ? AND expires_at IS NOT NULL AND expires_at < ?) OR "+
			"(status IN ? AND purchase_expires_at IS NOT NULL AND purchase_expires_at < ?)",
			domain.VoucherActive, now,
			[]string{domain.VoucherPaid, domain.VoucherUsed}, now).
		Order("id ASC").
		Limit(limit).
		Find(&vouchers).Error
	return vouchers, err
}

func (r *GormRepository) CountActive(ctx context.Context, routerID int64, packageName string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&domain.Voucher{}).
		Where("router_id = ? AND package_name = ? AND status = ?", routerID, packageName, domain.VoucherActive).
		Count(&n).Error
	return n, err
}

// GormProvisionLogRepository is the GORM implementation of ProvisionLogRepository
type GormProvisionLogRepository struct {
	db *gorm.DB
}

func NewGormProvisionLogRepository(db *gorm.DB) *GormProvisionLogRepository {
	return &GormProvisionLogRepository{db: db}
}

func (r *GormProvisionLogRepository) Create(ctx context.Context, log *domain.VoucherProvisionLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *GormProvisionLogRepository) GetByVoucherID(ctx context.Context, voucherID int64) ([]*domain.VoucherProvisionLog, error) {
	var logs []*domain.VoucherProvisionLog
	err := r.db.WithContext(ctx).
		Where("voucher_id = ?", voucherID).
		Order("created_at DESC").
		Find(&logs).Error
	return logs, err
}

func (r *GormProvisionLogRepository) DeleteOlderThan(ctx context.Context, days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)
	return r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.VoucherProvisionLog{}).Error
}
