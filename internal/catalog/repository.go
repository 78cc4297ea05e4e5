package catalog

import (
	"context"
	"errors"

	"github.com/talkincode/hotspotbill/internal/domain"
	"gorm.io/gorm"
)

var (
	ErrPackageNotFound = errors.New("package not found")
	// ErrPackageInUse a package referenced by vouchers or live purchase intents cannot be deleted
	ErrPackageInUse = errors.New("package is referenced by vouchers or purchase intents")
)

// PackageRepository catalog persistence
type PackageRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Package, error)
	GetByName(ctx context.Context, routerID int64, serviceType, name string) (*domain.Package, error)
	// FindForRouter looks a package up by name on any service type of the router
	FindForRouter(ctx context.Context, routerID int64, name string) (*domain.Package, error)
	ListByRouter(ctx context.Context, routerID int64, serviceType string) ([]*domain.Package, error)
	List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Package, int64, error)
	Create(ctx context.Context, pkg *domain.Package) error
	Update(ctx context.Context, pkg *domain.Package) error
	UpdateSyncState(ctx context.Context, id int64, status, note string, objectID *string) error
	// Delete removes a package unless a voucher or a purchase intent that has
	// not failed still references it. A paid intent waiting for stock keeps
	// its package alive.
	Delete(ctx context.Context, id int64) error
}

type GormPackageRepository struct {
	db *gorm.DB
}

func NewGormPackageRepository(db *gorm.DB) *GormPackageRepository {
	return &GormPackageRepository{db: db}
}

func (r *GormPackageRepository) GetByID(ctx context.Context, id int64) (*domain.Package, error) {
	var pkg domain.Package
	err := r.db.WithContext(ctx).First(&pkg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPackageNotFound
	}
	return &pkg, err
}

func (r *GormPackageRepository) GetByName(ctx context.Context, routerID int64, serviceType, name string) (*domain.Package, error) {
	var pkg domain.Package
	err := r.db.WithContext(ctx).
		Where("router_id = ? AND service_type = ? AND name = ?", routerID, serviceType, name).
		First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPackageNotFound
	}
	return &pkg, err
}

func (r *GormPackageRepository) FindForRouter(ctx context.Context, routerID int64, name string) (*domain.Package, error) {
	var pkg domain.Package
	err := r.db.WithContext(ctx).
		Where("router_id = ? AND name = ?", routerID, name).
		Order("service_type ASC").
		First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPackageNotFound
	}
	return &pkg, err
}

func (r *GormPackageRepository) ListByRouter(ctx context.Context, routerID int64, serviceType string) ([]*domain.Package, error) {
	var pkgs []*domain.Package
	query := r.db.WithContext(ctx).Where("router_id = ?", routerID)
	if serviceType != "" {
		query = query.Where("service_type = ?", serviceType)
	}
	err := query.Order("name ASC").Find(&pkgs).Error
	return pkgs, err
}

func (r *GormPackageRepository) List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Package, int64, error) {
	var pkgs []*domain.Package
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.Package{})
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
		Order("router_id ASC, name ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&pkgs).Error
	return pkgs, total, err
}

func (r *GormPackageRepository) Create(ctx context.Context, pkg *domain.Package) error {
	return r.db.WithContext(ctx).Create(pkg).Error
}

func (r *GormPackageRepository) Update(ctx context.Context, pkg *domain.Package) error {
	return r.db.WithContext(ctx).Save(pkg).Error
}

func (r *GormPackageRepository) UpdateSyncState(ctx context.Context, id int64, status, note string, objectID *string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Package{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"sync_status":      status,
			"sync_note":        note,
			"router_object_id": objectID,
		}).Error
}

func (r *GormPackageRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Model(&domain.Voucher{}).Where("package_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return ErrPackageInUse
		}
		if err := tx.Model(&domain.PurchaseIntent{}).
			Where("package_id = ? AND status <> ?", id, domain.IntentFailed).
			Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return ErrPackageInUse
		}
		res := tx.Delete(&domain.Package{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPackageNotFound
		}
		return nil
	})
}
