package servicectl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentifierCache maps a named service server on a router to its device object id
type IdentifierCache interface {
	Get(ctx context.Context, routerID int64, serviceType, name string) (string, bool, error)
	Put(ctx context.Context, routerID int64, serviceType, name, id string) error
	Invalidate(ctx context.Context, routerID int64, serviceType, name string) error
}

// DBCache persists identifiers in net_service
type DBCache struct {
	db *gorm.DB
}

func NewDBCache(db *gorm.DB) *DBCache {
	return &DBCache{db: db}
}

func (c *DBCache) Get(ctx context.Context, routerID int64, serviceType, name string) (string, bool, error) {
	var svc domain.NetService
	err := c.db.WithContext(ctx).
		Where("router_id = ? AND service_type = ? AND name = ?", routerID, serviceType, name).
		First(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return svc.VendorServiceId, svc.VendorServiceId != "", nil
}

func (c *DBCache) Put(ctx context.Context, routerID int64, serviceType, name, id string) error {
	now := time.Now()
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "router_id"}, {Name: "service_type"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"vendor_service_id", "last_seen_at", "updated_at"}),
	}).Create(&domain.NetService{
		RouterID:        routerID,
		ServiceType:     serviceType,
		Name:            name,
		VendorServiceId: id,
		LastSeenAt:      &now,
	}).Error
}

func (c *DBCache) Invalidate(ctx context.Context, routerID int64, serviceType, name string) error {
	return c.db.WithContext(ctx).Model(&domain.NetService{}).
		Where("router_id = ? AND service_type = ? AND name = ?", routerID, serviceType, name).
		Update("vendor_service_id", "").Error
}

// List returns the cached identifiers of a router
func (c *DBCache) List(ctx context.Context, routerID int64) ([]domain.NetService, error) {
	var services []domain.NetService
	query := c.db.WithContext(ctx).Model(&domain.NetService{})
	if routerID != 0 {
		query = query.Where("router_id = ?", routerID)
	}
	err := query.Order("router_id, service_type, name").Find(&services).Error
	return services, err
}

// RedisCache fronts another cache. Redis failures are logged and fall through,
// the backing cache stays the source of truth.
type RedisCache struct {
	client *redis.Client
	next   IdentifierCache
	ttl    time.Duration
}

func NewRedisCache(cfg config.RedisConfig, next IdentifierCache) *RedisCache {
	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		next: next,
		ttl:  ttl,
	}
}

func cacheKey(routerID int64, serviceType, name string) string {
	return fmt.Sprintf("hotspotbill:svcid:%d:%s:%s", routerID, serviceType, name)
}

func (c *RedisCache) Get(ctx context.Context, routerID int64, serviceType, name string) (string, bool, error) {
	key := cacheKey(routerID, serviceType, name)
	id, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil && id != "":
		return id, true, nil
	case err != nil && !errors.Is(err, redis.Nil):
		zap.L().Warn("redis identifier lookup failed",
			zap.String("namespace", "servicectl"),
			zap.String("key", key),
			zap.Error(err))
	}

	id, ok, err := c.next.Get(ctx, routerID, serviceType, name)
	if err != nil || !ok {
		return id, ok, err
	}
	if serr := c.client.Set(ctx, key, id, c.ttl).Err(); serr != nil {
		zap.L().Debug("redis identifier fill failed", zap.String("key", key), zap.Error(serr))
	}
	return id, true, nil
}

func (c *RedisCache) Put(ctx context.Context, routerID int64, serviceType, name, id string) error {
	if err := c.next.Put(ctx, routerID, serviceType, name, id); err != nil {
		return err
	}
	key := cacheKey(routerID, serviceType, name)
	if err := c.client.Set(ctx, key, id, c.ttl).Err(); err != nil {
		zap.L().Warn("redis identifier store failed",
			zap.String("namespace", "servicectl"),
			zap.String("key", key),
			zap.Error(err))
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, routerID int64, serviceType, name string) error {
	key := cacheKey(routerID, serviceType, name)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		zap.L().Warn("redis identifier invalidate failed",
			zap.String("namespace", "servicectl"),
			zap.String("key", key),
			zap.Error(err))
	}
	return c.next.Invalidate(ctx, routerID, serviceType, name)
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
