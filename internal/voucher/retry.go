package voucher

import (
	"context"
	"fmt"
	"time"

	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/notify"
	"go.uber.org/zap"
)

// RetryStats of one retry pass
type RetryStats struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// ProvisionRetrier re-attempts router provisioning of failed vouchers and of
// vouchers left pending by an interrupted batch
type ProvisionRetrier struct {
	pool       *Pool
	alerts     notify.Alerter
	maxRetry   int
	batch      int
	// pending vouchers younger than this still belong to a running batch
	staleAfter time.Duration
}

func NewProvisionRetrier(pool *Pool, alerts notify.Alerter) *ProvisionRetrier {
	maxRetry := pool.cfg.Voucher.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &ProvisionRetrier{
		pool:       pool,
		alerts:     alerts,
		maxRetry:   maxRetry,
		batch:      100,
		staleAfter: 10 * time.Minute,
	}
}

// RunOnce processes one page of retry candidates. Candidates on a router that
// is unreachable are deferred without using up a retry.
func (r *ProvisionRetrier) RunOnce(ctx context.Context) (*RetryStats, error) {
	failed, err := r.pool.repo.GetFailed(ctx, r.maxRetry, r.batch)
	if err != nil {
		return nil, fmt.Errorf("load failed vouchers: %w", err)
	}
	stale, err := r.pool.repo.GetStalePending(ctx, r.pool.now().Add(-r.staleAfter), r.batch)
	if err != nil {
		return nil, fmt.Errorf("load pending vouchers: %w", err)
	}

	byRouter := map[int64][]*domain.Voucher{}
	var order []int64
	for _, v := range append(failed, stale...) {
		if _, ok := byRouter[v.RouterID]; !ok {
			order = append(order, v.RouterID)
		}
		byRouter[v.RouterID] = append(byRouter[v.RouterID], v)
	}

	stats := &RetryStats{}
	for _, routerID := range order {
		vouchers := byRouter[routerID]
		router, err := r.pool.loadRouter(ctx, routerID)
		if err != nil {
			zap.L().Warn("provision retry: router not loaded",
				zap.String("namespace", "voucher"),
				zap.Int64("router_id", routerID),
				zap.Error(err))
			stats.Deferred += len(vouchers)
			continue
		}
		if !router.Reachable() {
			stats.Deferred += len(vouchers)
			continue
		}
		for i, v := range vouchers {
			stats.Attempted++
			unit := r.pool.provisionOne(ctx, router, v, "retry")
			if unit.Status == domain.ProvisionSynced {
				stats.Synced++
				continue
			}
			stats.Failed++
			r.recordFailure(ctx, router, v, unit)

			if gateway.IsConnectivity(unit.err) {
				// the router went away mid pass
				stats.Deferred += len(vouchers) - i - 1
				break
			}
		}
	}

	if stats.Attempted > 0 {
		zap.L().Info("provision retry pass",
			zap.String("namespace", "voucher"),
			zap.Int("attempted", stats.Attempted),
			zap.Int("synced", stats.Synced),
			zap.Int("failed", stats.Failed),
			zap.Int("deferred", stats.Deferred))
	}
	return stats, nil
}

func (r *ProvisionRetrier) recordFailure(ctx context.Context, router *domain.NetRouter, v *domain.Voucher, unit UnitResult) {
	if err := r.pool.repo.IncrementRetry(ctx, v.ID); err != nil {
		zap.L().Error("increment voucher retry", zap.Int64("voucher_id", v.ID), zap.Error(err))
		return
	}
	v.RetryCount++
	if v.RetryCount < r.maxRetry || r.alerts == nil {
		return
	}
	if err := r.alerts.Raise(ctx, &domain.OperatorAlert{
		Kind:      domain.AlertProvisionFailed,
		RouterID:  router.ID,
		Reference: v.Code,
		Message:   fmt.Sprintf("voucher %s could not be provisioned after %d attempts: %s", v.Code, v.RetryCount, unit.Error),
	}); err != nil {
		zap.L().Error("raise provision alert", zap.Int64("voucher_id", v.ID), zap.Error(err))
	}
}
