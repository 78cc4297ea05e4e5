package voucher

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"go.uber.org/zap"
)

var ErrInvalidTransition = errors.New("voucher status does not allow this change")

// ExpireSweep expires active vouchers past their activation deadline and paid
// or used vouchers past their usage deadline. Router users of auto delete
// vouchers are removed, a removal failure leaves the voucher expired.
func (p *Pool) ExpireSweep(ctx context.Context) (int, error) {
	candidates, err := p.repo.ExpireCandidates(ctx, p.now(), 500)
	if err != nil {
		return 0, fmt.Errorf("load expiry candidates: %w", err)
	}
	routers := map[int64]*domain.NetRouter{}
	expired := 0
	for _, v := range candidates {
		if !domain.CanTransition(v.Status, domain.VoucherExpired) {
			continue
		}
		ok, err := p.repo.CompareAndSetStatus(ctx, v.ID, v.Status, domain.VoucherExpired)
		if err != nil {
			return expired, fmt.Errorf("expire voucher %d: %w", v.ID, err)
		}
		if !ok {
			continue
		}
		expired++
		if v.AutoDelete {
			p.removeRouterUser(ctx, routers, v)
		}
	}
	if expired > 0 {
		zap.L().Info("vouchers expired", zap.String("namespace", "voucher"), zap.Int("count", expired))
	}
	return expired, nil
}

// Cancel withdraws an unsold voucher and removes its router user
func (p *Pool) Cancel(ctx context.Context, id int64) (*domain.Voucher, error) {
	v, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(v.Status, domain.VoucherCancelled) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, v.Status, domain.VoucherCancelled)
	}
	ok, err := p.repo.CompareAndSetStatus(ctx, v.ID, v.Status, domain.VoucherCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	v.Status = domain.VoucherCancelled
	p.removeRouterUser(ctx, map[int64]*domain.NetRouter{}, v)
	return v, nil
}

func (p *Pool) removeRouterUser(ctx context.Context, routers map[int64]*domain.NetRouter, v *domain.Voucher) {
	if v.RouterObjectID == nil || *v.RouterObjectID == "" {
		return
	}
	router, ok := routers[v.RouterID]
	if !ok {
		r, err := p.loadRouter(ctx, v.RouterID)
		if err != nil {
			zap.L().Warn("remove router user: router not loaded", zap.Int64("router_id", v.RouterID), zap.Error(err))
			return
		}
		routers[v.RouterID], router = r, r
	}

	err := gateway.Remove(ctx, p.gw, p.device(router), userPaths[v.ServiceType], *v.RouterObjectID)
	logRow := &domain.VoucherProvisionLog{
		VoucherID:  v.ID,
		RouterID:   router.ID,
		Action:     "delete",
		Status:     "success",
		ExecutedAt: p.now(),
	}
	switch {
	case err == nil, gateway.IsNotFound(err):
		if uerr := p.repo.UpdateProvision(ctx, v.ID, v.ProvisionStatus, nil, ""); uerr != nil {
			zap.L().Error("clear router object id", zap.Int64("voucher_id", v.ID), zap.Error(uerr))
		}
		v.RouterObjectID = nil
	default:
		logRow.Status, logRow.ErrorMsg = "failure", err.Error()
		zap.L().Warn("remove router user failed",
			zap.String("namespace", "voucher"),
			zap.Int64("voucher_id", v.ID),
			zap.Error(err))
	}
	if lerr := p.logRepo.Create(ctx, logRow); lerr != nil {
		zap.L().Error("write provision log", zap.Int64("voucher_id", v.ID), zap.Error(lerr))
	}
}

func encodePayload(v interface{}) string {
	data, err := jsoniter.MarshalToString(v)
	if err != nil {
		return ""
	}
	return data
}
