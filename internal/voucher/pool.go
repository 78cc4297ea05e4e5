package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/metrics"
	"github.com/talkincode/hotspotbill/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxBatchSize = 1000

	noteRouterUnreachable = "router unreachable"
	noteNoObjectID        = "created on router, reply carried no object id"
)

var (
	ErrInvalidQuantity = fmt.Errorf("quantity must be between 1 and %d", MaxBatchSize)
	ErrPackageNotFound = catalog.ErrPackageNotFound
	ErrRouterNotFound  = errors.New("router not found")
)

// router user menus per service type
var userPaths = map[string]string{
	domain.ServiceHotspot: "/ip/hotspot/user",
	domain.ServicePPPoE:   "/ppp/secret",
}

// GenerateRequest voucher batch parameters
type GenerateRequest struct {
	RouterID     int64  `json:"router_id,string" validate:"required"`
	PackageName  string `json:"package_name" validate:"required"`
	ServiceType  string `json:"service_type" validate:"omitempty,oneof=hotspot pppoe"`
	Quantity     int    `json:"quantity" validate:"required,min=1,max=1000"`
	SyncToRouter bool   `json:"sync_to_router"`
	GeneratedBy  string `json:"generated_by"`
	CodeLength   int    `json:"code_length" validate:"omitempty,min=6,max=16"`
}

// UnitResult the provisioning outcome of one voucher
type UnitResult struct {
	VoucherID      int64  `json:"voucher_id,string"`
	Code           string `json:"code"`
	Status         string `json:"status"`
	RouterObjectID string `json:"router_object_id,omitempty"`
	Error          string `json:"error,omitempty"`

	err error
}

// GenerateResult of a batch. FailedCount includes units skipped because the router was unreachable.
type GenerateResult struct {
	BatchID     string            `json:"batch_id"`
	Vouchers    []*domain.Voucher `json:"vouchers"`
	Units       []UnitResult      `json:"units"`
	SyncedCount int               `json:"synced_count"`
	FailedCount int               `json:"failed_count"`
}

// Pool generates vouchers and provisions them on routers. The database row
// is the source of truth, the router user mirrors it and is retried by the
// ProvisionRetrier when provisioning fails.
type Pool struct {
	db      *gorm.DB
	gw      gateway.Gateway
	cfg     *config.AppConfig
	repo    Repository
	logRepo ProvisionLogRepository
	pkgRepo catalog.PackageRepository
	codes   CodeSource
	bus     EventBus.Bus
	now     func() time.Time
}

func NewPool(db *gorm.DB, gw gateway.Gateway, cfg *config.AppConfig, bus EventBus.Bus) *Pool {
	return &Pool{
		db:      db,
		gw:      gw,
		cfg:     cfg,
		repo:    NewGormRepository(db),
		logRepo: NewGormProvisionLogRepository(db),
		pkgRepo: catalog.NewGormPackageRepository(db),
		codes:   NewCodeSource(cfg.Voucher.ReferencePrefix),
		bus:     bus,
		now:     time.Now,
	}
}

// Repository exposes voucher persistence to the admin api
func (p *Pool) Repository() Repository {
	return p.repo
}

func (p *Pool) device(router *domain.NetRouter) gateway.DeviceConfig {
	return gateway.FromRouter(router, p.cfg.RouterTimeout(), p.cfg.Router.InsecureTLS)
}

// GenerateVouchers creates a batch of vouchers for a package and optionally
// provisions each one as a router user. Per unit router failures are recorded
// on the voucher and in the result, only validation and persistence errors are returned.
//
// Codes and payment references are unique across the batch and storage. When
// the router is known to be unreachable no device call is made, every unit
// is stored as skipped and counted in FailedCount.
//
// Parameters:
//   - req.Quantity: number of vouchers, 1 to MaxBatchSize
//   - req.SyncToRouter: false stores the vouchers without touching the router
//
// Returns:
//   - *GenerateResult: one UnitResult per voucher with the batch totals
//   - error: validation failures and storage errors
func (p *Pool) GenerateVouchers(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if req.Quantity < 1 || req.Quantity > MaxBatchSize {
		return nil, ErrInvalidQuantity
	}
	router, err := p.loadRouter(ctx, req.RouterID)
	if err != nil {
		return nil, err
	}
	var pkg *domain.Package
	if req.ServiceType != "" {
		pkg, err = p.pkgRepo.GetByName(ctx, router.ID, req.ServiceType, req.PackageName)
	} else {
		pkg, err = p.pkgRepo.FindForRouter(ctx, router.ID, req.PackageName)
	}
	if err != nil {
		return nil, err
	}

	length := req.CodeLength
	if length == 0 {
		length = p.cfg.Voucher.CodeLength
	}
	if length == 0 {
		length = DefaultCodeLength
	}

	vouchers, err := p.buildBatch(ctx, router, pkg, req, length)
	if err != nil {
		return nil, err
	}
	if err := p.repo.CreateBatch(ctx, vouchers); err != nil {
		return nil, fmt.Errorf("store voucher batch: %w", err)
	}

	result := &GenerateResult{BatchID: vouchers[0].BatchID, Vouchers: vouchers}
	switch {
	case !req.SyncToRouter:
		result.Units = p.markAll(ctx, vouchers, domain.ProvisionSkipped, "")
	case !router.Reachable():
		result.Units = p.markAll(ctx, vouchers, domain.ProvisionSkipped, noteRouterUnreachable)
		result.FailedCount = len(vouchers)
	default:
		if _, perr := gateway.Probe(ctx, p.gw, p.device(router)); perr != nil {
			p.recordProbe(ctx, router, perr)
			result.Units = p.markAll(ctx, vouchers, domain.ProvisionSkipped, noteRouterUnreachable+": "+perr.Error())
			result.FailedCount = len(vouchers)
			break
		}
		p.recordProbe(ctx, router, nil)
		result.Units = p.provisionAll(ctx, router, vouchers)
		for _, u := range result.Units {
			if u.Status == domain.ProvisionSynced {
				result.SyncedCount++
			} else {
				result.FailedCount++
			}
		}
	}

	for _, u := range result.Units {
		metrics.VouchersGenerated.WithLabelValues(u.Status).Inc()
	}
	zap.L().Info("voucher batch generated",
		zap.String("namespace", "voucher"),
		zap.String("batch_id", result.BatchID),
		zap.Int64("router_id", router.ID),
		zap.String("package", pkg.Name),
		zap.Int("quantity", len(vouchers)),
		zap.Int("synced", result.SyncedCount),
		zap.Int("failed", result.FailedCount))

	notify.Publish(p.bus, notify.TopicVouchersGenerated, notify.GeneratedEvent{
		RouterID: router.ID, PackageName: pkg.Name, Count: len(vouchers),
	})
	return result, nil
}

func (p *Pool) loadRouter(ctx context.Context, id int64) (*domain.NetRouter, error) {
	var router domain.NetRouter
	err := p.db.WithContext(ctx).First(&router, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRouterNotFound
	}
	if err != nil {
		return nil, err
	}
	return &router, nil
}

// buildBatch draws unique codes and references, checked against the batch and storage
func (p *Pool) buildBatch(ctx context.Context, router *domain.NetRouter, pkg *domain.Package, req GenerateRequest, length int) ([]*domain.Voucher, error) {
	used := map[string]bool{}
	draw := func(next func() (string, error)) (string, error) {
		for attempt := 0; attempt < 20; attempt++ {
			v, err := next()
			if err != nil {
				return "", err
			}
			if !used[v] {
				used[v] = true
				return v, nil
			}
		}
		return "", errors.New("could not draw a unique value, increase the code length")
	}

	codes := make([]string, req.Quantity)
	refs := make([]string, req.Quantity)
	fill := func(idx []int) error {
		for _, i := range idx {
			code, err := draw(func() (string, error) { return p.codes.Code(length) })
			if err != nil {
				return err
			}
			ref, err := draw(p.codes.Reference)
			if err != nil {
				return err
			}
			codes[i], refs[i] = code, ref
		}
		return nil
	}

	pending := make([]int, req.Quantity)
	for i := range pending {
		pending[i] = i
	}
	for round := 0; len(pending) > 0; round++ {
		if round == 5 {
			return nil, errors.New("voucher codes keep colliding with stored vouchers")
		}
		if err := fill(pending); err != nil {
			return nil, err
		}
		values := make([]string, 0, 2*len(pending))
		for _, i := range pending {
			values = append(values, codes[i], refs[i])
		}
		taken, err := p.repo.ExistingCodes(ctx, values)
		if err != nil {
			return nil, fmt.Errorf("check stored codes: %w", err)
		}
		var again []int
		for _, i := range pending {
			if taken[codes[i]] || taken[refs[i]] {
				again = append(again, i)
			}
		}
		pending = again
	}

	now := p.now()
	batchID := uuid.NewString()
	var expiresAt *time.Time
	if pkg.AutoExpire {
		days := pkg.ExpiryDays
		if days <= 0 {
			days = p.cfg.Voucher.ExpiryDays
		}
		if days > 0 {
			t := now.AddDate(0, 0, days)
			expiresAt = &t
		}
	}

	status := domain.ProvisionPending
	if !req.SyncToRouter {
		status = domain.ProvisionSkipped
	}
	out := make([]*domain.Voucher, req.Quantity)
	for i := range out {
		out[i] = &domain.Voucher{
			Code:             codes[i],
			PaymentReference: refs[i],
			RouterID:         router.ID,
			PackageID:        pkg.ID,
			PackageName:      pkg.Name,
			ServiceType:      pkg.ServiceType,
			Status:           domain.VoucherActive,
			Price:            pkg.Price,
			DurationMinutes:  pkg.DurationMinutes,
			UploadKbps:       pkg.UploadKbps,
			DownloadKbps:     pkg.DownloadKbps,
			DataCapMB:        pkg.DataCapMB,
			ProvisionStatus:  status,
			BatchID:          batchID,
			BatchSize:        req.Quantity,
			GeneratedBy:      req.GeneratedBy,
			ExpiresAt:        expiresAt,
			AutoDelete:       pkg.AutoExpire,
			CreatedAt:        now,
		}
	}
	return out, nil
}

func (p *Pool) markAll(ctx context.Context, vouchers []*domain.Voucher, status, note string) []UnitResult {
	units := make([]UnitResult, len(vouchers))
	for i, v := range vouchers {
		if v.ProvisionStatus != status || note != "" {
			if err := p.repo.UpdateProvision(ctx, v.ID, status, nil, note); err != nil {
				zap.L().Error("update voucher provision status", zap.Int64("voucher_id", v.ID), zap.Error(err))
			}
		}
		v.ProvisionStatus, v.ProvisionError = status, note
		units[i] = UnitResult{VoucherID: v.ID, Code: v.Code, Status: status, Error: note}
	}
	return units
}

// provisionAll creates the router users over a bounded ants pool
func (p *Pool) provisionAll(ctx context.Context, router *domain.NetRouter, vouchers []*domain.Voucher) []UnitResult {
	units := make([]UnitResult, len(vouchers))
	workers := p.cfg.Voucher.ProvisionPool
	if workers <= 0 {
		workers = 8
	}
	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(workers, func(arg interface{}) {
		defer wg.Done()
		i := arg.(int)
		units[i] = p.provisionOne(ctx, router, vouchers[i], "create")
	})
	if err != nil {
		// fall back to sequential provisioning
		zap.L().Warn("provision pool unavailable", zap.String("namespace", "voucher"), zap.Error(err))
		for i := range vouchers {
			units[i] = p.provisionOne(ctx, router, vouchers[i], "create")
		}
		return units
	}
	defer pool.Release()

	for i := range vouchers {
		wg.Add(1)
		if err := pool.Invoke(i); err != nil {
			wg.Done()
			units[i] = p.provisionOne(ctx, router, vouchers[i], "create")
		}
	}
	wg.Wait()
	return units
}

// userBody renders the router user of a voucher, the code doubles as the password
func userBody(v *domain.Voucher) map[string]string {
	body := map[string]string{
		"name":     v.Code,
		"password": v.Code,
		"profile":  v.PackageName,
		"comment":  "hotspotbill " + v.BatchID,
	}
	if v.ServiceType == domain.ServicePPPoE {
		body["service"] = "pppoe"
		return body
	}
	if limit := gateway.EncodeDuration(v.DurationMinutes); limit != "" {
		body["limit-uptime"] = limit
	}
	if v.DataCapMB > 0 {
		body["limit-bytes-total"] = fmt.Sprintf("%d", v.DataCapMB*1024*1024)
	}
	return body
}

// provisionOne creates the router user of one voucher and persists the outcome
func (p *Pool) provisionOne(ctx context.Context, router *domain.NetRouter, v *domain.Voucher, action string) UnitResult {
	unit := UnitResult{VoucherID: v.ID, Code: v.Code}
	path := userPaths[v.ServiceType]
	body := userBody(v)

	id, rec, err := gateway.Create(ctx, p.gw, p.device(router), path, body)
	if err != nil && action == "retry" && isAlreadyExists(err) {
		// an earlier attempt reached the router but its reply was lost
		id, rec, err = p.findUser(ctx, router, path, v.Code)
	}

	logRow := &domain.VoucherProvisionLog{
		VoucherID:      v.ID,
		RouterID:       router.ID,
		Action:         action,
		RequestPayload: encodePayload(redact(body)),
		ExecutedAt:     p.now(),
	}
	if rec != nil {
		logRow.ResponsePayload = encodePayload(rec)
	}

	switch {
	case err == nil:
		unit.Status, unit.RouterObjectID = domain.ProvisionSynced, id
		v.RouterObjectID = &id
		logRow.Status = "success"
	case errors.Is(err, gateway.ErrNoIdentifier):
		zap.L().Warn("router user created without an object id",
			zap.String("namespace", "voucher"),
			zap.Int64("voucher_id", v.ID),
			zap.Int64("router_id", router.ID))
		unit.Status, unit.Error = domain.ProvisionSynced, noteNoObjectID
		v.RouterObjectID = nil
		logRow.Status = "success"
		logRow.ErrorMsg = noteNoObjectID
	default:
		unit.Status, unit.Error, unit.err = domain.ProvisionFailed, err.Error(), err
		v.RouterObjectID = nil
		logRow.Status = "failure"
		logRow.ErrorMsg = err.Error()
		zap.L().Warn("provision voucher failed",
			zap.String("namespace", "voucher"),
			zap.Int64("voucher_id", v.ID),
			zap.Int64("router_id", router.ID),
			zap.Error(err))
	}
	v.ProvisionStatus, v.ProvisionError = unit.Status, unit.Error

	if perr := p.repo.UpdateProvision(ctx, v.ID, unit.Status, v.RouterObjectID, unit.Error); perr != nil {
		zap.L().Error("update voucher provision status", zap.Int64("voucher_id", v.ID), zap.Error(perr))
	}
	if perr := p.logRepo.Create(ctx, logRow); perr != nil {
		zap.L().Error("write provision log", zap.Int64("voucher_id", v.ID), zap.Error(perr))
	}
	return unit
}

func (p *Pool) findUser(ctx context.Context, router *domain.NetRouter, path, name string) (string, gateway.Record, error) {
	recs, err := gateway.List(ctx, p.gw, p.device(router), path+"?name="+name)
	if err != nil {
		return "", nil, err
	}
	for _, rec := range recs {
		if rec.String("name") == name {
			id, err := gateway.ExtractID(rec)
			return id, rec, err
		}
	}
	return "", nil, fmt.Errorf("user %s reported as existing but not listed", name)
}

func isAlreadyExists(err error) bool {
	var ge *gateway.Error
	return errors.As(err, &ge) && ge.Kind == gateway.ProtocolError &&
		strings.Contains(strings.ToLower(ge.Body), "already have")
}

// recordProbe stores the probe outcome on the router, err nil is a success
func (p *Pool) recordProbe(ctx context.Context, router *domain.NetRouter, err error) {
	now := p.now()
	result, msg := domain.ProbeOK, ""
	if err != nil {
		result, msg = domain.ProbeFailed, err.Error()
	}
	router.ApiLastProbeAt, router.ApiLastResult, router.ApiLastMessage = &now, result, msg
	if uerr := p.db.WithContext(ctx).Model(&domain.NetRouter{}).Where("id = ?", router.ID).
		Updates(map[string]interface{}{
			"api_last_probe_at": now,
			"api_last_result":   result,
			"api_last_message":  msg,
		}).Error; uerr != nil {
		zap.L().Error("record router probe", zap.Int64("router_id", router.ID), zap.Error(uerr))
	}
}

func redact(body map[string]string) map[string]string {
	out := make(map[string]string, len(body))
	for k, v := range body {
		if k == "password" {
			v = "***"
		}
		out[k] = v
	}
	return out
}
