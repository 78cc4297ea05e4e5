package voucher

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/domain/domaintest"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/gateway/gatewaytest"
	"gorm.io/gorm"
)

const hotspotUsers = "/ip/hotspot/user"

type fixture struct {
	db     *gorm.DB
	fake   *gatewaytest.Fake
	pool   *Pool
	router *domain.NetRouter
	pkg    *domain.Package
}

func newFixture(t *testing.T) *fixture {
	db := domaintest.NewDB(t)
	cfg := *config.DefaultAppConfig
	fake := gatewaytest.New()
	fake.OnJSON(gateway.MethodGet, "/system/identity", map[string]string{"name": "hq"})
	router := domaintest.Router(t, db)
	pkg := domaintest.Package(t, db, router.ID, "1hour", 10)
	return &fixture{db: db, fake: fake, pool: NewPool(db, fake, &cfg, nil), router: router, pkg: pkg}
}

func (f *fixture) acceptUsers(failOn int64) {
	var n int64
	f.fake.On(gateway.MethodPut, hotspotUsers, func(c gatewaytest.Call) (*gateway.Response, error) {
		i := atomic.AddInt64(&n, 1)
		if i == failOn {
			return nil, &gateway.Error{Kind: gateway.ProtocolError, Status: 400, Body: "failure: invalid profile"}
		}
		return gatewaytest.JSON(map[string]string{".id": fmt.Sprintf("*%X", i), "name": c.BodyMap()["name"]})
	})
}

func TestGenerateVouchersPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.acceptUsers(5)

	res, err := f.pool.GenerateVouchers(context.Background(), GenerateRequest{
		RouterID: f.router.ID, PackageName: "1hour", Quantity: 10, SyncToRouter: true, GeneratedBy: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, 9, res.SyncedCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Units, 10)
	assert.NotEmpty(t, res.BatchID)

	var failed []domain.Voucher
	require.NoError(t, f.db.Where("provision_status = ?", domain.ProvisionFailed).Find(&failed).Error)
	require.Len(t, failed, 1)
	assert.Nil(t, failed[0].RouterObjectID)
	assert.Contains(t, failed[0].ProvisionError, "invalid profile")
	assert.Equal(t, domain.VoucherActive, failed[0].Status)

	var synced int64
	require.NoError(t, f.db.Model(&domain.Voucher{}).
		Where("provision_status = ? AND router_object_id IS NOT NULL", domain.ProvisionSynced).
		Count(&synced).Error)
	assert.Equal(t, int64(9), synced)

	var logs int64
	require.NoError(t, f.db.Model(&domain.VoucherProvisionLog{}).Count(&logs).Error)
	assert.Equal(t, int64(10), logs)

	body := f.fake.Calls()[1].BodyMap()
	assert.Equal(t, body["name"], body["password"])
	assert.Equal(t, "1hour", body["profile"])
	assert.Equal(t, "1h", body["limit-uptime"])
}

func TestGenerateVouchersCodes(t *testing.T) {
	f := newFixture(t)
	res, err := f.pool.GenerateVouchers(context.Background(), GenerateRequest{
		RouterID: f.router.ID, PackageName: "1hour", Quantity: 200,
	})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, v := range res.Vouchers {
		assert.Len(t, v.Code, DefaultCodeLength)
		for _, c := range v.Code {
			assert.True(t, strings.ContainsRune(codeAlphabet, c), "unexpected symbol %q", c)
		}
		assert.True(t, strings.HasPrefix(v.PaymentReference, "HB"))
		assert.NotEqual(t, v.Code, v.PaymentReference)
		assert.False(t, seen[v.Code])
		assert.False(t, seen[v.PaymentReference])
		seen[v.Code], seen[v.PaymentReference] = true, true

		assert.Equal(t, domain.VoucherActive, v.Status)
		assert.Equal(t, domain.ProvisionSkipped, v.ProvisionStatus)
		assert.Equal(t, 10.0, v.Price)
		assert.Equal(t, 60, v.DurationMinutes)
		assert.Equal(t, 200, v.BatchSize)
		assert.Nil(t, v.ExpiresAt)
	}
	assert.Zero(t, res.SyncedCount)
	assert.Zero(t, res.FailedCount)
	assert.Empty(t, f.fake.Calls())
}

// collidingSource replays a fixed list of draws
type collidingSource struct {
	mu    sync.Mutex
	codes []string
	refs  []string
}

func (s *collidingSource) Code(int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.codes[0]
	s.codes = s.codes[1:]
	return c, nil
}

func (s *collidingSource) Reference() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.refs[0]
	s.refs = s.refs[1:]
	return r, nil
}

func TestGenerateVouchersAvoidsStoredCodes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&domain.Voucher{
		Code: "TAKEN234", PaymentReference: "HBTAKEN2", RouterID: f.router.ID, PackageName: "1hour", Status: domain.VoucherActive,
	}).Error)
	f.pool.codes = &collidingSource{
		codes: []string{"TAKEN234", "FRESH234"},
		refs:  []string{"HBFRESH1", "HBFRESH2"},
	}

	res, err := f.pool.GenerateVouchers(context.Background(), GenerateRequest{
		RouterID: f.router.ID, PackageName: "1hour", Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "FRESH234", res.Vouchers[0].Code)
	assert.Equal(t, "HBFRESH2", res.Vouchers[0].PaymentReference)
}

func TestGenerateVouchersUnreachableRouter(t *testing.T) {
	f := newFixture(t)
	probed := time.Now().Add(-time.Minute)
	require.NoError(t, f.db.Model(f.router).Updates(map[string]interface{}{
		"api_last_probe_at": probed, "api_last_result": domain.ProbeFailed,
	}).Error)
	f.acceptUsers(0)

	res, err := f.pool.GenerateVouchers(context.Background(), GenerateRequest{
		RouterID: f.router.ID, PackageName: "1hour", Quantity: 3, SyncToRouter: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SyncedCount)
	assert.Equal(t, 3, res.FailedCount)
	for _, u := range res.Units {
		assert.Equal(t, domain.ProvisionSkipped, u.Status)
		assert.Equal(t, noteRouterUnreachable, u.Error)
	}
	assert.Empty(t, f.fake.Calls())

	var stored []domain.Voucher
	require.NoError(t, f.db.Find(&stored).Error)
	for _, v := range stored {
		assert.Equal(t, domain.ProvisionSkipped, v.ProvisionStatus)
		assert.Equal(t, domain.VoucherActive, v.Status)
	}
}

func TestGenerateVouchersProbeFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.Fail(gateway.MethodGet, "/system/identity", gateway.ConnectionRefused, 0)
	f.acceptUsers(0)

	res, err := f.pool.GenerateVouchers(context.Background(), GenerateRequest{
		RouterID: f.router.ID, PackageName: "1hour", Quantity: 2, SyncToRouter: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedCount)
	assert.Zero(t, f.fake.Count(gateway.MethodPut, hotspotUsers))

	var router domain.NetRouter
	require.NoError(t, f.db.First(&router, f.router.ID).Error)
	assert.Equal(t, domain.ProbeFailed, router.ApiLastResult)
	assert.False(t, router.Reachable())
}

func TestGenerateVouchersNoIdentifier(t *testing.T) {
	f := newFixture(t)
	f.fake.OnJSON(gateway.MethodPut, hotspotUsers, map[string]string{})

	res, err := f.pool.GenerateVouchers(context.Background(), GenerateRequest{
		RouterID: f.router.ID, PackageName: "1hour", Quantity: 1, SyncToRouter: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, noteNoObjectID, res.Units[0].Error)
	assert.Nil(t, res.Vouchers[0].RouterObjectID)
}

func TestGenerateVouchersValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, q := range []int{0, -1, MaxBatchSize + 1} {
		_, err := f.pool.GenerateVouchers(ctx, GenerateRequest{RouterID: f.router.ID, PackageName: "1hour", Quantity: q})
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	}
	_, err := f.pool.GenerateVouchers(ctx, GenerateRequest{RouterID: f.router.ID, PackageName: "nope", Quantity: 1})
	assert.ErrorIs(t, err, ErrPackageNotFound)
	_, err = f.pool.GenerateVouchers(ctx, GenerateRequest{RouterID: 42, PackageName: "1hour", Quantity: 1})
	assert.ErrorIs(t, err, ErrRouterNotFound)
}

func TestGenerateVouchersAutoExpire(t *testing.T) {
	f := newFixture(t)
	domaintest.Package(t, f.db, f.router.ID, "weekly", 300, func(p *domain.Package) {
		p.AutoExpire = true
		p.ExpiryDays = 30
		p.DurationMinutes = 10080
	})
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f.pool.now = func() time.Time { return now }

	res, err := f.pool.GenerateVouchers(context.Background(), GenerateRequest{
		RouterID: f.router.ID, PackageName: "weekly", Quantity: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Vouchers[0].ExpiresAt)
	assert.True(t, res.Vouchers[0].ExpiresAt.Equal(now.AddDate(0, 0, 30)))
	assert.True(t, res.Vouchers[0].AutoDelete)
}

func TestExpireSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	oid := "*A1"

	mk := func(code, status string, mutate func(v *domain.Voucher)) *domain.Voucher {
		v := &domain.Voucher{Code: code, PaymentReference: "HB" + code, RouterID: f.router.ID,
			PackageName: "1hour", ServiceType: domain.ServiceHotspot, Status: status}
		mutate(v)
		require.NoError(t, f.db.Create(v).Error)
		return v
	}
	stale := mk("STALE234", domain.VoucherActive, func(v *domain.Voucher) { v.ExpiresAt = &past })
	fresh := mk("FRESH234", domain.VoucherActive, func(v *domain.Voucher) { v.ExpiresAt = &future })
	spent := mk("SPENT234", domain.VoucherPaid, func(v *domain.Voucher) {
		v.PurchaseExpiresAt = &past
		v.AutoDelete = true
		v.RouterObjectID = &oid
	})
	f.fake.OnJSON(gateway.MethodDelete, hotspotUsers+"/*A1", map[string]string{})

	n, err := f.pool.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status := func(id int64) *domain.Voucher {
		v, err := f.pool.repo.GetByID(ctx, id)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, domain.VoucherExpired, status(stale.ID).Status)
	assert.Equal(t, domain.VoucherActive, status(fresh.ID).Status)
	assert.Equal(t, domain.VoucherExpired, status(spent.ID).Status)
	assert.Nil(t, status(spent.ID).RouterObjectID)
	assert.Equal(t, 1, f.fake.Count(gateway.MethodDelete, hotspotUsers+"/*A1"))

	// nothing left to do
	n, err = f.pool.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.pool.GenerateVouchers(ctx, GenerateRequest{RouterID: f.router.ID, PackageName: "1hour", Quantity: 1})
	require.NoError(t, err)

	v, err := f.pool.Cancel(ctx, res.Vouchers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherCancelled, v.Status)

	_, err = f.pool.Cancel(ctx, res.Vouchers[0].ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.pool.Cancel(ctx, 1)
	assert.ErrorIs(t, err, ErrVoucherNotFound)
}

func TestExportBatchCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.pool.GenerateVouchers(ctx, GenerateRequest{RouterID: f.router.ID, PackageName: "1hour", Quantity: 3})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.pool.ExportBatchCSV(ctx, res.BatchID, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "code,payment_reference,package,price,duration,status,expires_at", lines[0])
	assert.Contains(t, buf.String(), res.Vouchers[0].Code)
	assert.Contains(t, lines[1], ",1hour,10,1h,active,")

	assert.ErrorIs(t, f.pool.ExportBatchCSV(ctx, "missing", &buf), ErrBatchNotFound)
}
