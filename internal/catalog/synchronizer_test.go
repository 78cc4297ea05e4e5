package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/domain/domaintest"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/gateway/gatewaytest"
	"gorm.io/gorm"
)

const hotspotProfiles = "/ip/hotspot/user/profile"

func testConfig() *config.AppConfig {
	cfg := *config.DefaultAppConfig
	return &cfg
}

func routerProfiles(profiles ...map[string]string) []map[string]string {
	base := []map[string]string{
		{".id": "*0", "name": "default", "rate-limit": "", "session-timeout": "none"},
	}
	return append(base, profiles...)
}

func setup(t *testing.T) (*gorm.DB, *gatewaytest.Fake, *Synchronizer, *domain.NetRouter) {
	db := domaintest.NewDB(t)
	fake := gatewaytest.New()
	router := domaintest.Router(t, db)
	return db, fake, NewSynchronizer(db, fake, testConfig()), router
}

func reload(t *testing.T, db *gorm.DB, routerID int64, name string) *domain.Package {
	t.Helper()
	var pkg domain.Package
	require.NoError(t, db.Where("router_id = ? AND name = ?", routerID, name).First(&pkg).Error)
	return &pkg
}

func TestSyncPackagesIdempotent(t *testing.T) {
	db, fake, sync, router := setup(t)
	domaintest.Package(t, db, router.ID, "1hour", 10)
	domaintest.Package(t, db, router.ID, "retired", 50)

	fake.OnJSON(gateway.MethodGet, hotspotProfiles, routerProfiles(
		map[string]string{".id": "*2", "name": "1hour", "rate-limit": "1M/2M", "session-timeout": "1h", "idle-timeout": "none"},
		map[string]string{".id": "*3", "name": "3hours", "rate-limit": "2M/4M", "session-timeout": "3h", "shared-users": "2"},
	))

	ctx := context.Background()
	res, err := sync.SyncPackages(ctx, router, domain.ServiceHotspot)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, res.Drifted)

	added := reload(t, db, router.ID, "3hours")
	assert.Equal(t, domain.SyncStatusNewOnRouter, added.SyncStatus)
	assert.Equal(t, int64(2048), added.UploadKbps)
	assert.Equal(t, int64(4096), added.DownloadKbps)
	assert.Equal(t, 180, added.DurationMinutes)
	assert.Equal(t, 2, added.SharedUsers)
	assert.Equal(t, 0.0, added.Price)
	assert.Equal(t, "3hours", added.DisplayName)

	matched := reload(t, db, router.ID, "1hour")
	assert.Equal(t, domain.SyncStatusSynced, matched.SyncStatus)
	assert.Equal(t, "*2", *matched.RouterObjectID)
	assert.NotNil(t, matched.LastSyncedAt)
	assert.Equal(t, 10.0, matched.Price)

	assert.Equal(t, domain.SyncStatusNotOnRouter, reload(t, db, router.ID, "retired").SyncStatus)

	var stored domain.NetRouter
	require.NoError(t, db.First(&stored, router.ID).Error)
	assert.NotNil(t, stored.LastCatalogSyncAt)

	// nothing changed on the device
	res, err = sync.SyncPackages(ctx, router, domain.ServiceHotspot)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 0, res.Removed)

	var count int64
	require.NoError(t, db.Model(&domain.Package{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestSyncPackagesDetectsDrift(t *testing.T) {
	db, fake, sync, router := setup(t)
	domaintest.Package(t, db, router.ID, "1hour", 10)

	fake.OnJSON(gateway.MethodGet, hotspotProfiles, routerProfiles(
		map[string]string{".id": "*2", "name": "1hour", "rate-limit": "2M/4M", "session-timeout": "1h"},
	))

	res, err := sync.SyncPackages(context.Background(), router, domain.ServiceHotspot)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Drifted)

	pkg := reload(t, db, router.ID, "1hour")
	assert.Equal(t, domain.SyncStatusDrifted, pkg.SyncStatus)
	assert.Contains(t, pkg.SyncNote, "rate-limit")
	// catalog values are authoritative
	assert.Equal(t, int64(1024), pkg.UploadKbps)
	assert.Equal(t, int64(2048), pkg.DownloadKbps)
	assert.Equal(t, "2M/4M", pkg.RouterRateLimit)
}

func TestSyncPackagesComparesSemantically(t *testing.T) {
	db, fake, sync, router := setup(t)
	domaintest.Package(t, db, router.ID, "1hour", 10)

	fake.OnJSON(gateway.MethodGet, hotspotProfiles, routerProfiles(
		map[string]string{".id": "*2", "name": "1hour", "rate-limit": "1024K/2048K", "session-timeout": "01:00:00"},
	))

	res, err := sync.SyncPackages(context.Background(), router, domain.ServiceHotspot)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, domain.SyncStatusSynced, reload(t, db, router.ID, "1hour").SyncStatus)
}

func TestSyncPackagesConnectivityAbortsBeforeWrite(t *testing.T) {
	db, fake, sync, router := setup(t)
	domaintest.Package(t, db, router.ID, "1hour", 10)
	fake.Fail(gateway.MethodGet, hotspotProfiles, gateway.Timeout, 0)

	_, err := sync.SyncPackages(context.Background(), router, domain.ServiceHotspot)
	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, router.ID, ce.RouterID)
	assert.True(t, gateway.IsKind(err, gateway.Timeout))

	pkg := reload(t, db, router.ID, "1hour")
	assert.Equal(t, domain.SyncStatusSynced, pkg.SyncStatus)
	assert.Nil(t, pkg.LastSyncedAt)

	var stored domain.NetRouter
	require.NoError(t, db.First(&stored, router.ID).Error)
	assert.Nil(t, stored.LastCatalogSyncAt)
}

func TestSyncPackagesPPPoEPath(t *testing.T) {
	_, fake, sync, router := setup(t)
	fake.OnJSON(gateway.MethodGet, "/ppp/profile", []map[string]string{
		{".id": "*0", "name": "default"},
		{".id": "*FFFFFFFE", "name": "default-encryption"},
		{".id": "*1", "name": "home-10m", "rate-limit": "10M/10M"},
	})

	res, err := sync.SyncPackages(context.Background(), router, domain.ServicePPPoE)
	require.NoError(t, err)
	require.Len(t, res.Packages, 1)
	assert.Equal(t, "home-10m", res.Packages[0].Name)
	assert.Equal(t, domain.ServicePPPoE, res.Packages[0].ServiceType)

	_, err = sync.SyncPackages(context.Background(), router, "wifi")
	assert.ErrorIs(t, err, ErrUnsupportedService)
}

func TestSyncAllCollectsPerRouterErrors(t *testing.T) {
	db, fake, sync, router := setup(t)
	other := domaintest.Router(t, db, func(r *domain.NetRouter) { r.Name = "branch" })
	fake.OnJSON(gateway.MethodGet, hotspotProfiles, routerProfiles())
	fake.OnJSON(gateway.MethodGet, "/ppp/profile", routerProfiles())

	errs := sync.SyncAll(context.Background(), []*domain.NetRouter{router, other}, 2)
	assert.Empty(t, errs)
	assert.Equal(t, 2, fake.Count(gateway.MethodGet, hotspotProfiles))
}

func TestPushPackageCreatesProfile(t *testing.T) {
	db, fake, sync, router := setup(t)
	pkg := domaintest.Package(t, db, router.ID, "1hour", 10, func(p *domain.Package) {
		p.SyncStatus = domain.SyncStatusNewOnRouter
	})

	fake.OnJSON(gateway.MethodGet, hotspotProfiles+"?name=1hour", []map[string]string{})
	fake.OnJSON(gateway.MethodPut, hotspotProfiles, map[string]string{".id": "*7", "name": "1hour"})

	require.NoError(t, sync.PushPackage(context.Background(), router, pkg))

	calls := fake.Calls()
	body := calls[len(calls)-1].BodyMap()
	assert.Equal(t, "1M/2M", body["rate-limit"])
	assert.Equal(t, "1h", body["session-timeout"])
	assert.Equal(t, "none", body["idle-timeout"])

	stored := reload(t, db, router.ID, "1hour")
	assert.Equal(t, domain.SyncStatusSynced, stored.SyncStatus)
	assert.Equal(t, "*7", *stored.RouterObjectID)
}

func TestPushPackageHealsStaleID(t *testing.T) {
	db, fake, sync, router := setup(t)
	stale := "*9"
	pkg := domaintest.Package(t, db, router.ID, "1hour", 10, func(p *domain.Package) {
		p.RouterObjectID = &stale
	})

	// PATCH on *9 is unrouted and answers 404
	fake.OnJSON(gateway.MethodGet, hotspotProfiles+"?name=1hour", []map[string]string{{".id": "*3", "name": "1hour"}})
	fake.OnJSON(gateway.MethodPatch, hotspotProfiles+"/*3", map[string]string{})

	require.NoError(t, sync.PushPackage(context.Background(), router, pkg))
	assert.Equal(t, 1, fake.Count(gateway.MethodPatch, hotspotProfiles+"/*9"))
	assert.Equal(t, 1, fake.Count(gateway.MethodPatch, hotspotProfiles+"/*3"))
	assert.Equal(t, "*3", *reload(t, db, router.ID, "1hour").RouterObjectID)
}

func TestPushPackageRecordsFailure(t *testing.T) {
	db, fake, sync, router := setup(t)
	pkg := domaintest.Package(t, db, router.ID, "1hour", 10)
	fake.Fail(gateway.MethodGet, hotspotProfiles+"?name=1hour", gateway.ConnectionRefused, 0)

	err := sync.PushPackage(context.Background(), router, pkg)
	assert.True(t, gateway.IsKind(err, gateway.ConnectionRefused))

	stored := reload(t, db, router.ID, "1hour")
	assert.Equal(t, domain.SyncStatusFailed, stored.SyncStatus)
	assert.NotEmpty(t, stored.SyncNote)
}

func TestDeleteRejectsReferencedPackage(t *testing.T) {
	db, _, _, router := setup(t)
	repo := NewGormPackageRepository(db)
	ctx := context.Background()

	used := domaintest.Package(t, db, router.ID, "1hour", 10)
	free := domaintest.Package(t, db, router.ID, "2hours", 20)
	require.NoError(t, db.Create(&domain.Voucher{
		Code: "ABCD2345", PaymentReference: "HBXYZ234", RouterID: router.ID,
		PackageID: used.ID, PackageName: used.Name, Status: domain.VoucherActive,
	}).Error)

	assert.ErrorIs(t, repo.Delete(ctx, used.ID), ErrPackageInUse)
	require.NoError(t, repo.Delete(ctx, free.ID))
	assert.ErrorIs(t, repo.Delete(ctx, free.ID), ErrPackageNotFound)

	_, err := repo.GetByID(ctx, free.ID)
	assert.ErrorIs(t, err, ErrPackageNotFound)
}

func TestDeleteRejectsPackageWithLiveIntent(t *testing.T) {
	db, _, _, router := setup(t)
	repo := NewGormPackageRepository(db)
	ctx := context.Background()

	waiting := domaintest.Package(t, db, router.ID, "1hour-10ksh", 10)
	abandoned := domaintest.Package(t, db, router.ID, "2hours", 20)
	require.NoError(t, db.Create(&domain.PurchaseIntent{
		BillReference: "HBWAIT234", RouterID: router.ID, PackageID: waiting.ID,
		PackageName: waiting.Name, Amount: 10, PaidAmount: 10, Status: domain.IntentPendingVoucher,
	}).Error)
	require.NoError(t, db.Create(&domain.PurchaseIntent{
		BillReference: "HBGONE234", RouterID: router.ID, PackageID: abandoned.ID,
		PackageName: abandoned.Name, Amount: 20, Status: domain.IntentFailed,
	}).Error)

	assert.ErrorIs(t, repo.Delete(ctx, waiting.ID), ErrPackageInUse)
	_, err := repo.GetByID(ctx, waiting.ID)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, abandoned.ID))
}

func TestSyncPackagesUndecodableValueIsStable(t *testing.T) {
	db, fake, sync, router := setup(t)
	fake.OnJSON(gateway.MethodGet, hotspotProfiles, routerProfiles(
		map[string]string{".id": "*4", "name": "odd", "rate-limit": "1M/2M", "session-timeout": "1h", "idle-timeout": "bogus"},
	))
	ctx := context.Background()

	res, err := sync.SyncPackages(ctx, router, domain.ServiceHotspot)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	first := reload(t, db, router.ID, "odd")
	assert.Equal(t, domain.SyncStatusNewOnRouter, first.SyncStatus)
	assert.NotEmpty(t, first.SyncNote)

	for i := 0; i < 2; i++ {
		res, err = sync.SyncPackages(ctx, router, domain.ServiceHotspot)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Added)
		assert.Equal(t, 0, res.Updated)
		assert.Equal(t, 0, res.Drifted)
	}
	again := reload(t, db, router.ID, "odd")
	assert.Equal(t, domain.SyncStatusNewOnRouter, again.SyncStatus)
	assert.Equal(t, first.SyncNote, again.SyncNote)
}

func TestSyncPackagesNewUndecodableValueDrifts(t *testing.T) {
	db, fake, sync, router := setup(t)
	domaintest.Package(t, db, router.ID, "1hour", 10)
	fake.OnJSON(gateway.MethodGet, hotspotProfiles, routerProfiles(
		map[string]string{".id": "*2", "name": "1hour", "rate-limit": "1M/2M", "session-timeout": "1h", "idle-timeout": "bogus"},
	))
	ctx := context.Background()

	res, err := sync.SyncPackages(ctx, router, domain.ServiceHotspot)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Drifted)

	res, err = sync.SyncPackages(ctx, router, domain.ServiceHotspot)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 1, res.Drifted)
	assert.Equal(t, domain.SyncStatusDrifted, reload(t, db, router.ID, "1hour").SyncStatus)
}
