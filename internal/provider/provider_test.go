package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/domain/domaintest"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/gateway/gatewaytest"
	"github.com/talkincode/hotspotbill/internal/servicectl"
	"github.com/talkincode/hotspotbill/internal/voucher"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	fake     *gatewaytest.Fake
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	db := domaintest.NewDB(t)
	cfg := *config.DefaultAppConfig
	fake := gatewaytest.New()
	pool := voucher.NewPool(db, fake, &cfg, nil)
	return &fixture{
		db:   db,
		fake: fake,
		registry: NewRegistry(
			NewMikrotik(catalog.NewSynchronizer(db, fake, &cfg), pool, servicectl.NewFacade(fake, servicectl.NewDBCache(db), &cfg)),
			NewManual(pool),
		),
	}
}

func TestRegistryResolvesByProvider(t *testing.T) {
	f := newFixture(t)

	p, err := f.registry.For(&domain.NetRouter{Provider: "mikrotik"})
	require.NoError(t, err)
	assert.Equal(t, KindMikrotik, p.Kind())

	p, err = f.registry.For(&domain.NetRouter{})
	require.NoError(t, err)
	assert.Equal(t, KindMikrotik, p.Kind())

	p, err = f.registry.For(&domain.NetRouter{Provider: "manual"})
	require.NoError(t, err)
	assert.Equal(t, KindManual, p.Kind())
	assert.True(t, p.SupportsService(domain.ServiceHotspot))
	assert.False(t, p.SupportsService(domain.ServicePPPoE))

	_, err = f.registry.For(&domain.NetRouter{Provider: "ubiquiti"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestManualGenerationNeverTouchesRouter(t *testing.T) {
	f := newFixture(t)
	router := domaintest.Router(t, f.db, func(r *domain.NetRouter) { r.Provider = string(KindManual) })
	domaintest.Package(t, f.db, router.ID, "1day", 50)

	p, err := f.registry.For(router)
	require.NoError(t, err)
	res, err := p.GenerateVouchersForService(context.Background(), voucher.GenerateRequest{
		RouterID: router.ID, PackageName: "1day", Quantity: 3, SyncToRouter: true,
	})
	require.NoError(t, err)
	assert.Len(t, res.Vouchers, 3)
	assert.Empty(t, f.fake.Calls())
	for _, u := range res.Units {
		assert.Equal(t, domain.ProvisionSkipped, u.Status)
	}

	_, err = p.GenerateVouchersForService(context.Background(), voucher.GenerateRequest{
		RouterID: router.ID, PackageName: "1day", ServiceType: domain.ServicePPPoE, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = p.SyncPackagesFromRouter(context.Background(), router, domain.ServiceHotspot)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, p.PushPackage(context.Background(), router, &domain.Package{}), ErrUnsupported)
	_, err = p.ControlService(context.Background(), router, domain.ServiceHotspot, servicectl.ActionStatus, "hs")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMikrotikDelegatesSync(t *testing.T) {
	f := newFixture(t)
	router := domaintest.Router(t, f.db)
	f.fake.OnJSON(gateway.MethodGet, "/ip/hotspot/user/profile", []map[string]string{
		{".id": "*1", "name": "1hour", "rate-limit": "1M/2M", "session-timeout": "1h", "shared-users": "1"},
	})

	p, err := f.registry.For(router)
	require.NoError(t, err)
	res, err := p.SyncPackagesFromRouter(context.Background(), router, domain.ServiceHotspot)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
}
