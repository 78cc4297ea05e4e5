package voucher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/gateway/gatewaytest"
)

type captureAlerter struct {
	mu     sync.Mutex
	alerts []*domain.OperatorAlert
}

func (c *captureAlerter) Raise(_ context.Context, a *domain.OperatorAlert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func failedVoucher(t *testing.T, f *fixture, code string, retries int) *domain.Voucher {
	v := &domain.Voucher{
		Code: code, PaymentReference: "HB" + code, RouterID: f.router.ID, PackageName: "1hour",
		ServiceType: domain.ServiceHotspot, Status: domain.VoucherActive,
		ProvisionStatus: domain.ProvisionFailed, RetryCount: retries,
	}
	require.NoError(t, f.db.Create(v).Error)
	return v
}

func TestRetrierHealsFailedVouchers(t *testing.T) {
	f := newFixture(t)
	v := failedVoucher(t, f, "RETRY234", 0)
	f.acceptUsers(0)

	stats, err := NewProvisionRetrier(f.pool, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Synced)

	stored, err := f.pool.repo.GetByID(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProvisionSynced, stored.ProvisionStatus)
	assert.NotNil(t, stored.RouterObjectID)
}

func TestRetrierAdoptsExistingUser(t *testing.T) {
	f := newFixture(t)
	v := failedVoucher(t, f, "LOST2345", 1)
	f.fake.On(gateway.MethodPut, hotspotUsers, func(_ gatewaytest.Call) (*gateway.Response, error) {
		return nil, &gateway.Error{Kind: gateway.ProtocolError, Status: 400, Body: "failure: already have user with this name"}
	})
	f.fake.OnJSON(gateway.MethodGet, hotspotUsers+"?name=LOST2345", []map[string]string{{".id": "*55", "name": "LOST2345"}})

	stats, err := NewProvisionRetrier(f.pool, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Synced)

	stored, err := f.pool.repo.GetByID(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, "*55", *stored.RouterObjectID)
}

func TestRetrierGivesUpAndAlerts(t *testing.T) {
	f := newFixture(t)
	v := failedVoucher(t, f, "BROKE234", 2)
	f.fake.Fail(gateway.MethodPut, hotspotUsers, gateway.ProtocolError, 400)
	alerts := &captureAlerter{}
	retrier := NewProvisionRetrier(f.pool, alerts)
	ctx := context.Background()

	stats, err := retrier.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, domain.AlertProvisionFailed, alerts.alerts[0].Kind)
	assert.Equal(t, v.Code, alerts.alerts[0].Reference)

	// retry budget used up
	stats, err = retrier.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Attempted)
}

func TestRetrierDefersUnreachableRouter(t *testing.T) {
	f := newFixture(t)
	failedVoucher(t, f, "WAIT2345", 0)
	failedVoucher(t, f, "WAIT3456", 0)
	f.fake.Fail(gateway.MethodPut, hotspotUsers, gateway.HostUnreachable, 0)

	stats, err := NewProvisionRetrier(f.pool, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Deferred)
}
