package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/domain/domaintest"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/gateway/gatewaytest"
)

func newTestApplication(t *testing.T) (*Application, *gatewaytest.Fake) {
	t.Helper()
	cfg := *config.DefaultAppConfig
	a := NewApplication(&cfg)
	a.OverrideDB(domaintest.NewDB(t))
	fake := gatewaytest.New()
	a.initServices(fake)
	return a, fake
}

func loadScheduler(t *testing.T, a *Application, taskType string) domain.NetScheduler {
	t.Helper()
	var sched domain.NetScheduler
	require.NoError(t, a.DB().Where("task_type = ?", taskType).First(&sched).Error)
	return sched
}

func TestCheckSchedulersSeedsOnce(t *testing.T) {
	a, _ := newTestApplication(t)
	a.checkSchedulers()
	a.checkSchedulers()

	var count int64
	require.NoError(t, a.DB().Model(&domain.NetScheduler{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
	for _, tt := range []string{TaskCatalogSync, TaskApiProbe, TaskProvisionRetry} {
		sched := loadScheduler(t, a, tt)
		assert.Equal(t, "enabled", sched.Status)
		assert.True(t, sched.NextRunAt.After(time.Now()))
	}
}

func TestRunApiProbeRecordsOutcome(t *testing.T) {
	a, fake := newTestApplication(t)
	ok := domaintest.Router(t, a.DB())
	down := domaintest.Router(t, a.DB(), func(r *domain.NetRouter) {
		r.Name = "branch"
		r.Host = "10.0.0.2"
	})

	fake.OnJSON(gateway.MethodGet, "/system/identity", map[string]string{"name": "hq-core"})
	probed, err := a.RunApiProbe(context.Background(), ok.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProbeOK, probed.ApiLastResult)
	assert.Equal(t, "identity=hq-core", probed.ApiLastMessage)

	fake.Fail(gateway.MethodGet, "/system/identity", gateway.HostUnreachable, 0)
	probed, err = a.RunApiProbe(context.Background(), down.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProbeFailed, probed.ApiLastResult)

	var stored domain.NetRouter
	require.NoError(t, a.DB().First(&stored, down.ID).Error)
	assert.Equal(t, domain.ProbeFailed, stored.ApiLastResult)
	require.NotNil(t, stored.ApiLastProbeAt)
	assert.False(t, stored.Reachable())
}

func TestRunApiProbeSkipsManualRouters(t *testing.T) {
	a, fake := newTestApplication(t)
	manual := domaintest.Router(t, a.DB(), func(r *domain.NetRouter) { r.Provider = "manual" })

	probed, err := a.RunApiProbe(context.Background(), manual.ID)
	require.NoError(t, err)
	assert.Equal(t, "unsupported", probed.ApiLastResult)
	assert.Empty(t, fake.Calls())
}

func TestRunSchedulerRecordsResult(t *testing.T) {
	a, fake := newTestApplication(t)
	a.checkSchedulers()
	domaintest.Router(t, a.DB())
	domaintest.Router(t, a.DB(), func(r *domain.NetRouter) {
		r.Name = "kiosk"
		r.Provider = "manual"
	})
	fake.OnJSON(gateway.MethodGet, "/ip/hotspot/user/profile", []map[string]string{})
	fake.OnJSON(gateway.MethodGet, "/ppp/profile", []map[string]string{})

	sched := loadScheduler(t, a, TaskCatalogSync)
	a.runScheduler(context.Background(), &sched)

	sched = loadScheduler(t, a, TaskCatalogSync)
	assert.Equal(t, "success", sched.LastResult)
	assert.Equal(t, "catalog synced on 1 routers, 0 failed", sched.LastMessage)
	assert.False(t, sched.LastRunAt.IsZero())
	assert.Equal(t, 1, fake.Count(gateway.MethodGet, "/ip/hotspot/user/profile"))
}

func TestRunSchedulerUnknownTaskFails(t *testing.T) {
	a, _ := newTestApplication(t)
	sched := domain.NetScheduler{Name: "legacy", TaskType: "latency_check", Interval: 60, Status: "enabled"}
	require.NoError(t, a.DB().Create(&sched).Error)

	a.runScheduler(context.Background(), &sched)

	sched = loadScheduler(t, a, "latency_check")
	assert.Equal(t, "failed", sched.LastResult)
	assert.Contains(t, sched.LastMessage, "unsupported task type")
}

func TestRunSchedulerNowUnknownID(t *testing.T) {
	a, _ := newTestApplication(t)
	assert.Error(t, a.RunSchedulerNow(42))
}

func TestRunSchedulersSkipsNotDue(t *testing.T) {
	a, _ := newTestApplication(t)
	a.checkSchedulers()

	a.runSchedulers(context.Background())

	sched := loadScheduler(t, a, TaskProvisionRetry)
	assert.True(t, sched.LastRunAt.IsZero())
	assert.Empty(t, sched.LastResult)
}
