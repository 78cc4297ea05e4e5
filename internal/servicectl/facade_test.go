package servicectl

import (
	"context"
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
)

type fixture struct {
	fake   *gatewaytest.Fake
	cache  *DBCache
	facade *Facade
	router *domain.NetRouter
	slept  []time.Duration
}

func newFixture(t *testing.T) *fixture {
	db := domaintest.NewDB(t)
	cfg := *config.DefaultAppConfig
	f := &fixture{fake: gatewaytest.New(), cache: NewDBCache(db)}
	f.router = domaintest.Router(t, db)
	f.facade = NewFacade(f.fake, f.cache, &cfg)
	f.facade.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func (f *fixture) hotspots(servers ...map[string]string) {
	f.fake.OnJSON(gateway.MethodGet, "/ip/hotspot", servers)
}

func (f *fixture) acceptPatch(id string) {
	f.fake.OnJSON(gateway.MethodPatch, "/ip/hotspot/"+id, map[string]string{".id": id})
}

func (f *fixture) cached(t *testing.T, name string) string {
	id, _, err := f.cache.Get(context.Background(), f.router.ID, domain.ServiceHotspot, name)
	require.NoError(t, err)
	return id
}

func TestEnableDiscoversOnceThenUsesCache(t *testing.T) {
	f := newFixture(t)
	f.hotspots(map[string]string{".id": "*1", "name": "hs-lobby"}, map[string]string{".id": "*2", "name": "hs-office"})
	f.acceptPatch("*2")

	res, err := f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, ActionEnable, "hs-office")
	require.NoError(t, err)
	assert.Equal(t, "*2", res.ObjectID)
	assert.False(t, res.Disabled)
	assert.False(t, res.Healed)
	assert.Equal(t, "*2", f.cached(t, "hs-office"))

	_, err = f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, ActionDisable, "hs-office")
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.Count(gateway.MethodGet, "/ip/hotspot"))

	calls := f.fake.Calls()
	assert.Equal(t, map[string]string{"disabled": "false"}, calls[1].BodyMap())
	assert.Equal(t, map[string]string{"disabled": "true"}, calls[2].BodyMap())
}

func TestStaleCachedIDSelfHeals(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cache.Put(context.Background(), f.router.ID, domain.ServiceHotspot, "hs-lobby", "*9"))
	f.hotspots(map[string]string{".id": "*3", "name": "hs-lobby"})
	f.acceptPatch("*3")

	res, err := f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, ActionDisable, "hs-lobby")
	require.NoError(t, err)
	assert.True(t, res.Healed)
	assert.Equal(t, "*3", res.ObjectID)
	assert.Equal(t, "*3", f.cached(t, "hs-lobby"))
	assert.Equal(t, 1, f.fake.Count(gateway.MethodPatch, "/ip/hotspot/*9"))
	assert.Equal(t, 1, f.fake.Count(gateway.MethodPatch, "/ip/hotspot/*3"))
}

func TestRestartDisablesWaitsAndEnables(t *testing.T) {
	f := newFixture(t)
	f.hotspots(map[string]string{".id": "*1", "name": "hs-lobby"})
	f.acceptPatch("*1")

	res, err := f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, ActionRestart, "hs-lobby")
	require.NoError(t, err)
	assert.False(t, res.Disabled)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.slept)

	var bodies []string
	for _, c := range f.fake.Calls() {
		if c.Method == gateway.MethodPatch {
			bodies = append(bodies, c.BodyMap()["disabled"])
		}
	}
	assert.Equal(t, []string{"true", "false"}, bodies)
}

func TestRestartHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	f.facade.sleep = sleepCtx
	f.hotspots(map[string]string{".id": "*1", "name": "hs-lobby"})
	f.acceptPatch("*1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.facade.ControlService(ctx, f.router, domain.ServiceHotspot, ActionRestart, "hs-lobby")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.fake.Count(gateway.MethodPatch, "/ip/hotspot/*1"))
}

func TestStatusRefreshesMovedID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cache.Put(context.Background(), f.router.ID, domain.ServiceHotspot, "hs-lobby", "*1"))
	f.hotspots(map[string]string{".id": "*7", "name": "hs-lobby", "disabled": "false"})
	f.fake.OnJSON(gateway.MethodGet, "/ip/hotspot/active?server=hs-lobby", []map[string]string{
		{".id": "*A", "user": "K7M2Q9XR", "address": "10.5.50.2", "mac-address": "AA:BB:CC:DD:EE:01", "uptime": "12m"},
	})

	res, err := f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, ActionStatus, "hs-lobby")
	require.NoError(t, err)
	assert.True(t, res.Healed)
	assert.Equal(t, "*7", res.ObjectID)
	assert.False(t, res.Disabled)
	assert.Equal(t, []Session{{User: "K7M2Q9XR", Address: "10.5.50.2", MAC: "AA:BB:CC:DD:EE:01", Uptime: "12m"}}, res.Sessions)
	assert.Equal(t, "*7", f.cached(t, "hs-lobby"))
}

func TestPPPoEStatus(t *testing.T) {
	f := newFixture(t)
	f.fake.OnJSON(gateway.MethodGet, "/interface/pppoe-server/server", []map[string]string{
		{".id": "*4", "service-name": "isp-pppoe", "disabled": "yes"},
	})
	f.fake.OnJSON(gateway.MethodGet, "/ppp/active?service=pppoe", []map[string]string{
		{"name": "client1", "address": "10.10.0.9", "caller-id": "AA:BB:CC:DD:EE:02", "uptime": "1h"},
	})

	res, err := f.facade.ControlService(context.Background(), f.router, domain.ServicePPPoE, ActionStatus, "isp-pppoe")
	require.NoError(t, err)
	assert.True(t, res.Disabled)
	assert.False(t, res.Healed)
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, "client1", res.Sessions[0].User)
}

func TestControlErrors(t *testing.T) {
	f := newFixture(t)
	f.hotspots(map[string]string{".id": "*1", "name": "hs-lobby"})

	_, err := f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, "reboot", "hs-lobby")
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, ActionEnable, "missing")
	assert.ErrorIs(t, err, ErrServiceNotFound)

	_, err = f.facade.ControlService(context.Background(), f.router, "l2tp", ActionEnable, "x")
	assert.ErrorIs(t, err, ErrUnsupportedService)

	f.fake.Fail(gateway.MethodGet, "/ip/hotspot", gateway.Timeout, 0)
	_, err = f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, ActionStatus, "hs-lobby")
	assert.True(t, gateway.IsKind(err, gateway.Timeout))
}

func TestConcurrentMissesShareDiscovery(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	var lists int32
	f.fake.On(gateway.MethodGet, "/ip/hotspot", func(gatewaytest.Call) (*gateway.Response, error) {
		atomic.AddInt32(&lists, 1)
		<-release
		return gatewaytest.JSON([]map[string]string{{".id": "*1", "name": "hs-lobby"}})
	})
	f.acceptPatch("*1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.facade.ControlService(context.Background(), f.router, domain.ServiceHotspot, ActionEnable, "hs-lobby")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&lists))
	assert.Equal(t, 5, f.fake.Count(gateway.MethodPatch, "/ip/hotspot/*1"))
}

func TestRedisCacheFallsBackToDatabase(t *testing.T) {
	db := domaintest.NewDB(t)
	rc := NewRedisCache(config.RedisConfig{Addr: "127.0.0.1:1"}, NewDBCache(db))
	rc.client.Options().MaxRetries = -1
	defer rc.Close()

	ctx := context.Background()
	require.NoError(t, rc.Put(ctx, 1, domain.ServiceHotspot, "hs", "*5"))
	id, ok, err := rc.Get(ctx, 1, domain.ServiceHotspot, "hs")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "*5", id)

	require.NoError(t, rc.Invalidate(ctx, 1, domain.ServiceHotspot, "hs"))
	_, ok, err = rc.Get(ctx, 1, domain.ServiceHotspot, "hs")
	require.NoError(t, err)
	assert.False(t, ok)
}
