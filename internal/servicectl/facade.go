// Package servicectl enables, disables, restarts and inspects hotspot and PPPoE
// servers on routers. Server object ids are cached and rediscovered when the
// router has reassigned them.
package servicectl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Actions
const (
	ActionRestart = "restart"
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionStatus  = "status"
)

var (
	ErrUnknownAction      = errors.New("unknown service action")
	ErrServiceNotFound    = errors.New("service server not found on router")
	ErrUnsupportedService = errors.New("unsupported service type")
)

type serviceSpec struct {
	serverPath  string
	nameKey     string
	activePath  string
	activeQuery func(server string) url.Values
	userKey     string
	macKey      string
}

var services = map[string]serviceSpec{
	domain.ServiceHotspot: {
		serverPath:  "/ip/hotspot",
		nameKey:     "name",
		activePath:  "/ip/hotspot/active",
		activeQuery: func(server string) url.Values { return url.Values{"server": {server}} },
		userKey:     "user",
		macKey:      "mac-address",
	},
	domain.ServicePPPoE: {
		serverPath:  "/interface/pppoe-server/server",
		nameKey:     "service-name",
		activePath:  "/ppp/active",
		activeQuery: func(string) url.Values { return url.Values{"service": {"pppoe"}} },
		userKey:     "name",
		macKey:      "caller-id",
	},
}

// Session an active client session on a server
type Session struct {
	User    string `json:"user"`
	Address string `json:"address"`
	MAC     string `json:"mac"`
	Uptime  string `json:"uptime"`
}

// Result of a control action
type Result struct {
	RouterID    int64     `json:"router_id,string"`
	ServiceType string    `json:"service_type"`
	Action      string    `json:"action"`
	ServerName  string    `json:"server_name"`
	ObjectID    string    `json:"object_id"`
	Disabled    bool      `json:"disabled"`
	Sessions    []Session `json:"sessions,omitempty"`
	// Healed is set when discovery replaced a stale cached id
	Healed bool `json:"healed"`
}

// Facade controls router services. It is safe for concurrent use, calls
// for one router are not serialized.
type Facade struct {
	gw    gateway.Gateway
	cache IdentifierCache
	cfg   *config.AppConfig
	group singleflight.Group
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFacade(gw gateway.Gateway, cache IdentifierCache, cfg *config.AppConfig) *Facade {
	return &Facade{gw: gw, cache: cache, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Facade) device(router *domain.NetRouter) gateway.DeviceConfig {
	return gateway.FromRouter(router, f.cfg.RouterTimeout(), f.cfg.Router.InsecureTLS)
}

// ControlService runs action against the named server of serviceType.
// A restart disables the server, waits RestartSettleDelay and
// enables it again. A cached id the router answers 404 for is dropped and
// the server is looked up once more.
//
// Parameters:
//   - router: router owning the server, its provider must have a management api
//   - serviceType: domain.ServiceHotspot or domain.ServicePPPoE
//   - action: one of ActionEnable, ActionDisable, ActionRestart, ActionStatus
//   - serverName: name of the hotspot server or PPPoE service
//
// Returns:
//   - *Result: server state after the action, with active sessions for ActionStatus
//   - error: ErrUnsupportedService, ErrUnknownAction, ErrServiceNotFound or a *gateway.Error
func (f *Facade) ControlService(ctx context.Context, router *domain.NetRouter, serviceType, action, serverName string) (*Result, error) {
	spec, ok := services[serviceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedService, serviceType)
	}
	res := &Result{RouterID: router.ID, ServiceType: serviceType, Action: action, ServerName: serverName}

	var err error
	switch action {
	case ActionEnable:
		err = f.setDisabled(ctx, router, spec, res, false)
	case ActionDisable:
		err = f.setDisabled(ctx, router, spec, res, true)
	case ActionRestart:
		if err = f.setDisabled(ctx, router, spec, res, true); err != nil {
			break
		}
		if err = f.sleep(ctx, f.cfg.RestartSettleDelay()); err != nil {
			break
		}
		err = f.setDisabled(ctx, router, spec, res, false)
	case ActionStatus:
		err = f.status(ctx, router, spec, res)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	result := "ok"
	if err != nil {
		result = "failed"
		if k := gateway.KindOf(err); k != 0 {
			result = k.String()
		}
		zap.L().Warn("service control failed",
			zap.String("namespace", "servicectl"),
			zap.Int64("router_id", router.ID),
			zap.String("service_type", serviceType),
			zap.String("action", action),
			zap.String("server", serverName),
			zap.Error(err))
	} else {
		zap.L().Info("service control",
			zap.String("namespace", "servicectl"),
			zap.Int64("router_id", router.ID),
			zap.String("service_type", serviceType),
			zap.String("action", action),
			zap.String("server", serverName),
			zap.String("object_id", res.ObjectID))
	}
	metrics.ServiceActions.WithLabelValues(action, result).Inc()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolve returns the server id, cache first. fromCache tells the caller a
// 404 may mean the id went stale.
func (f *Facade) resolve(ctx context.Context, router *domain.NetRouter, serviceType string, spec serviceSpec, name string) (id string, fromCache bool, err error) {
	if id, ok, err := f.cache.Get(ctx, router.ID, serviceType, name); err != nil {
		zap.L().Warn("identifier cache read failed",
			zap.String("namespace", "servicectl"),
			zap.Int64("router_id", router.ID),
			zap.Error(err))
	} else if ok {
		return id, true, nil
	}
	rec, err := f.discover(ctx, router, serviceType, spec, name)
	if err != nil {
		return "", false, err
	}
	id, err = gateway.ExtractID(rec)
	return id, false, err
}

// discover lists the servers and persists the id of the one named name.
// Concurrent discoveries of the same server share one device call.
func (f *Facade) discover(ctx context.Context, router *domain.NetRouter, serviceType string, spec serviceSpec, name string) (gateway.Record, error) {
	key := fmt.Sprintf("%d/%s/%s", router.ID, serviceType, name)
	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		records, err := gateway.List(ctx, f.gw, f.device(router), spec.serverPath)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.String(spec.nameKey) != name {
				continue
			}
			id, err := gateway.ExtractID(rec)
			if err != nil {
				return nil, err
			}
			if err := f.cache.Put(ctx, router.ID, serviceType, name, id); err != nil {
				zap.L().Warn("identifier cache write failed",
					zap.String("namespace", "servicectl"),
					zap.Int64("router_id", router.ID),
					zap.Error(err))
			}
			return rec, nil
		}
		return nil, fmt.Errorf("%w: %s %q", ErrServiceNotFound, serviceType, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(gateway.Record), nil
}

func (f *Facade) setDisabled(ctx context.Context, router *domain.NetRouter, spec serviceSpec, res *Result, disabled bool) error {
	id, fromCache, err := f.resolve(ctx, router, res.ServiceType, spec, res.ServerName)
	if err != nil {
		return err
	}
	body := map[string]string{"disabled": strconv.FormatBool(disabled)}
	err = gateway.Update(ctx, f.gw, f.device(router), spec.serverPath, id, body)
	if err != nil && fromCache && gateway.IsNotFound(err) {
		// the router reassigned ids, rediscover and retry once
		if ierr := f.cache.Invalidate(ctx, router.ID, res.ServiceType, res.ServerName); ierr != nil {
			zap.L().Warn("identifier cache invalidate failed", zap.String("namespace", "servicectl"), zap.Error(ierr))
		}
		rec, derr := f.discover(ctx, router, res.ServiceType, spec, res.ServerName)
		if derr != nil {
			return derr
		}
		if id, err = gateway.ExtractID(rec); err != nil {
			return err
		}
		res.Healed = true
		err = gateway.Update(ctx, f.gw, f.device(router), spec.serverPath, id, body)
	}
	if err != nil {
		return err
	}
	res.ObjectID = id
	res.Disabled = disabled
	return nil
}

// status always asks the router, then refreshes the cached id when it moved
func (f *Facade) status(ctx context.Context, router *domain.NetRouter, spec serviceSpec, res *Result) error {
	cached, hadCache, err := f.cache.Get(ctx, router.ID, res.ServiceType, res.ServerName)
	if err != nil {
		hadCache = false
	}
	rec, err := f.discover(ctx, router, res.ServiceType, spec, res.ServerName)
	if err != nil {
		return err
	}
	id, err := gateway.ExtractID(rec)
	if err != nil {
		return err
	}
	res.ObjectID = id
	res.Healed = hadCache && cached != id
	res.Disabled = isTrue(rec.String("disabled"))

	path := spec.activePath + "?" + spec.activeQuery(res.ServerName).Encode()
	records, err := gateway.List(ctx, f.gw, f.device(router), path)
	if err != nil {
		return err
	}
	res.Sessions = make([]Session, 0, len(records))
	for _, r := range records {
		res.Sessions = append(res.Sessions, Session{
			User:    r.String(spec.userKey),
			Address: r.String("address"),
			MAC:     r.String(spec.macKey),
			Uptime:  r.String("uptime"),
		})
	}
	return nil
}

// RouterOS renders booleans as true/false over REST and yes/no over the API
func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes":
		return true
	}
	return false
}
