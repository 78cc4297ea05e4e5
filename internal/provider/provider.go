// Package provider maps a router's provider kind onto the operations it supports.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/servicectl"
	"github.com/talkincode/hotspotbill/internal/voucher"
)

// Kind of router provider
type Kind string

const (
	KindMikrotik Kind = "mikrotik"
	KindManual   Kind = "manual"
)

var (
	ErrUnsupported     = errors.New("operation not supported by provider")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Provider is the per-kind surface the admin api and jobs work through
type Provider interface {
	Kind() Kind
	SupportsService(serviceType string) bool
	SyncPackagesFromRouter(ctx context.Context, router *domain.NetRouter, serviceType string) (*catalog.SyncResult, error)
	GenerateVouchersForService(ctx context.Context, req voucher.GenerateRequest) (*voucher.GenerateResult, error)
	PushPackage(ctx context.Context, router *domain.NetRouter, pkg *domain.Package) error
	ControlService(ctx context.Context, router *domain.NetRouter, serviceType, action, serverName string) (*servicectl.Result, error)
}

// Registry resolves providers by kind, built once at startup
type Registry struct {
	providers map[Kind]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Kind]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Kind()] = p
	}
	return r
}

// For returns the provider of router, an empty kind means mikrotik
func (r *Registry) For(router *domain.NetRouter) (Provider, error) {
	kind := Kind(router.Provider)
	if kind == "" {
		kind = KindMikrotik
	}
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, router.Provider)
	}
	return p, nil
}

// Mikrotik manages RouterOS devices over the gateway
type Mikrotik struct {
	sync     *catalog.Synchronizer
	pool     *voucher.Pool
	services *servicectl.Facade
}

func NewMikrotik(sync *catalog.Synchronizer, pool *voucher.Pool, services *servicectl.Facade) *Mikrotik {
	return &Mikrotik{sync: sync, pool: pool, services: services}
}

func (m *Mikrotik) Kind() Kind { return KindMikrotik }

func (m *Mikrotik) SupportsService(serviceType string) bool {
	return domain.ValidServiceType(serviceType)
}

func (m *Mikrotik) SyncPackagesFromRouter(ctx context.Context, router *domain.NetRouter, serviceType string) (*catalog.SyncResult, error) {
	return m.sync.SyncPackages(ctx, router, serviceType)
}

func (m *Mikrotik) GenerateVouchersForService(ctx context.Context, req voucher.GenerateRequest) (*voucher.GenerateResult, error) {
	if req.ServiceType != "" && !m.SupportsService(req.ServiceType) {
		return nil, fmt.Errorf("%w: service %s", ErrUnsupported, req.ServiceType)
	}
	return m.pool.GenerateVouchers(ctx, req)
}

func (m *Mikrotik) PushPackage(ctx context.Context, router *domain.NetRouter, pkg *domain.Package) error {
	return m.sync.PushPackage(ctx, router, pkg)
}

func (m *Mikrotik) ControlService(ctx context.Context, router *domain.NetRouter, serviceType, action, serverName string) (*servicectl.Result, error) {
	return m.services.ControlService(ctx, router, serviceType, action, serverName)
}

// Manual routers have no management api. Vouchers are printed and entered
// on the router by hand, so only hotspot generation is offered.
type Manual struct {
	pool *voucher.Pool
}

func NewManual(pool *voucher.Pool) *Manual {
	return &Manual{pool: pool}
}

func (m *Manual) Kind() Kind { return KindManual }

func (m *Manual) SupportsService(serviceType string) bool {
	return serviceType == domain.ServiceHotspot
}

func (m *Manual) SyncPackagesFromRouter(context.Context, *domain.NetRouter, string) (*catalog.SyncResult, error) {
	return nil, fmt.Errorf("%w: manual routers have no catalog to sync", ErrUnsupported)
}

func (m *Manual) GenerateVouchersForService(ctx context.Context, req voucher.GenerateRequest) (*voucher.GenerateResult, error) {
	if req.ServiceType == "" {
		req.ServiceType = domain.ServiceHotspot
	}
	if !m.SupportsService(req.ServiceType) {
		return nil, fmt.Errorf("%w: service %s", ErrUnsupported, req.ServiceType)
	}
	req.SyncToRouter = false
	return m.pool.GenerateVouchers(ctx, req)
}

func (m *Manual) PushPackage(context.Context, *domain.NetRouter, *domain.Package) error {
	return fmt.Errorf("%w: manual routers cannot be provisioned", ErrUnsupported)
}

func (m *Manual) ControlService(context.Context, *domain.NetRouter, string, string, string) (*servicectl.Result, error) {
	return nil, fmt.Errorf("%w: manual routers cannot be controlled", ErrUnsupported)
}
