package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrUnsupportedService = errors.New("unsupported service type")

// ConnectivityError the router could not be read, nothing was written
type ConnectivityError struct {
	RouterID int64
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("router %d unreachable: %v", e.RouterID, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// SyncResult counts of one sync run
type SyncResult struct {
	RouterID    int64             `json:"router_id,string"`
	ServiceType string            `json:"service_type"`
	Added       int               `json:"added"`
	Updated     int               `json:"updated"`
	Removed     int               `json:"removed"`
	Synced      int               `json:"synced"`
	Drifted     int               `json:"drifted"`
	Packages    []*domain.Package `json:"packages"`
}

// Synchronizer reconciles router profiles with the package catalog
type Synchronizer struct {
	db      *gorm.DB
	gw      gateway.Gateway
	cfg     *config.AppConfig
	pkgRepo PackageRepository
	locks   keyedMutex
}

func NewSynchronizer(db *gorm.DB, gw gateway.Gateway, cfg *config.AppConfig) *Synchronizer {
	return &Synchronizer{
		db:      db,
		gw:      gw,
		cfg:     cfg,
		pkgRepo: NewGormPackageRepository(db),
	}
}

func (s *Synchronizer) device(router *domain.NetRouter) gateway.DeviceConfig {
	return gateway.FromRouter(router, s.cfg.RouterTimeout(), s.cfg.Router.InsecureTLS)
}

// SyncPackages pulls the router profiles of serviceType and reconciles the
// catalog with them in one transaction. Catalog values are never overwritten.
func (s *Synchronizer) SyncPackages(ctx context.Context, router *domain.NetRouter, serviceType string) (*SyncResult, error) {
	path, ok := ProfilePath(serviceType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedService, serviceType)
	}

	unlock := s.locks.lock(router.ID)
	defer unlock()

	recs, err := gateway.List(ctx, s.gw, s.device(router), path)
	if err != nil {
		metrics.CatalogSyncs.WithLabelValues("unreachable").Inc()
		zap.L().Warn("catalog sync: list profiles failed",
			zap.String("namespace", "catalog"),
			zap.Int64("router_id", router.ID),
			zap.String("service_type", serviceType),
			zap.Error(err))
		return nil, &ConnectivityError{RouterID: router.ID, Err: err}
	}
	profiles, err := decodeProfiles(recs)
	if err != nil {
		metrics.CatalogSyncs.WithLabelValues("error").Inc()
		return nil, &ConnectivityError{RouterID: router.ID, Err: &gateway.Error{Kind: gateway.ProtocolError, Op: "GET " + path, Err: err}}
	}

	result := &SyncResult{RouterID: router.ID, ServiceType: serviceType}
	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []*domain.Package
		if err := tx.Where("router_id = ? AND service_type = ?", router.ID, serviceType).
			Order("name ASC").Find(&existing).Error; err != nil {
			return err
		}
		byName := make(map[string]*domain.Package, len(existing))
		for _, p := range existing {
			byName[p.Name] = p
		}

		seen := make(map[string]bool, len(profiles))
		for _, prof := range profiles {
			seen[prof.Name] = true
			pkg, ok := byName[prof.Name]
			if !ok {
				pkg = newPackageFromProfile(router.ID, serviceType, prof)
				pkg.LastSyncedAt = &now
				if err := tx.Create(pkg).Error; err != nil {
					return err
				}
				result.Added++
				result.Packages = append(result.Packages, pkg)
				continue
			}

			if reconcile(pkg, prof) {
				result.Updated++
			}
			pkg.LastSyncedAt = &now
			if err := tx.Save(pkg).Error; err != nil {
				return err
			}
			switch pkg.SyncStatus {
			case domain.SyncStatusSynced:
				result.Synced++
			case domain.SyncStatusDrifted:
				result.Drifted++
			}
			result.Packages = append(result.Packages, pkg)
		}

		for _, pkg := range existing {
			if seen[pkg.Name] {
				continue
			}
			if pkg.SyncStatus != domain.SyncStatusNotOnRouter {
				pkg.SyncStatus = domain.SyncStatusNotOnRouter
				pkg.SyncNote = "profile missing on router"
				pkg.RouterObjectID = nil
				result.Removed++
			}
			pkg.LastSyncedAt = &now
			if err := tx.Save(pkg).Error; err != nil {
				return err
			}
			result.Packages = append(result.Packages, pkg)
		}

		return tx.Model(&domain.NetRouter{}).Where("id = ?", router.ID).
			Update("last_catalog_sync_at", now).Error
	})
	if err != nil {
		metrics.CatalogSyncs.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist catalog sync: %w", err)
	}
	router.LastCatalogSyncAt = &now

	metrics.CatalogSyncs.WithLabelValues("ok").Inc()
	zap.L().Info("catalog sync finished",
		zap.String("namespace", "catalog"),
		zap.Int64("router_id", router.ID),
		zap.String("service_type", serviceType),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed),
		zap.Int("drifted", result.Drifted))
	return result, nil
}

// reconcile applies the observed profile to pkg and reports whether any
// persisted sync field changed.
func reconcile(pkg *domain.Package, prof routerProfile) bool {
	before := []string{pkg.SyncStatus, pkg.SyncNote, strVal(pkg.RouterObjectID),
		pkg.RouterRateLimit, pkg.RouterSessionTimeout, pkg.RouterIdleTimeout}

	diffs, unresolved := compare(pkg, prof)
	switch {
	case len(diffs) > 0:
		pkg.SyncStatus = domain.SyncStatusDrifted
		pkg.SyncNote = strings.Join(diffs, "; ")
	case unresolved:
		// same undecodable value as last run, the earlier verdict stands
	case pkg.SyncStatus == domain.SyncStatusNewOnRouter:
		// stays new until an operator prices it
	default:
		pkg.SyncStatus = domain.SyncStatusSynced
		pkg.SyncNote = ""
	}
	observe(pkg, prof)

	after := []string{pkg.SyncStatus, pkg.SyncNote, strVal(pkg.RouterObjectID),
		pkg.RouterRateLimit, pkg.RouterSessionTimeout, pkg.RouterIdleTimeout}
	for i := range before {
		if before[i] != after[i] {
			return true
		}
	}
	return false
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// SyncAll syncs every enabled router with a management API, at most
// maxWorkers at a time. Per router failures are logged and returned in the map.
func (s *Synchronizer) SyncAll(ctx context.Context, routers []*domain.NetRouter, maxWorkers int) map[int64]error {
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	errs := make(map[int64]error, len(routers))
	results := make([]error, len(routers))

	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, router := range routers {
		i, router := i, router
		g.Go(func() error {
			for _, st := range []string{domain.ServiceHotspot, domain.ServicePPPoE} {
				if _, err := s.SyncPackages(ctx, router, st); err != nil {
					results[i] = err
					var ce *ConnectivityError
					if errors.As(err, &ce) {
						// same device, the next service type would fail too
						return nil
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, router := range routers {
		if results[i] != nil {
			errs[router.ID] = results[i]
		}
	}
	return errs
}
