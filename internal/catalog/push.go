package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"go.uber.org/zap"
)

// PushPackage writes the catalog values of pkg to its router profile, creating
// the profile when the router has none. A stale cached id is rediscovered by
// name once. The outcome is persisted on the package.
func (s *Synchronizer) PushPackage(ctx context.Context, router *domain.NetRouter, pkg *domain.Package) error {
	path, ok := ProfilePath(pkg.ServiceType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedService, pkg.ServiceType)
	}

	unlock := s.locks.lock(router.ID)
	defer unlock()

	id, note, err := s.push(ctx, router, path, pkg)
	if err != nil {
		pkg.SyncStatus = domain.SyncStatusFailed
		pkg.SyncNote = err.Error()
		zap.L().Error("push package failed",
			zap.String("namespace", "catalog"),
			zap.Int64("router_id", router.ID),
			zap.String("package", pkg.Name),
			zap.Error(err))
	} else {
		now := time.Now()
		pkg.SyncStatus = domain.SyncStatusSynced
		pkg.SyncNote = note
		pkg.RouterObjectID = id
		pkg.LastSyncedAt = &now
		body := profileBody(pkg)
		pkg.RouterRateLimit = body["rate-limit"]
		pkg.RouterSessionTimeout = body["session-timeout"]
		pkg.RouterIdleTimeout = body["idle-timeout"]
	}
	if perr := s.pkgRepo.Update(ctx, pkg); perr != nil {
		return fmt.Errorf("persist package sync state: %w", perr)
	}
	return err
}

func (s *Synchronizer) push(ctx context.Context, router *domain.NetRouter, path string, pkg *domain.Package) (*string, string, error) {
	dev := s.device(router)
	body := profileBody(pkg)

	if pkg.RouterObjectID != nil && *pkg.RouterObjectID != "" {
		err := gateway.Update(ctx, s.gw, dev, path, *pkg.RouterObjectID, body)
		if err == nil {
			return pkg.RouterObjectID, "", nil
		}
		if !gateway.IsNotFound(err) {
			return nil, "", err
		}
		zap.L().Info("cached profile id is stale, rediscovering",
			zap.String("namespace", "catalog"),
			zap.Int64("router_id", router.ID),
			zap.String("package", pkg.Name),
			zap.String("stale_id", *pkg.RouterObjectID))
	}

	// look the profile up by name before creating one
	recs, err := gateway.List(ctx, s.gw, dev, path+"?"+url.Values{"name": {pkg.Name}}.Encode())
	if err != nil {
		return nil, "", err
	}
	for _, rec := range recs {
		if rec.String("name") != pkg.Name {
			continue
		}
		if id, ierr := gateway.ExtractID(rec); ierr == nil {
			if err := gateway.Update(ctx, s.gw, dev, path, id, body); err != nil {
				return nil, "", err
			}
			return &id, "", nil
		}
	}

	id, _, err := gateway.Create(ctx, s.gw, dev, path, body)
	if errors.Is(err, gateway.ErrNoIdentifier) {
		zap.L().Warn("profile created without an id in the reply",
			zap.String("namespace", "catalog"),
			zap.Int64("router_id", router.ID),
			zap.String("package", pkg.Name))
		return nil, "created, router returned no object id", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &id, "", nil
}
