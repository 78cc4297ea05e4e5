package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/provider"
	"github.com/talkincode/hotspotbill/internal/webserver"
	"go.uber.org/zap"
)

type packagePayload struct {
	RouterID            int64   `json:"router_id,string" validate:"required"`
	ServiceType         string  `json:"service_type" validate:"required,oneof=hotspot pppoe"`
	Name                string  `json:"name" validate:"required,min=1,max=100,excludesall=/"`
	DisplayName         string  `json:"display_name" validate:"omitempty,max=200"`
	Price               float64 `json:"price" validate:"min=0"`
	DurationMinutes     int     `json:"duration_minutes" validate:"min=0"`
	UploadKbps          int64   `json:"upload_kbps" validate:"min=0"`
	DownloadKbps        int64   `json:"download_kbps" validate:"min=0"`
	IdleTimeoutMinutes  int     `json:"idle_timeout_minutes" validate:"min=0"`
	DataCapMB           int64   `json:"data_cap_mb" validate:"min=0"`
	SharedUsers         int     `json:"shared_users" validate:"omitempty,min=1,max=100"`
	AutoExpire          bool    `json:"auto_expire"`
	ExpiryDays          int     `json:"expiry_days" validate:"min=0"`
	PurchaseTimedExpiry bool    `json:"purchase_timed_expiry"`
}

// packageUpdatePayload pointer fields mark what the caller changes
type packageUpdatePayload struct {
	DisplayName         *string  `json:"display_name" validate:"omitempty,max=200"`
	Price               *float64 `json:"price" validate:"omitempty,min=0"`
	DurationMinutes     *int     `json:"duration_minutes" validate:"omitempty,min=0"`
	UploadKbps          *int64   `json:"upload_kbps" validate:"omitempty,min=0"`
	DownloadKbps        *int64   `json:"download_kbps" validate:"omitempty,min=0"`
	IdleTimeoutMinutes  *int     `json:"idle_timeout_minutes" validate:"omitempty,min=0"`
	DataCapMB           *int64   `json:"data_cap_mb" validate:"omitempty,min=0"`
	SharedUsers         *int     `json:"shared_users" validate:"omitempty,min=1,max=100"`
	AutoExpire          *bool    `json:"auto_expire"`
	ExpiryDays          *int     `json:"expiry_days" validate:"omitempty,min=0"`
	PurchaseTimedExpiry *bool    `json:"purchase_timed_expiry"`
}

func registerPackageRoutes(s *webserver.Server) {
	s.ApiGET("/packages", listPackages)
	s.ApiGET("/packages/:id", getPackage)
	s.ApiPOST("/packages", createPackage)
	s.ApiPUT("/packages/:id", updatePackage)
	s.ApiDELETE("/packages/:id", deletePackage)
	s.ApiPOST("/packages/:id/push", pushPackage)
	s.ApiPOST("/routers/:id/packages/sync", syncRouterPackages)
}

func listPackages(c echo.Context) error {
	page, pageSize := parsePagination(c)
	filter := map[string]interface{}{}
	if id := queryInt64(c, "router_id"); id > 0 {
		filter["router_id"] = id
	}
	if st := strings.TrimSpace(c.QueryParam("service_type")); st != "" {
		filter["service_type"] = st
	}
	if st := strings.TrimSpace(c.QueryParam("sync_status")); st != "" {
		filter["sync_status"] = st
	}
	pkgs, total, err := GetAppContext(c).Packages().List(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query packages", err.Error())
	}
	return paged(c, pkgs, total, page, pageSize)
}

func getPackage(c echo.Context) error {
	pkg, err := loadPackage(c)
	if pkg == nil {
		return err
	}
	return ok(c, pkg)
}

func loadPackage(c echo.Context) (*domain.Package, error) {
	id, valid := parseID(c, "id")
	if !valid {
		return nil, fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid package ID", nil)
	}
	pkg, err := GetAppContext(c).Packages().GetByID(c.Request().Context(), id)
	if errors.Is(err, catalog.ErrPackageNotFound) {
		return nil, fail(c, http.StatusNotFound, "NOT_FOUND", "Package not found", nil)
	}
	if err != nil {
		return nil, fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load package", err.Error())
	}
	return pkg, nil
}

func createPackage(c echo.Context) error {
	var payload packagePayload
	if valid, err := bindAndValidate(c, &payload); !valid {
		return err
	}
	ctx := c.Request().Context()
	repo := GetAppContext(c).Packages()

	if err := GetDB(c).First(&domain.NetRouter{}, payload.RouterID).Error; err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ROUTER", "Router not found", nil)
	}
	if _, err := repo.GetByName(ctx, payload.RouterID, payload.ServiceType, payload.Name); err == nil {
		return fail(c, http.StatusConflict, "NAME_EXISTS", "Package name already exists on this router", nil)
	}

	pkg := &domain.Package{
		RouterID:            payload.RouterID,
		ServiceType:         payload.ServiceType,
		Name:                payload.Name,
		DisplayName:         payload.DisplayName,
		Price:               payload.Price,
		DurationMinutes:     payload.DurationMinutes,
		UploadKbps:          payload.UploadKbps,
		DownloadKbps:        payload.DownloadKbps,
		IdleTimeoutMinutes:  payload.IdleTimeoutMinutes,
		DataCapMB:           payload.DataCapMB,
		SharedUsers:         payload.SharedUsers,
		AutoExpire:          payload.AutoExpire,
		ExpiryDays:          payload.ExpiryDays,
		PurchaseTimedExpiry: payload.PurchaseTimedExpiry,
		SyncStatus:          domain.SyncStatusNotOnRouter,
	}
	if pkg.SharedUsers == 0 {
		pkg.SharedUsers = 1
	}
	if err := repo.Create(ctx, pkg); err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create package", err.Error())
	}
	return created(c, pkg)
}

func updatePackage(c echo.Context) error {
	pkg, err := loadPackage(c)
	if pkg == nil {
		return err
	}
	var payload packageUpdatePayload
	if valid, err := bindAndValidate(c, &payload); !valid {
		return err
	}

	changed := false
	setInt := func(dst *int, v *int) {
		if v != nil && *dst != *v {
			*dst, changed = *v, true
		}
	}
	setInt64 := func(dst *int64, v *int64) {
		if v != nil && *dst != *v {
			*dst, changed = *v, true
		}
	}
	if payload.DisplayName != nil {
		pkg.DisplayName = *payload.DisplayName
	}
	if payload.Price != nil {
		pkg.Price = *payload.Price
	}
	if payload.AutoExpire != nil {
		pkg.AutoExpire = *payload.AutoExpire
	}
	if payload.ExpiryDays != nil {
		pkg.ExpiryDays = *payload.ExpiryDays
	}
	if payload.PurchaseTimedExpiry != nil {
		pkg.PurchaseTimedExpiry = *payload.PurchaseTimedExpiry
	}
	// router facing values
	setInt(&pkg.DurationMinutes, payload.DurationMinutes)
	setInt(&pkg.IdleTimeoutMinutes, payload.IdleTimeoutMinutes)
	setInt(&pkg.SharedUsers, payload.SharedUsers)
	setInt64(&pkg.UploadKbps, payload.UploadKbps)
	setInt64(&pkg.DownloadKbps, payload.DownloadKbps)
	setInt64(&pkg.DataCapMB, payload.DataCapMB)
	if changed && pkg.SyncStatus == domain.SyncStatusSynced {
		pkg.SyncStatus = domain.SyncStatusDrifted
		pkg.SyncNote = "catalog changed, push pending"
	}

	if err := GetAppContext(c).Packages().Update(c.Request().Context(), pkg); err != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update package", err.Error())
	}
	return ok(c, pkg)
}

func deletePackage(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid package ID", nil)
	}
	err := GetAppContext(c).Packages().Delete(c.Request().Context(), id)
	switch {
	case errors.Is(err, catalog.ErrPackageNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Package not found", nil)
	case errors.Is(err, catalog.ErrPackageInUse):
		return fail(c, http.StatusConflict, "PACKAGE_IN_USE", "Package is referenced by vouchers or purchase intents", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete package", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func pushPackage(c echo.Context) error {
	pkg, err := loadPackage(c)
	if pkg == nil {
		return err
	}
	appCtx := GetAppContext(c)
	var router domain.NetRouter
	if err := GetDB(c).First(&router, pkg.RouterID).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Router not found", nil)
	}
	p, err := appCtx.Providers().For(&router)
	if err != nil {
		return fail(c, http.StatusUnprocessableEntity, "UNKNOWN_PROVIDER", "Router provider is not supported", err.Error())
	}
	if err := p.PushPackage(c.Request().Context(), &router, pkg); err != nil {
		return providerFailure(c, "PUSH_FAILED", "Failed to push package to router", err)
	}
	return ok(c, pkg)
}

func syncRouterPackages(c echo.Context) error {
	router, err := loadRouter(c)
	if router == nil {
		return err
	}
	serviceType := strings.TrimSpace(c.QueryParam("service_type"))
	if serviceType == "" {
		serviceType = domain.ServiceHotspot
	}
	p, err := GetAppContext(c).Providers().For(router)
	if err != nil {
		return fail(c, http.StatusUnprocessableEntity, "UNKNOWN_PROVIDER", "Router provider is not supported", err.Error())
	}
	res, err := p.SyncPackagesFromRouter(c.Request().Context(), router, serviceType)
	if err != nil {
		return providerFailure(c, "SYNC_FAILED", "Failed to sync packages from router", err)
	}
	zap.L().Info("packages synced from router",
		zap.String("namespace", "adminapi"),
		zap.Int64("router_id", router.ID),
		zap.String("service_type", serviceType),
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("removed", res.Removed))
	return ok(c, res)
}

// providerFailure maps provider and device errors onto http statuses
func providerFailure(c echo.Context, code, msg string, err error) error {
	var connErr *catalog.ConnectivityError
	switch {
	case errors.Is(err, provider.ErrUnsupported):
		return fail(c, http.StatusUnprocessableEntity, "UNSUPPORTED", "Operation not supported for this router", err.Error())
	case errors.Is(err, catalog.ErrUnsupportedService):
		return fail(c, http.StatusBadRequest, "UNSUPPORTED_SERVICE", "Unsupported service type", err.Error())
	case errors.As(err, &connErr):
		return fail(c, http.StatusBadGateway, "ROUTER_UNREACHABLE", "Router is unreachable", err.Error())
	}
	return fail(c, http.StatusBadGateway, code, msg, err.Error())
}
