package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/hotspotbill/internal/gateway"
	"github.com/talkincode/hotspotbill/internal/provider"
	"github.com/talkincode/hotspotbill/internal/servicectl"
	"github.com/talkincode/hotspotbill/internal/webserver"
	"go.uber.org/zap"
)

// registerServiceRoutes registers service server control endpoints
func registerServiceRoutes(s *webserver.Server) {
	s.ApiGET("/routers/:id/services", listRouterServices)
	s.ApiPOST("/routers/:id/services/:service_type/:action", controlService)
}

// listRouterServices returns the cached server ids discovered on a router
func listRouterServices(c echo.Context) error {
	router, err := loadRouter(c)
	if router == nil {
		return err
	}
	list, err := GetAppContext(c).ServiceCache().List(c.Request().Context(), router.ID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query services", err.Error())
	}
	return ok(c, list)
}

// controlService restarts, enables, disables or inspects a named server, ?server= picks it
func controlService(c echo.Context) error {
	router, err := loadRouter(c)
	if router == nil {
		return err
	}
	serviceType := c.Param("service_type")
	action := c.Param("action")
	server := strings.TrimSpace(c.QueryParam("server"))
	if server == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "server query parameter is required", nil)
	}

	p, err := GetAppContext(c).Providers().For(router)
	if err != nil {
		return fail(c, http.StatusUnprocessableEntity, "UNKNOWN_PROVIDER", "Router provider is not supported", err.Error())
	}
	res, err := p.ControlService(c.Request().Context(), router, serviceType, action, server)
	if err != nil {
		zap.L().Warn("service control failed",
			zap.String("namespace", "adminapi"),
			zap.Int64("router_id", router.ID),
			zap.String("service_type", serviceType),
			zap.String("action", action),
			zap.Error(err))
	}
	switch {
	case err == nil:
		return ok(c, res)
	case errors.Is(err, servicectl.ErrUnknownAction):
		return fail(c, http.StatusBadRequest, "UNKNOWN_ACTION", "Unknown service action", action)
	case errors.Is(err, servicectl.ErrUnsupportedService):
		return fail(c, http.StatusBadRequest, "UNSUPPORTED_SERVICE", "Unsupported service type", serviceType)
	case errors.Is(err, servicectl.ErrServiceNotFound):
		return fail(c, http.StatusNotFound, "SERVICE_NOT_FOUND", "Server not found on router", server)
	case errors.Is(err, provider.ErrUnsupported):
		return fail(c, http.StatusUnprocessableEntity, "UNSUPPORTED", "Operation not supported for this router", nil)
	case gateway.IsKind(err, gateway.AuthenticationFailed):
		return fail(c, http.StatusBadGateway, "ROUTER_AUTH_FAILED", "Router rejected the credentials", err.Error())
	case gateway.IsConnectivity(err):
		return fail(c, http.StatusBadGateway, "ROUTER_UNREACHABLE", "Router is unreachable", err.Error())
	}
	return fail(c, http.StatusBadGateway, "CONTROL_FAILED", "Service control failed", err.Error())
}
