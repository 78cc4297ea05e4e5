package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/hotspotbill/internal/notify"
	"github.com/talkincode/hotspotbill/internal/webserver"
)

func registerAlertRoutes(s *webserver.Server) {
	s.ApiGET("/alerts", listAlerts)
	s.ApiPOST("/alerts/:id/ack", ackAlert)
}

func listAlerts(c echo.Context) error {
	page, pageSize := parsePagination(c)
	var acknowledged *bool
	if v := strings.TrimSpace(c.QueryParam("acknowledged")); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "acknowledged must be a boolean", nil)
		}
		acknowledged = &b
	}
	kind := strings.TrimSpace(c.QueryParam("kind"))
	list, total, err := GetAppContext(c).Alerts().List(c.Request().Context(), kind, acknowledged, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query alerts", err.Error())
	}
	return paged(c, list, total, page, pageSize)
}

func ackAlert(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid alert ID", nil)
	}
	err := GetAppContext(c).Alerts().Ack(c.Request().Context(), id)
	if errors.Is(err, notify.ErrAlertNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to acknowledge alert", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
