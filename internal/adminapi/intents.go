package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/settlement"
	"github.com/talkincode/hotspotbill/internal/webserver"
)

type checkoutPayload struct {
	CheckoutRequestID string `json:"checkout_request_id" validate:"required,max=100"`
}

func registerIntentRoutes(s *webserver.Server) {
	s.ApiPOST("/intents", createIntent)
	s.ApiGET("/intents", listIntents)
	s.ApiGET("/intents/:id", getIntent)
	s.ApiPUT("/intents/:id/checkout", setIntentCheckout)
	s.ApiGET("/payments/events", listPaymentEvents)
}

func createIntent(c echo.Context) error {
	var req settlement.IntentRequest
	if valid, err := bindAndValidate(c, &req); !valid {
		return err
	}
	intent, err := GetAppContext(c).Settlement().CreateIntent(c.Request().Context(), req)
	switch {
	case errors.Is(err, catalog.ErrPackageNotFound):
		return fail(c, http.StatusNotFound, "PACKAGE_NOT_FOUND", "Package not found on router", nil)
	case errors.Is(err, settlement.ErrPackageNotPriced):
		return fail(c, http.StatusUnprocessableEntity, "PACKAGE_NOT_PRICED", "Package has no price", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create purchase intent", err.Error())
	}
	return created(c, intent)
}

func listIntents(c echo.Context) error {
	page, pageSize := parsePagination(c)
	status := strings.TrimSpace(c.QueryParam("status"))
	list, total, err := GetAppContext(c).Settlement().ListIntents(c.Request().Context(), status, queryInt64(c, "router_id"), page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query purchase intents", err.Error())
	}
	return paged(c, list, total, page, pageSize)
}

func getIntent(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid intent ID", nil)
	}
	intent, err := GetAppContext(c).Settlement().GetIntent(c.Request().Context(), id)
	if errors.Is(err, settlement.ErrIntentNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Purchase intent not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load purchase intent", err.Error())
	}
	return ok(c, intent)
}

func setIntentCheckout(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid intent ID", nil)
	}
	var payload checkoutPayload
	if valid, err := bindAndValidate(c, &payload); !valid {
		return err
	}
	err := GetAppContext(c).Settlement().SetCheckoutRequestID(c.Request().Context(), id, payload.CheckoutRequestID)
	if errors.Is(err, settlement.ErrIntentNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "No pending purchase intent with this ID", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to bind checkout request", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// listPaymentEvents shows the webhook delivery log of a transaction or reference
func listPaymentEvents(c echo.Context) error {
	transID := strings.TrimSpace(c.QueryParam("trans_id"))
	reference := strings.TrimSpace(c.QueryParam("reference"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 500 {
		limit = 100
	}
	events, err := GetAppContext(c).Settlement().ListEvents(c.Request().Context(), transID, reference, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query payment events", err.Error())
	}
	return ok(c, events)
}
