package adminapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/voucher"
	"github.com/talkincode/hotspotbill/internal/webserver"
)

func registerVoucherRoutes(s *webserver.Server) {
	s.ApiPOST("/vouchers/generate", generateVouchers)
	s.ApiGET("/vouchers", listVouchers)
	s.ApiGET("/vouchers/:id", getVoucher)
	s.ApiPOST("/vouchers/:id/cancel", cancelVoucher)
	s.ApiGET("/vouchers/batches/:batch_id/export", exportVoucherBatch)
}

func generateVouchers(c echo.Context) error {
	var req voucher.GenerateRequest
	if valid, err := bindAndValidate(c, &req); !valid {
		return err
	}
	var router domain.NetRouter
	if err := GetDB(c).First(&router, req.RouterID).Error; err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ROUTER", "Router not found", nil)
	}
	p, err := GetAppContext(c).Providers().For(&router)
	if err != nil {
		return fail(c, http.StatusUnprocessableEntity, "UNKNOWN_PROVIDER", "Router provider is not supported", err.Error())
	}
	if req.ServiceType != "" && !p.SupportsService(req.ServiceType) {
		return fail(c, http.StatusUnprocessableEntity, "UNSUPPORTED_SERVICE", "Service type is not supported by this router", nil)
	}
	if req.GeneratedBy == "" {
		req.GeneratedBy = "admin"
	}

	res, err := p.GenerateVouchersForService(c.Request().Context(), req)
	switch {
	case errors.Is(err, voucher.ErrInvalidQuantity):
		return fail(c, http.StatusBadRequest, "INVALID_QUANTITY", err.Error(), nil)
	case errors.Is(err, catalog.ErrPackageNotFound):
		return fail(c, http.StatusNotFound, "PACKAGE_NOT_FOUND", "Package not found on router", nil)
	case errors.Is(err, voucher.ErrRouterNotFound):
		return fail(c, http.StatusBadRequest, "INVALID_ROUTER", "Router not found", nil)
	case err != nil:
		return providerFailure(c, "GENERATE_FAILED", "Failed to generate vouchers", err)
	}
	return created(c, res)
}

func listVouchers(c echo.Context) error {
	page, pageSize := parsePagination(c)
	filter := map[string]interface{}{}
	if id := queryInt64(c, "router_id"); id > 0 {
		filter["router_id"] = id
	}
	for _, key := range []string{"status", "package_name", "batch_id", "provision_status"} {
		if v := strings.TrimSpace(c.QueryParam(key)); v != "" {
			filter[key] = v
		}
	}
	list, total, err := GetAppContext(c).Vouchers().Repository().List(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query vouchers", err.Error())
	}
	return paged(c, list, total, page, pageSize)
}

func getVoucher(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid voucher ID", nil)
	}
	v, err := GetAppContext(c).Vouchers().Repository().GetByID(c.Request().Context(), id)
	if errors.Is(err, voucher.ErrVoucherNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Voucher not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load voucher", err.Error())
	}
	return ok(c, v)
}

func cancelVoucher(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid voucher ID", nil)
	}
	v, err := GetAppContext(c).Vouchers().Cancel(c.Request().Context(), id)
	switch {
	case errors.Is(err, voucher.ErrVoucherNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Voucher not found", nil)
	case errors.Is(err, voucher.ErrInvalidTransition):
		return fail(c, http.StatusConflict, "INVALID_STATUS", "Voucher can no longer be cancelled", err.Error())
	case err != nil:
		return fail(c, http.StatusInternalServerError, "CANCEL_FAILED", "Failed to cancel voucher", err.Error())
	}
	return ok(c, v)
}

func exportVoucherBatch(c echo.Context) error {
	batchID := strings.TrimSpace(c.Param("batch_id"))
	if batchID == "" {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid batch ID", nil)
	}
	var buf bytes.Buffer
	err := GetAppContext(c).Vouchers().ExportBatchCSV(c.Request().Context(), batchID, &buf)
	if errors.Is(err, voucher.ErrBatchNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Voucher batch not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export vouchers", err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=vouchers-%s.csv", batchID))
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}
