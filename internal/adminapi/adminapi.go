package adminapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/catalog"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/mpesa"
	"github.com/talkincode/hotspotbill/internal/notify"
	"github.com/talkincode/hotspotbill/internal/provider"
	"github.com/talkincode/hotspotbill/internal/servicectl"
	"github.com/talkincode/hotspotbill/internal/settlement"
	"github.com/talkincode/hotspotbill/internal/voucher"
	"github.com/talkincode/hotspotbill/internal/webserver"
	"gorm.io/gorm"
)

// AppContext is what the handlers need from the running application
type AppContext interface {
	DB() *gorm.DB
	Config() *config.AppConfig
	Providers() *provider.Registry
	Packages() catalog.PackageRepository
	Vouchers() *voucher.Pool
	Settlement() *settlement.Engine
	Alerts() *notify.AlertStore
	ServiceCache() *servicectl.DBCache
	Decoder() *mpesa.Decoder

	// RunApiProbe probes a router's management api and stores the outcome
	RunApiProbe(ctx context.Context, routerID int64) (*domain.NetRouter, error)
	// RunSchedulerNow triggers a scheduler execution immediately by ID
	RunSchedulerNow(id int64) error
}

// Register wires every admin and webhook route onto s
func Register(s *webserver.Server) {
	registerRouterRoutes(s)
	registerPackageRoutes(s)
	registerVoucherRoutes(s)
	registerIntentRoutes(s)
	registerServiceRoutes(s)
	registerAlertRoutes(s)
	registerSchedulerRoutes(s)
	registerMpesaRoutes(s)
}

func GetAppContext(c echo.Context) AppContext {
	return c.Get(webserver.AppContextKey).(AppContext)
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB().WithContext(c.Request().Context())
}

// Response the api envelope
type Response struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// PageData a page of list results
type PageData struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Code: "OK", Msg: "success", Data: data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, Response{Code: "OK", Msg: "created", Data: data})
}

func paged(c echo.Context, items interface{}, total int64, page, pageSize int) error {
	return ok(c, PageData{Items: items, Total: total, Page: page, PageSize: pageSize})
}

func fail(c echo.Context, status int, code, msg string, details interface{}) error {
	return c.JSON(status, Response{Code: code, Msg: msg, Data: details})
}

// parsePagination accepts page plus pageSize or perPage
func parsePagination(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(c.QueryParam("pageSize"))
	if size == 0 {
		size, _ = strconv.Atoi(c.QueryParam("perPage"))
	}
	if size < 1 || size > 500 {
		size = 20
	}
	return page, size
}

func parseID(c echo.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

func queryInt64(c echo.Context, name string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(c.QueryParam(name)), 10, 64)
	return v
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request parameters", err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields[fe.Field()] = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		} else {
			fields[fe.Field()] = fe.Tag()
		}
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", fields)
}

// bindAndValidate decodes the body into payload and runs its validate tags.
// When it reports false the error response has been written.
func bindAndValidate(c echo.Context, payload interface{}) (bool, error) {
	if err := c.Bind(payload); err != nil {
		return false, fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(payload); err != nil {
		return false, handleValidationError(c, err)
	}
	return true, nil
}

// loadRouter writes the failure response itself and returns nil when the router is missing
func loadRouter(c echo.Context) (*domain.NetRouter, error) {
	id, valid := parseID(c, "id")
	if !valid {
		return nil, fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid router ID", nil)
	}
	var router domain.NetRouter
	err := GetDB(c).First(&router, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fail(c, http.StatusNotFound, "NOT_FOUND", "Router not found", nil)
	}
	if err != nil {
		return nil, fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load router", err.Error())
	}
	return &router, nil
}
