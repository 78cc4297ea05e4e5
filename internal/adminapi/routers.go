package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/webserver"
	"go.uber.org/zap"
)

type routerPayload struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Host        string `json:"host" validate:"required,hostname|ip"`
	Port        int    `json:"port" validate:"omitempty,min=1,max=65535"`
	UseTLS      bool   `json:"use_tls"`
	Username    string `json:"username" validate:"required_unless=Provider manual"`
	Password    string `json:"password"`
	Transport   string `json:"transport" validate:"omitempty,oneof=rest api"`
	Provider    string `json:"provider" validate:"omitempty,oneof=mikrotik manual"`
	AccountTier string `json:"account_tier" validate:"omitempty,oneof=isp reseller"`
	Remark      string `json:"remark" validate:"omitempty,max=500"`
}

func registerRouterRoutes(s *webserver.Server) {
	s.ApiGET("/routers", listRouters)
	s.ApiGET("/routers/:id", getRouter)
	s.ApiPOST("/routers", createRouter)
	s.ApiPOST("/routers/:id/probe", probeRouter)
}

func listRouters(c echo.Context) error {
	page, pageSize := parsePagination(c)
	db := GetDB(c).Model(&domain.NetRouter{})

	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		if strings.EqualFold(db.Name(), "postgres") {
			db = db.Where("name ILIKE ? OR host ILIKE ?", "%"+q+"%", "%"+q+"%")
		} else {
			db = db.Where("LOWER(name) LIKE ? OR LOWER(host) LIKE ?", "%"+strings.ToLower(q)+"%", "%"+strings.ToLower(q)+"%")
		}
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query routers", err.Error())
	}
	var routers []domain.NetRouter
	if err := db.Order("name ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&routers).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query routers", err.Error())
	}
	return paged(c, routers, total, page, pageSize)
}

func getRouter(c echo.Context) error {
	router, err := loadRouter(c)
	if router == nil {
		return err
	}
	return ok(c, router)
}

func createRouter(c echo.Context) error {
	var payload routerPayload
	if valid, err := bindAndValidate(c, &payload); !valid {
		return err
	}

	var count int64
	GetDB(c).Model(&domain.NetRouter{}).Where("name = ?", payload.Name).Count(&count)
	if count > 0 {
		return fail(c, http.StatusConflict, "NAME_EXISTS", "Router name already exists", nil)
	}

	router := domain.NetRouter{
		Name:        payload.Name,
		Host:        payload.Host,
		Port:        payload.Port,
		UseTLS:      payload.UseTLS,
		Username:    payload.Username,
		Password:    payload.Password,
		Transport:   payload.Transport,
		Provider:    payload.Provider,
		AccountTier: payload.AccountTier,
		Status:      "enabled",
		Remark:      payload.Remark,
	}
	if router.Transport == "" {
		router.Transport = domain.TransportREST
	}
	if router.Provider == "" {
		router.Provider = "mikrotik"
	}
	if router.AccountTier == "" {
		router.AccountTier = domain.AccountTierReseller
	}
	if err := GetDB(c).Create(&router).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create router", err.Error())
	}
	zap.L().Info("router created",
		zap.String("namespace", "adminapi"),
		zap.Int64("router_id", router.ID),
		zap.String("host", router.Host))
	return created(c, router)
}

// probeRouter checks management api reachability now, the stored result gates generation
func probeRouter(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid router ID", nil)
	}
	router, err := GetAppContext(c).RunApiProbe(c.Request().Context(), id)
	if err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Router not found", err.Error())
	}
	return ok(c, router)
}
