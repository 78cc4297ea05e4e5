package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/webserver"
	"gorm.io/gorm"
)

// schedulerUpdatePayload partial update of a periodic router task
type schedulerUpdatePayload struct {
	Interval int    `json:"interval" validate:"omitempty,min=10"`
	Status   string `json:"status" validate:"omitempty,oneof=enabled disabled"`
	Remark   string `json:"remark" validate:"omitempty,max=500"`
}

// registerSchedulerRoutes registers scheduler API routes
func registerSchedulerRoutes(s *webserver.Server) {
	s.ApiGET("/schedulers", listSchedulers)
	s.ApiGET("/schedulers/:id", getScheduler)
	s.ApiPUT("/schedulers/:id", updateScheduler)
	s.ApiPOST("/schedulers/:id/run", triggerScheduler)
}

// triggerScheduler triggers the scheduler immediately
func triggerScheduler(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}
	if err := GetAppContext(c).RunSchedulerNow(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "Scheduler not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "RUN_FAILED", "Failed to run scheduler", err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func listSchedulers(c echo.Context) error {
	page, pageSize := parsePagination(c)
	query := GetDB(c).Model(&domain.NetScheduler{})

	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	if taskType := strings.TrimSpace(c.QueryParam("task_type")); taskType != "" {
		query = query.Where("task_type = ?", taskType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query schedulers", err.Error())
	}
	var schedulers []domain.NetScheduler
	if err := query.Order("name ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&schedulers).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query schedulers", err.Error())
	}
	return paged(c, schedulers, total, page, pageSize)
}

func getScheduler(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}
	var scheduler domain.NetScheduler
	if err := GetDB(c).First(&scheduler, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Scheduler not found", nil)
	}
	return ok(c, scheduler)
}

func updateScheduler(c echo.Context) error {
	id, valid := parseID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}
	var scheduler domain.NetScheduler
	if err := GetDB(c).First(&scheduler, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Scheduler not found", nil)
	}
	var payload schedulerUpdatePayload
	if valid, err := bindAndValidate(c, &payload); !valid {
		return err
	}

	updates := make(map[string]interface{})
	if payload.Interval > 0 {
		updates["interval"] = payload.Interval
		updates["next_run_at"] = time.Now().Add(time.Duration(payload.Interval) * time.Second)
	}
	if payload.Status != "" {
		updates["status"] = payload.Status
	}
	if payload.Remark != "" {
		updates["remark"] = payload.Remark
	}
	if len(updates) > 0 {
		if err := GetDB(c).Model(&scheduler).Updates(updates).Error; err != nil {
			return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update scheduler", err.Error())
		}
	}
	GetDB(c).First(&scheduler, id)
	return ok(c, scheduler)
}
