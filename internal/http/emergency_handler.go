package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sos-emergency/internal/apperr"
	"sos-emergency/internal/models"
	"sos-emergency/internal/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const emergencyPrefix = "/api/v1/emergency/"

// maxExportRows 单次导出上限
const maxExportRows = 10000

// EmergencyService 编排服务（service.EmergencyService 实现）
type EmergencyService interface {
	Trigger(ctx context.Context, req service.TriggerRequest) (*models.Emergency, error)
	AutoTrigger(ctx context.Context, req service.AutoTriggerRequest) (*models.Emergency, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Emergency, error)
	Resolve(ctx context.Context, id uuid.UUID, notes *string) (*models.Emergency, error)
	Acknowledge(ctx context.Context, req service.AcknowledgeRequest) (*service.AcknowledgeResult, error)
	GetEmergency(ctx context.Context, id uuid.UUID) (*models.EmergencyDetail, error)
	GetHistory(ctx context.Context, f models.HistoryFilters) (*models.HistoryPage, error)
}

// EmergencyHandler 紧急事件 Handler
type EmergencyHandler struct {
	svc    EmergencyService
	logger *zap.Logger
}

// NewEmergencyHandler 创建紧急事件 Handler
func NewEmergencyHandler(svc EmergencyService, logger *zap.Logger) *EmergencyHandler {
	return &EmergencyHandler{svc: svc, logger: logger}
}

// ServeHTTP 路由分发
func (h *EmergencyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, emergencyPrefix), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "trigger":
		h.allow(w, r, http.MethodPost, h.Trigger)
	case rest == "auto-trigger":
		h.allow(w, r, http.MethodPost, h.AutoTrigger)
	case rest == "history":
		h.allow(w, r, http.MethodGet, h.GetHistory)
	case rest == "history/export":
		h.allow(w, r, http.MethodGet, h.ExportHistory)
	case len(parts) == 1 && parts[0] != "":
		h.allow(w, r, http.MethodGet, h.withID(parts[0], h.GetEmergency))
	case len(parts) == 2 && parts[1] == "cancel":
		h.allow(w, r, http.MethodPut, h.withID(parts[0], h.Cancel))
	case len(parts) == 2 && parts[1] == "resolve":
		h.allow(w, r, http.MethodPut, h.withID(parts[0], h.Resolve))
	case len(parts) == 2 && parts[1] == "acknowledge":
		h.allow(w, r, http.MethodPost, h.withID(parts[0], h.Acknowledge))
	default:
		writeJSON(w, http.StatusNotFound, Fail("not found"))
	}
}

func (h *EmergencyHandler) allow(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSON(w, http.StatusMethodNotAllowed, Fail("method not allowed"))
		return
	}
	next(w, r)
}

func (h *EmergencyHandler) withID(raw string, next func(http.ResponseWriter, *http.Request, uuid.UUID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam("emergency id", raw)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, id)
	}
}

// ============================================
// 触发
// ============================================

type triggerBody struct {
	UserID           uuid.UUID       `json:"user_id"`
	EmergencyType    string          `json:"emergency_type"`
	Location         models.Location `json:"location"`
	InitialMessage   *string         `json:"initial_message,omitempty"`
	CountdownSeconds *int            `json:"countdown_seconds,omitempty"`
	TriggeredBy      string          `json:"triggered_by,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

type autoTriggerBody struct {
	triggerBody
	DeviceID string `json:"device_id"`
}

func parseTypeField(s string, required bool) (models.EmergencyType, error) {
	if strings.TrimSpace(s) == "" {
		if required {
			return 0, apperr.Validation(apperr.CodeInvalidEmergencyType, "emergency_type is required")
		}
		return 0, nil
	}
	t, err := models.ParseEmergencyType(s)
	if err != nil {
		return 0, apperr.Validation(apperr.CodeInvalidEmergencyType, err.Error())
	}
	return t, nil
}

// Trigger POST /api/v1/emergency/trigger
func (h *EmergencyHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var body triggerBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, FailWithCode(apperr.CodeInvalidArgument, "invalid request body"))
		return
	}
	typ, err := parseTypeField(body.EmergencyType, true)
	if err != nil {
		writeError(w, err)
		return
	}

	e, err := h.svc.Trigger(r.Context(), service.TriggerRequest{
		UserID:           body.UserID,
		EmergencyType:    typ,
		Location:         body.Location,
		Message:          body.InitialMessage,
		CountdownSeconds: body.CountdownSeconds,
		TriggeredBy:      body.TriggeredBy,
		Metadata:         body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(e))
}

// AutoTrigger POST /api/v1/emergency/auto-trigger
func (h *EmergencyHandler) AutoTrigger(w http.ResponseWriter, r *http.Request) {
	var body autoTriggerBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, FailWithCode(apperr.CodeInvalidArgument, "invalid request body"))
		return
	}
	typ, err := parseTypeField(body.EmergencyType, false)
	if err != nil {
		writeError(w, err)
		return
	}

	e, err := h.svc.AutoTrigger(r.Context(), service.AutoTriggerRequest{
		UserID:           body.UserID,
		DeviceID:         body.DeviceID,
		EmergencyType:    typ,
		Location:         body.Location,
		Message:          body.InitialMessage,
		CountdownSeconds: body.CountdownSeconds,
		Metadata:         body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(e))
}

// ============================================
// 状态迁移
// ============================================

// Cancel PUT /api/v1/emergency/{id}/cancel
func (h *EmergencyHandler) Cancel(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, FailWithCode(apperr.CodeInvalidArgument, "invalid request body"))
		return
	}
	e, err := h.svc.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(e))
}

// Resolve PUT /api/v1/emergency/{id}/resolve
func (h *EmergencyHandler) Resolve(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var body struct {
		ResolutionNotes *string `json:"resolution_notes"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, FailWithCode(apperr.CodeInvalidArgument, "invalid request body"))
		return
	}
	e, err := h.svc.Resolve(r.Context(), id, body.ResolutionNotes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(e))
}

// Acknowledge POST /api/v1/emergency/{id}/acknowledge
func (h *EmergencyHandler) Acknowledge(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var body struct {
		ContactID    uuid.UUID        `json:"contact_id"`
		ContactName  string           `json:"contact_name"`
		ContactPhone *string          `json:"contact_phone"`
		ContactEmail *string          `json:"contact_email"`
		Location     *models.Location `json:"location"`
		Message      *string          `json:"message"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, FailWithCode(apperr.CodeInvalidArgument, "invalid request body"))
		return
	}
	res, err := h.svc.Acknowledge(r.Context(), service.AcknowledgeRequest{
		EmergencyID:  id,
		ContactID:    body.ContactID,
		ContactName:  body.ContactName,
		ContactPhone: body.ContactPhone,
		ContactEmail: body.ContactEmail,
		Location:     body.Location,
		Message:      body.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// ============================================
// 查询
// ============================================

// GetEmergency GET /api/v1/emergency/{id}
func (h *EmergencyHandler) GetEmergency(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	detail, err := h.svc.GetEmergency(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(detail))
}

// historyFilters 解析查询参数
// user_id 必填；status / emergency_type 可选；start_date / end_date 支持 RFC3339 或 YYYY-MM-DD
func historyFilters(r *http.Request) (models.HistoryFilters, error) {
	q := r.URL.Query()
	var f models.HistoryFilters

	if q.Get("user_id") == "" {
		return f, apperr.Validation(apperr.CodeInvalidArgument, "user_id is required")
	}
	userID, err := parseUUIDParam("user_id", q.Get("user_id"))
	if err != nil {
		return f, err
	}
	f.UserID = userID

	if s := strings.TrimSpace(q.Get("status")); s != "" {
		st, err := models.ParseStatus(s)
		if err != nil {
			return f, apperr.Validation(apperr.CodeInvalidStatus, err.Error())
		}
		f.Status = &st
	}
	if s := strings.TrimSpace(q.Get("emergency_type")); s != "" {
		t, err := parseTypeField(s, false)
		if err != nil {
			return f, err
		}
		f.Type = &t
	}
	if f.StartDate, err = parseDateParam("start_date", q.Get("start_date"), false); err != nil {
		return f, err
	}
	if f.EndDate, err = parseDateParam("end_date", q.Get("end_date"), true); err != nil {
		return f, err
	}

	f.Page = parseInt(q.Get("page"), models.DefaultPage)
	f.PageSize = parseInt(q.Get("page_size"), models.DefaultPageSize)
	return f, nil
}

// GetHistory GET /api/v1/emergency/history
func (h *EmergencyHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	f, err := historyFilters(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.svc.GetHistory(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(page))
}

// ExportHistory GET /api/v1/emergency/history/export
// 按相同过滤条件导出全部记录（最多 maxExportRows 条）为 XLSX
func (h *EmergencyHandler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	f, err := historyFilters(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f.Page = 1
	f.PageSize = models.MaxPageSize

	var rows []models.Emergency
	for len(rows) < maxExportRows {
		page, err := h.svc.GetHistory(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}
		rows = append(rows, page.Emergencies...)
		if len(page.Emergencies) < f.PageSize || len(rows) >= page.Total {
			break
		}
		f.Page++
	}
	if len(rows) > maxExportRows {
		rows = rows[:maxExportRows]
	}

	data, err := GenerateHistoryExport(rows)
	if err != nil {
		h.logger.Error("Failed to generate history export", zap.String("user_id", f.UserID.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	filename := fmt.Sprintf("emergency-history-%s.xlsx", time.Now().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
