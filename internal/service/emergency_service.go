package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"sos-emergency/internal/apperr"
	"sos-emergency/internal/models"
	"sos-emergency/internal/publisher"
	"sos-emergency/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxMessageLength = 1000
	// countdown_seconds 列为 INTEGER
	countdownCeiling = math.MaxInt32
)

// CountdownTimers 倒计时调度器（见 scheduler.CountdownScheduler）
type CountdownTimers interface {
	StartCountdown(id uuid.UUID, seconds int) bool
	CancelCountdown(id uuid.UUID) bool
	IsTimerActive(id uuid.UUID) bool
	Cleanup()
}

// EscalationTimers 升级调度器（见 scheduler.EscalationScheduler）
type EscalationTimers interface {
	StartEscalation(id uuid.UUID) bool
	CancelEscalation(id uuid.UUID) bool
	IsEscalationActive(id uuid.UUID) bool
	Cleanup()
}

// EmergencyServiceConfig 业务默认值
type EmergencyServiceConfig struct {
	DefaultCountdownSeconds     int
	AutoTriggerCountdownSeconds int
	MaxCountdownSeconds         int // 0 表示仅受列类型限制
}

// TriggerRequest 手动触发请求
type TriggerRequest struct {
	UserID           uuid.UUID
	EmergencyType    models.EmergencyType
	Location         models.Location
	Message          *string
	CountdownSeconds *int // nil 使用默认值，0 立即激活
	TriggeredBy      string
	Metadata         json.RawMessage
}

// AutoTriggerRequest 设备自动触发请求
type AutoTriggerRequest struct {
	UserID           uuid.UUID
	DeviceID         string
	EmergencyType    models.EmergencyType // 零值按 FALL_DETECTED
	Location         models.Location
	Message          *string
	CountdownSeconds *int
	Metadata         json.RawMessage
}

// AcknowledgeRequest 联系人确认请求
type AcknowledgeRequest struct {
	EmergencyID  uuid.UUID
	ContactID    uuid.UUID
	ContactName  string
	ContactPhone *string
	ContactEmail *string
	Location     *models.Location
	Message      *string
}

// AcknowledgeResult 确认结果；Duplicate 表示该联系人此前已确认
type AcknowledgeResult struct {
	Acknowledgment      *models.Acknowledgment `json:"acknowledgment"`
	Duplicate           bool                   `json:"duplicate"`
	EscalationCancelled bool                   `json:"escalation_cancelled"`
}

// EmergencyService 紧急事件编排
// 职责：
// 1. 参数与状态校验（失败时不产生任何写入）
// 2. 通过条件更新推进状态机
// 3. 启停倒计时 / 升级计时
// 4. 发布事件（失败只记录日志）
type EmergencyService struct {
	emergencies repository.EmergencyRepository
	acks        repository.AcknowledgmentRepository
	publisher   publisher.Publisher
	countdown   CountdownTimers
	escalation  EscalationTimers
	cfg         EmergencyServiceConfig
	now         func() time.Time
	logger      *zap.Logger
}

// NewEmergencyService 创建编排服务
func NewEmergencyService(
	emergencies repository.EmergencyRepository,
	acks repository.AcknowledgmentRepository,
	pub publisher.Publisher,
	countdown CountdownTimers,
	escalation EscalationTimers,
	cfg EmergencyServiceConfig,
	logger *zap.Logger,
) *EmergencyService {
	return &EmergencyService{
		emergencies: emergencies,
		acks:        acks,
		publisher:   pub,
		countdown:   countdown,
		escalation:  escalation,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

// ============================================
// 触发
// ============================================

// Trigger 创建 PENDING 事件并启动倒计时
func (s *EmergencyService) Trigger(ctx context.Context, req TriggerRequest) (*models.Emergency, error) {
	if strings.TrimSpace(req.TriggeredBy) == "" {
		req.TriggeredBy = models.TriggeredByUser
	}
	return s.create(ctx, req, false, s.cfg.DefaultCountdownSeconds)
}

// AutoTrigger 设备检测（跌倒 / SOS 按键）触发
func (s *EmergencyService) AutoTrigger(ctx context.Context, req AutoTriggerRequest) (*models.Emergency, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidArgument, "device_id is required")
	}
	typ := req.EmergencyType
	if typ == 0 {
		typ = models.EmergencyTypeFallDetected
	}
	return s.create(ctx, TriggerRequest{
		UserID:           req.UserID,
		EmergencyType:    typ,
		Location:         req.Location,
		Message:          req.Message,
		CountdownSeconds: req.CountdownSeconds,
		TriggeredBy:      models.TriggeredByDevice(req.DeviceID),
		Metadata:         req.Metadata,
	}, true, s.cfg.AutoTriggerCountdownSeconds)
}

func (s *EmergencyService) create(ctx context.Context, req TriggerRequest, auto bool, defaultCountdown int) (*models.Emergency, error) {
	countdown, err := validateTrigger(req, defaultCountdown, s.maxCountdown())
	if err != nil {
		return nil, err
	}

	_, err = s.emergencies.GetOpenByUserID(ctx, req.UserID)
	switch {
	case err == nil:
		return nil, apperr.Conflict(apperr.CodeOpenEmergencyExists, "user already has an open emergency")
	case !errors.Is(err, repository.ErrEmergencyNotFound):
		s.logger.Error("Failed to check open emergency", zap.String("user_id", req.UserID.String()), zap.Error(err))
		return nil, apperr.Transient("failed to check open emergency", err)
	}

	now := s.now()
	loc := req.Location
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}
	e := &models.Emergency{
		ID:               uuid.New(),
		UserID:           req.UserID,
		EmergencyType:    req.EmergencyType,
		Status:           models.StatusPending,
		InitialLocation:  loc,
		InitialMessage:   req.Message,
		AutoTriggered:    auto,
		TriggeredBy:      req.TriggeredBy,
		CountdownSeconds: countdown,
		CreatedAt:        now,
		Metadata:         req.Metadata,
	}

	if err := s.emergencies.Create(ctx, e); err != nil {
		if errors.Is(err, repository.ErrOpenEmergencyExists) {
			return nil, apperr.Conflict(apperr.CodeOpenEmergencyExists, "user already has an open emergency")
		}
		s.logger.Error("Failed to create emergency", zap.String("user_id", req.UserID.String()), zap.Error(err))
		return nil, apperr.Transient("failed to create emergency", err)
	}

	s.countdown.StartCountdown(e.ID, countdown)

	s.logger.Info("Emergency triggered",
		zap.String("emergency_id", e.ID.String()),
		zap.String("user_id", e.UserID.String()),
		zap.String("emergency_type", e.EmergencyType.String()),
		zap.Bool("auto_triggered", auto),
		zap.String("triggered_by", e.TriggeredBy),
		zap.Int("countdown_seconds", countdown),
	)
	return e, nil
}

func (s *EmergencyService) maxCountdown() int {
	if s.cfg.MaxCountdownSeconds > 0 && s.cfg.MaxCountdownSeconds < countdownCeiling {
		return s.cfg.MaxCountdownSeconds
	}
	return countdownCeiling
}

func validateTrigger(req TriggerRequest, defaultCountdown, maxCountdown int) (int, error) {
	if req.UserID == uuid.Nil {
		return 0, apperr.Validation(apperr.CodeInvalidArgument, "user_id is required")
	}
	if !req.EmergencyType.Valid() {
		return 0, apperr.Validation(apperr.CodeInvalidEmergencyType, "emergency_type is not supported")
	}
	if err := req.Location.Validate(); err != nil {
		return 0, apperr.Validation(apperr.CodeInvalidLocation, err.Error())
	}
	countdown := defaultCountdown
	if req.CountdownSeconds != nil {
		countdown = *req.CountdownSeconds
	}
	if countdown < 0 {
		return 0, apperr.Validation(apperr.CodeInvalidCountdown, "countdown_seconds must be >= 0")
	}
	if countdown > maxCountdown {
		return 0, apperr.Validation(apperr.CodeInvalidCountdown, fmt.Sprintf("countdown_seconds must be <= %d", maxCountdown))
	}
	if req.Message != nil && utf8.RuneCountInString(*req.Message) > maxMessageLength {
		return 0, apperr.Validation(apperr.CodeInvalidArgument, fmt.Sprintf("message exceeds %d characters", maxMessageLength))
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return 0, apperr.Validation(apperr.CodeInvalidArgument, "metadata must be valid JSON")
	}
	return countdown, nil
}

// ============================================
// 状态迁移
// ============================================

// Cancel PENDING/ACTIVE → CANCELLED，停止所有计时器
func (s *EmergencyService) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Emergency, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.CanBeCancelled() {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition,
			fmt.Sprintf("emergency cannot be cancelled in status %s", e.Status))
	}

	now := s.now()
	err = s.emergencies.UpdateStatus(ctx, repository.StatusUpdate{
		ID:   id,
		From: []models.Status{models.StatusPending, models.StatusActive},
		To:   models.StatusCancelled,
		At:   now,
	})
	if err != nil {
		return nil, s.transitionError(id, "cancel", err)
	}

	stoppedCountdown := s.countdown.CancelCountdown(id)
	stoppedEscalation := s.escalation.CancelEscalation(id)

	cancelled := s.reload(ctx, e, func(c *models.Emergency) {
		c.Status = models.StatusCancelled
		c.CancelledAt = &now
	})
	if err := s.publisher.PublishCancelled(ctx, cancelled, reason); err != nil {
		s.logger.Error("Failed to publish emergency cancelled event", zap.String("emergency_id", id.String()), zap.Error(err))
	}

	s.logger.Info("Emergency cancelled",
		zap.String("emergency_id", id.String()),
		zap.String("previous_status", e.Status.String()),
		zap.Bool("countdown_stopped", stoppedCountdown),
		zap.Bool("escalation_stopped", stoppedEscalation),
		zap.String("reason", reason),
	)
	return cancelled, nil
}

// Resolve ACTIVE → RESOLVED
func (s *EmergencyService) Resolve(ctx context.Context, id uuid.UUID, notes *string) (*models.Emergency, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.CanBeResolved() {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition,
			fmt.Sprintf("emergency cannot be resolved in status %s", e.Status))
	}

	now := s.now()
	err = s.emergencies.UpdateStatus(ctx, repository.StatusUpdate{
		ID:    id,
		From:  []models.Status{models.StatusActive},
		To:    models.StatusResolved,
		At:    now,
		Notes: notes,
	})
	if err != nil {
		return nil, s.transitionError(id, "resolve", err)
	}

	s.escalation.CancelEscalation(id)
	s.countdown.CancelCountdown(id)

	resolved := s.reload(ctx, e, func(c *models.Emergency) {
		c.Status = models.StatusResolved
		c.ResolvedAt = &now
		c.ResolutionNotes = notes
	})
	if err := s.publisher.PublishResolved(ctx, resolved); err != nil {
		s.logger.Error("Failed to publish emergency resolved event", zap.String("emergency_id", id.String()), zap.Error(err))
	}

	s.logger.Info("Emergency resolved", zap.String("emergency_id", id.String()))
	return resolved, nil
}

// ============================================
// 联系人确认
// ============================================

// Acknowledge 记录联系人确认；同一联系人重复确认为成功的空操作
func (s *EmergencyService) Acknowledge(ctx context.Context, req AcknowledgeRequest) (*AcknowledgeResult, error) {
	if req.EmergencyID == uuid.Nil {
		return nil, apperr.Validation(apperr.CodeInvalidArgument, "emergency_id is required")
	}
	ack := &models.Acknowledgment{
		ID:             uuid.New(),
		EmergencyID:    req.EmergencyID,
		ContactID:      req.ContactID,
		ContactName:    strings.TrimSpace(req.ContactName),
		ContactPhone:   req.ContactPhone,
		ContactEmail:   req.ContactEmail,
		AcknowledgedAt: s.now(),
		Location:       req.Location,
		Message:        req.Message,
	}
	if err := ack.Validate(); err != nil {
		switch {
		case errors.Is(err, models.ErrMissingContactChannel):
			return nil, apperr.Validation(apperr.CodeMissingContactChannel, err.Error())
		case errors.Is(err, models.ErrInvalidLocation):
			return nil, apperr.Validation(apperr.CodeInvalidLocation, err.Error())
		default:
			return nil, apperr.Validation(apperr.CodeInvalidArgument, err.Error())
		}
	}

	e, err := s.load(ctx, req.EmergencyID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.StatusActive {
		return nil, apperr.Conflict(apperr.CodeEmergencyNotActive,
			fmt.Sprintf("emergency is %s, only ACTIVE emergencies can be acknowledged", e.Status))
	}

	if err := s.acks.Create(ctx, ack); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateAcknowledgment):
			existing, getErr := s.acks.GetByContact(ctx, req.EmergencyID, req.ContactID)
			if getErr != nil {
				return nil, apperr.Transient("failed to load existing acknowledgment", getErr)
			}
			s.logger.Info("Duplicate acknowledgment ignored",
				zap.String("emergency_id", req.EmergencyID.String()),
				zap.String("contact_id", req.ContactID.String()),
			)
			return &AcknowledgeResult{Acknowledgment: existing, Duplicate: true}, nil
		case errors.Is(err, repository.ErrEmergencyNotActive):
			return nil, apperr.Conflict(apperr.CodeEmergencyNotActive, "emergency is no longer active")
		default:
			s.logger.Error("Failed to record acknowledgment", zap.String("emergency_id", req.EmergencyID.String()), zap.Error(err))
			return nil, apperr.Transient("failed to record acknowledgment", err)
		}
	}

	stopped := s.escalation.CancelEscalation(req.EmergencyID)
	if err := s.publisher.PublishAcknowledged(ctx, models.NewContactAcknowledgedEvent(ack)); err != nil {
		s.logger.Error("Failed to publish contact acknowledged event", zap.String("emergency_id", req.EmergencyID.String()), zap.Error(err))
	}

	s.logger.Info("Emergency acknowledged",
		zap.String("emergency_id", req.EmergencyID.String()),
		zap.String("contact_id", req.ContactID.String()),
		zap.Bool("escalation_stopped", stopped),
	)
	return &AcknowledgeResult{Acknowledgment: ack, EscalationCancelled: stopped}, nil
}

// ============================================
// 查询
// ============================================

// GetEmergency 事件详情（含确认记录）
func (s *EmergencyService) GetEmergency(ctx context.Context, id uuid.UUID) (*models.EmergencyDetail, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	acks, err := s.acks.ListByEmergency(ctx, id)
	if err != nil {
		s.logger.Error("Failed to list acknowledgments", zap.String("emergency_id", id.String()), zap.Error(err))
		return nil, apperr.Transient("failed to list acknowledgments", err)
	}
	return &models.EmergencyDetail{Emergency: e, Acknowledgments: acks}, nil
}

// GetHistory 分页查询用户历史
// 业务规则：
// - user_id 必填
// - page 默认 1（超过 MaxPage 按 MaxPage），page_size 默认 20，最大 100
// - start_date 不得晚于 end_date
func (s *EmergencyService) GetHistory(ctx context.Context, f models.HistoryFilters) (*models.HistoryPage, error) {
	if f.UserID == uuid.Nil {
		return nil, apperr.Validation(apperr.CodeInvalidArgument, "user_id is required")
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidStatus, "status is not supported")
	}
	if f.Type != nil && !f.Type.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidEmergencyType, "emergency_type is not supported")
	}
	if f.StartDate != nil && f.EndDate != nil && f.StartDate.After(*f.EndDate) {
		return nil, apperr.Validation(apperr.CodeInvalidArgument, "start_date must not be after end_date")
	}
	f.Normalize()

	items, total, err := s.emergencies.List(ctx, f)
	if err != nil {
		s.logger.Error("Failed to list emergency history", zap.String("user_id", f.UserID.String()), zap.Error(err))
		return nil, apperr.Transient("failed to list emergency history", err)
	}
	return &models.HistoryPage{
		Emergencies: items,
		Total:       total,
		Page:        f.Page,
		PageSize:    f.PageSize,
	}, nil
}

// UpdateLocation 记录最新位置（仅 PENDING/ACTIVE），不影响状态与计时器
func (s *EmergencyService) UpdateLocation(ctx context.Context, id uuid.UUID, loc models.Location) error {
	if err := loc.Validate(); err != nil {
		return apperr.Validation(apperr.CodeInvalidLocation, err.Error())
	}
	e, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !e.Status.IsOpen() {
		return apperr.Conflict(apperr.CodeInvalidTransition,
			fmt.Sprintf("location updates are not accepted in status %s", e.Status))
	}
	if err := s.emergencies.UpdateLastLocation(ctx, id, loc); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return apperr.Conflict(apperr.CodeInvalidTransition, "emergency is no longer open")
		}
		return apperr.Transient("failed to update location", err)
	}
	return nil
}

// Shutdown 停止所有计时器（进程退出时调用，不改变事件状态）
func (s *EmergencyService) Shutdown() {
	s.countdown.Cleanup()
	s.escalation.Cleanup()
}

func (s *EmergencyService) load(ctx context.Context, id uuid.UUID) (*models.Emergency, error) {
	if id == uuid.Nil {
		return nil, apperr.Validation(apperr.CodeInvalidArgument, "emergency id is required")
	}
	e, err := s.emergencies.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrEmergencyNotFound) {
			return nil, apperr.NotFound(apperr.CodeEmergencyNotFound, fmt.Sprintf("emergency %s not found", id))
		}
		s.logger.Error("Failed to load emergency", zap.String("emergency_id", id.String()), zap.Error(err))
		return nil, apperr.Transient("failed to load emergency", err)
	}
	return e, nil
}

// reload 写入成功后重新读取；读取失败时在旧记录上套用本次修改
func (s *EmergencyService) reload(ctx context.Context, prev *models.Emergency, apply func(*models.Emergency)) *models.Emergency {
	e, err := s.emergencies.GetByID(ctx, prev.ID)
	if err == nil {
		return e
	}
	s.logger.Warn("Failed to reload emergency after update", zap.String("emergency_id", prev.ID.String()), zap.Error(err))
	c := *prev
	apply(&c)
	return &c
}

func (s *EmergencyService) transitionError(id uuid.UUID, op string, err error) error {
	if errors.Is(err, repository.ErrStatusConflict) {
		return apperr.Conflict(apperr.CodeInvalidTransition,
			fmt.Sprintf("emergency %s changed state concurrently, %s rejected", id, op))
	}
	s.logger.Error("Failed to update emergency status",
		zap.String("emergency_id", id.String()),
		zap.String("operation", op),
		zap.Error(err),
	)
	return apperr.Transient(fmt.Sprintf("failed to %s emergency", op), err)
}
