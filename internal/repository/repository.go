package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sos-emergency/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrEmergencyNotFound 事件不存在
	ErrEmergencyNotFound = errors.New("emergency not found")
	// ErrStatusConflict 条件更新未命中（状态已被其他操作改变）
	ErrStatusConflict = errors.New("emergency status changed concurrently")
	// ErrOpenEmergencyExists 用户已有 PENDING/ACTIVE 事件
	ErrOpenEmergencyExists = errors.New("user already has an open emergency")
	// ErrDuplicateAcknowledgment (emergency_id, contact_id) 已存在
	ErrDuplicateAcknowledgment = errors.New("contact already acknowledged")
	// ErrEmergencyNotActive 确认时事件不是 ACTIVE
	ErrEmergencyNotActive = errors.New("emergency is not active")
	// ErrAcknowledgmentNotFound 确认记录不存在
	ErrAcknowledgmentNotFound = errors.New("acknowledgment not found")
)

// StatusUpdate 条件状态更新：仅当当前状态属于 From 时写入 To
type StatusUpdate struct {
	ID    uuid.UUID
	From  []models.Status
	To    models.Status
	At    time.Time
	Notes *string // 仅 RESOLVED 使用
}

// Validate 每个 From 都必须允许迁移到 To
func (u StatusUpdate) Validate() error {
	if len(u.From) == 0 {
		return fmt.Errorf("status update for %s: expected status is required", u.ID)
	}
	for _, from := range u.From {
		if !from.CanTransitionTo(u.To) {
			return fmt.Errorf("status update for %s: %s -> %s is not a valid transition", u.ID, from, u.To)
		}
	}
	return nil
}

// EmergencyRepository 紧急事件存储
type EmergencyRepository interface {
	Create(ctx context.Context, e *models.Emergency) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Emergency, error)
	// GetOpenByUserID 返回用户的 PENDING/ACTIVE 事件，没有时返回 ErrEmergencyNotFound
	GetOpenByUserID(ctx context.Context, userID uuid.UUID) (*models.Emergency, error)
	// UpdateStatus 比较并交换状态，未命中返回 ErrStatusConflict
	UpdateStatus(ctx context.Context, u StatusUpdate) error
	// MarkEscalated 仅当 ACTIVE 且尚未升级时写入 escalated_at，返回是否写入
	MarkEscalated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	UpdateLastLocation(ctx context.Context, id uuid.UUID, loc models.Location) error
	List(ctx context.Context, f models.HistoryFilters) ([]models.Emergency, int, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Emergency, error)
}

// AcknowledgmentRepository 联系人确认存储
type AcknowledgmentRepository interface {
	// Create 仅当事件 ACTIVE 时插入；重复返回 ErrDuplicateAcknowledgment
	Create(ctx context.Context, a *models.Acknowledgment) error
	GetByContact(ctx context.Context, emergencyID, contactID uuid.UUID) (*models.Acknowledgment, error)
	ListByEmergency(ctx context.Context, emergencyID uuid.UUID) ([]models.Acknowledgment, error)
	CountByEmergency(ctx context.Context, emergencyID uuid.UUID) (int, error)
}
