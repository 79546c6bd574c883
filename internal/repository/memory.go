package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sos-emergency/internal/models"

	"github.com/google/uuid"
)

// memoryState DB 关闭时使用的进程内存储，两个仓库共享同一把锁
type memoryState struct {
	mu          sync.RWMutex
	emergencies map[uuid.UUID]models.Emergency
	acks        map[uuid.UUID][]models.Acknowledgment // emergencyID -> acks
}

// MemoryEmergencyRepository 内存版紧急事件仓库
type MemoryEmergencyRepository struct {
	s *memoryState
}

// MemoryAcknowledgmentRepository 内存版确认仓库
type MemoryAcknowledgmentRepository struct {
	s *memoryState
}

// NewMemoryRepositories 创建共享状态的内存仓库
func NewMemoryRepositories() (*MemoryEmergencyRepository, *MemoryAcknowledgmentRepository) {
	s := &memoryState{
		emergencies: map[uuid.UUID]models.Emergency{},
		acks:        map[uuid.UUID][]models.Acknowledgment{},
	}
	return &MemoryEmergencyRepository{s: s}, &MemoryAcknowledgmentRepository{s: s}
}

func (r *MemoryEmergencyRepository) Create(_ context.Context, e *models.Emergency) error {
	if e == nil {
		return fmt.Errorf("emergency is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.emergencies[e.ID]; ok {
		return fmt.Errorf("emergency %s already exists", e.ID)
	}
	if e.Status.IsOpen() {
		for _, existing := range r.s.emergencies {
			if existing.UserID == e.UserID && existing.Status.IsOpen() {
				return fmt.Errorf("create emergency for user %s: %w", e.UserID, ErrOpenEmergencyExists)
			}
		}
	}
	r.s.emergencies[e.ID] = cloneEmergency(*e)
	return nil
}

func (r *MemoryEmergencyRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Emergency, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	e, ok := r.s.emergencies[id]
	if !ok {
		return nil, fmt.Errorf("emergency %s: %w", id, ErrEmergencyNotFound)
	}
	out := cloneEmergency(e)
	return &out, nil
}

func (r *MemoryEmergencyRepository) GetOpenByUserID(_ context.Context, userID uuid.UUID) (*models.Emergency, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, e := range r.s.emergencies {
		if e.UserID == userID && e.Status.IsOpen() {
			out := cloneEmergency(e)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("open emergency for user %s: %w", userID, ErrEmergencyNotFound)
}

func (r *MemoryEmergencyRepository) UpdateStatus(_ context.Context, u StatusUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.emergencies[u.ID]
	if !ok || !containsStatus(u.From, e.Status) {
		return fmt.Errorf("emergency %s -> %s: %w", u.ID, u.To, ErrStatusConflict)
	}

	at := u.At
	switch u.To {
	case models.StatusActive:
		e.ActivatedAt = &at
	case models.StatusCancelled:
		e.CancelledAt = &at
	case models.StatusResolved:
		e.ResolvedAt = &at
		e.ResolutionNotes = u.Notes
	case models.StatusPending:
		return fmt.Errorf("status update for %s: PENDING is not a target state", u.ID)
	}
	e.Status = u.To
	r.s.emergencies[u.ID] = e
	return nil
}

func (r *MemoryEmergencyRepository) MarkEscalated(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.emergencies[id]
	if !ok || e.Status != models.StatusActive || e.EscalatedAt != nil {
		return false, nil
	}
	e.EscalatedAt = &at
	r.s.emergencies[id] = e
	return true, nil
}

func (r *MemoryEmergencyRepository) UpdateLastLocation(_ context.Context, id uuid.UUID, loc models.Location) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.emergencies[id]
	if !ok || !e.Status.IsOpen() {
		return fmt.Errorf("update location of %s: %w", id, ErrStatusConflict)
	}
	e.LastLocation = &loc
	r.s.emergencies[id] = e
	return nil
}

func (r *MemoryEmergencyRepository) List(_ context.Context, f models.HistoryFilters) ([]models.Emergency, int, error) {
	f.Normalize()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	all := make([]models.Emergency, 0, len(r.s.emergencies))
	for _, e := range r.s.emergencies {
		if f.Matches(&e) {
			all = append(all, cloneEmergency(e))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := f.Offset()
	if start < 0 || start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *MemoryEmergencyRepository) ListByStatus(_ context.Context, status models.Status, limit int) ([]models.Emergency, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []models.Emergency{}
	for _, e := range r.s.emergencies {
		if e.Status == status {
			out = append(out, cloneEmergency(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryAcknowledgmentRepository) Create(_ context.Context, a *models.Acknowledgment) error {
	if a == nil {
		return fmt.Errorf("acknowledgment is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// 与 Postgres 的条件插入一致：先判断 ACTIVE，再判断重复
	e, ok := r.s.emergencies[a.EmergencyID]
	if !ok || e.Status != models.StatusActive {
		return fmt.Errorf("acknowledge %s: %w", a.EmergencyID, ErrEmergencyNotActive)
	}
	for _, existing := range r.s.acks[a.EmergencyID] {
		if existing.ContactID == a.ContactID {
			return fmt.Errorf("acknowledge %s by %s: %w", a.EmergencyID, a.ContactID, ErrDuplicateAcknowledgment)
		}
	}
	r.s.acks[a.EmergencyID] = append(r.s.acks[a.EmergencyID], *a)
	return nil
}

func (r *MemoryAcknowledgmentRepository) GetByContact(_ context.Context, emergencyID, contactID uuid.UUID) (*models.Acknowledgment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, a := range r.s.acks[emergencyID] {
		if a.ContactID == contactID {
			out := a
			return &out, nil
		}
	}
	return nil, fmt.Errorf("acknowledgment of %s by %s: %w", emergencyID, contactID, ErrAcknowledgmentNotFound)
}

func (r *MemoryAcknowledgmentRepository) ListByEmergency(_ context.Context, emergencyID uuid.UUID) ([]models.Acknowledgment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := append([]models.Acknowledgment{}, r.s.acks[emergencyID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AcknowledgedAt.Before(out[j].AcknowledgedAt)
	})
	return out, nil
}

func (r *MemoryAcknowledgmentRepository) CountByEmergency(_ context.Context, emergencyID uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.acks[emergencyID]), nil
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// cloneEmergency 复制指针字段，避免调用方修改存储内容
func cloneEmergency(e models.Emergency) models.Emergency {
	if e.LastLocation != nil {
		loc := *e.LastLocation
		e.LastLocation = &loc
	}
	if e.Metadata != nil {
		e.Metadata = append([]byte(nil), e.Metadata...)
	}
	return e
}

var (
	_ EmergencyRepository      = (*MemoryEmergencyRepository)(nil)
	_ AcknowledgmentRepository = (*MemoryAcknowledgmentRepository)(nil)
	_ EmergencyRepository      = (*PostgresEmergencyRepository)(nil)
	_ AcknowledgmentRepository = (*PostgresAcknowledgmentRepository)(nil)
)
