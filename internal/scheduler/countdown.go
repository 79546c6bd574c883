// Package scheduler 倒计时激活与超时升级。
package scheduler

import (
	"context"
	"errors"
	"math"
	"time"

	"sos-emergency/internal/models"
	"sos-emergency/internal/publisher"
	"sos-emergency/internal/repository"
	"sos-emergency/internal/timer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxDuration = time.Duration(math.MaxInt64)

// EscalationStarter 激活成功后启动升级计时
type EscalationStarter interface {
	StartEscalation(id uuid.UUID) bool
	CancelEscalation(id uuid.UUID) bool
}

// CountdownScheduler 倒计时结束后将 PENDING 事件激活（至多一次）
type CountdownScheduler struct {
	registry    timer.Registry
	emergencies repository.EmergencyRepository
	publisher   publisher.Publisher
	escalation  EscalationStarter
	fireTimeout time.Duration
	unit        time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewCountdownScheduler 创建倒计时调度器；fireTimeout 限制每次到期处理的耗时
func NewCountdownScheduler(
	registry timer.Registry,
	emergencies repository.EmergencyRepository,
	pub publisher.Publisher,
	escalation EscalationStarter,
	fireTimeout time.Duration,
	logger *zap.Logger,
) *CountdownScheduler {
	return &CountdownScheduler{
		registry:    registry,
		emergencies: emergencies,
		publisher:   pub,
		escalation:  escalation,
		fireTimeout: fireTimeout,
		unit:        time.Second,
		now:         time.Now,
		logger:      logger,
	}
}

// StartCountdown 启动倒计时；同 id 已有计时器时忽略并返回 false
func (s *CountdownScheduler) StartCountdown(id uuid.UUID, seconds int) bool {
	return s.StartCountdownIn(id, s.toDuration(seconds))
}

// toDuration 秒数换算为时长，溢出时取最大时长而不是回绕成负数
func (s *CountdownScheduler) toDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	if int64(seconds) > int64(maxDuration/s.unit) {
		return maxDuration
	}
	return time.Duration(seconds) * s.unit
}

// StartCountdownIn 以剩余时长启动倒计时（对账恢复使用）
func (s *CountdownScheduler) StartCountdownIn(id uuid.UUID, d time.Duration) bool {
	if !s.registry.Start(id, d, s.activate) {
		s.logger.Warn("Countdown already running, ignoring start",
			zap.String("emergency_id", id.String()),
		)
		return false
	}
	s.logger.Info("Countdown started",
		zap.String("emergency_id", id.String()),
		zap.Duration("duration", d),
	)
	return true
}

// CancelCountdown 停止倒计时，返回是否停止了尚未触发的计时器
func (s *CountdownScheduler) CancelCountdown(id uuid.UUID) bool {
	stopped := s.registry.Cancel(id)
	if stopped {
		s.logger.Info("Countdown cancelled", zap.String("emergency_id", id.String()))
	}
	return stopped
}

func (s *CountdownScheduler) IsTimerActive(id uuid.UUID) bool {
	return s.registry.IsActive(id)
}

// GetActiveTimers 当前倒计时数量
func (s *CountdownScheduler) GetActiveTimers() int {
	return s.registry.Len()
}

// Cleanup 停止所有倒计时，不改变事件状态
func (s *CountdownScheduler) Cleanup() {
	s.registry.StopAll()
}

// activate 到期回调：重新读取，CAS PENDING→ACTIVE，启动升级，发布事件
func (s *CountdownScheduler) activate(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	log := s.logger.With(zap.String("emergency_id", id.String()))

	e, err := s.emergencies.GetByID(ctx, id)
	if err != nil {
		log.Error("Failed to load emergency for activation", zap.Error(err))
		return
	}
	if e.Status != models.StatusPending {
		log.Debug("Countdown expired but emergency is no longer pending", zap.String("status", e.Status.String()))
		return
	}

	now := s.now()
	err = s.emergencies.UpdateStatus(ctx, repository.StatusUpdate{
		ID:   id,
		From: []models.Status{models.StatusPending},
		To:   models.StatusActive,
		At:   now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			log.Info("Activation superseded by a concurrent transition")
			return
		}
		log.Error("Failed to activate emergency", zap.Error(err))
		return
	}

	// 升级计时必须在发布前启动，确认到达时计时器已存在
	s.escalation.StartEscalation(id)

	activated, err := s.emergencies.GetByID(ctx, id)
	if err != nil {
		log.Error("Failed to reload activated emergency", zap.Error(err))
		e.Status = models.StatusActive
		e.ActivatedAt = &now
		activated = e
	}
	if activated.Status != models.StatusActive {
		s.escalation.CancelEscalation(id)
		log.Info("Emergency left ACTIVE before activation was announced", zap.String("status", activated.Status.String()))
		return
	}

	if err := s.publisher.PublishActivated(ctx, activated); err != nil {
		log.Error("Failed to publish emergency activated event", zap.Error(err))
	}

	log.Info("Emergency activated",
		zap.String("user_id", activated.UserID.String()),
		zap.String("emergency_type", activated.EmergencyType.String()),
	)
}
