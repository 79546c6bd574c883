package scheduler

import (
	"context"
	"fmt"
	"time"

	"sos-emergency/internal/contacts"
	"sos-emergency/internal/models"
	"sos-emergency/internal/publisher"
	"sos-emergency/internal/repository"
	"sos-emergency/internal/timer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EscalationScheduler 激活后超时无人确认则通知二级联系人（单次）
type EscalationScheduler struct {
	registry    timer.Registry
	emergencies repository.EmergencyRepository
	acks        repository.AcknowledgmentRepository
	directory   contacts.Directory
	publisher   publisher.Publisher
	timeout     time.Duration
	fireTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewEscalationScheduler 创建升级调度器；directory 可为 nil
func NewEscalationScheduler(
	registry timer.Registry,
	emergencies repository.EmergencyRepository,
	acks repository.AcknowledgmentRepository,
	directory contacts.Directory,
	pub publisher.Publisher,
	timeout time.Duration,
	fireTimeout time.Duration,
	logger *zap.Logger,
) *EscalationScheduler {
	return &EscalationScheduler{
		registry:    registry,
		emergencies: emergencies,
		acks:        acks,
		directory:   directory,
		publisher:   pub,
		timeout:     timeout,
		fireTimeout: fireTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

// Timeout 配置的升级超时
func (s *EscalationScheduler) Timeout() time.Duration {
	return s.timeout
}

// StartEscalation 以配置的超时启动升级计时
func (s *EscalationScheduler) StartEscalation(id uuid.UUID) bool {
	return s.StartEscalationIn(id, s.timeout)
}

// StartEscalationIn 以指定剩余时长启动升级计时
func (s *EscalationScheduler) StartEscalationIn(id uuid.UUID, d time.Duration) bool {
	if !s.registry.Start(id, d, s.escalate) {
		s.logger.Warn("Escalation timer already running, ignoring start",
			zap.String("emergency_id", id.String()),
		)
		return false
	}
	s.logger.Info("Escalation timer started",
		zap.String("emergency_id", id.String()),
		zap.Duration("timeout", d),
	)
	return true
}

// CancelEscalation 幂等
func (s *EscalationScheduler) CancelEscalation(id uuid.UUID) bool {
	stopped := s.registry.Cancel(id)
	if stopped {
		s.logger.Info("Escalation cancelled", zap.String("emergency_id", id.String()))
	}
	return stopped
}

func (s *EscalationScheduler) IsEscalationActive(id uuid.UUID) bool {
	return s.registry.IsActive(id)
}

// GetActiveEscalations 当前升级计时数量
func (s *EscalationScheduler) GetActiveEscalations() int {
	return s.registry.Len()
}

// Cleanup 停止所有升级计时
func (s *EscalationScheduler) Cleanup() {
	s.registry.StopAll()
}

func (s *EscalationScheduler) escalate(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	log := s.logger.With(zap.String("emergency_id", id.String()))

	e, err := s.emergencies.GetByID(ctx, id)
	if err != nil {
		log.Error("Failed to load emergency for escalation", zap.Error(err))
		return
	}
	if e.Status != models.StatusActive {
		log.Debug("Escalation skipped, emergency not active", zap.String("status", e.Status.String()))
		return
	}

	n, err := s.acks.CountByEmergency(ctx, id)
	if err != nil {
		log.Error("Failed to count acknowledgments", zap.Error(err))
		return
	}
	if n > 0 {
		log.Debug("Escalation skipped, emergency already acknowledged", zap.Int("acknowledgments", n))
		return
	}

	now := s.now()
	marked, err := s.emergencies.MarkEscalated(ctx, id, now)
	if err != nil {
		log.Error("Failed to mark emergency escalated", zap.Error(err))
		return
	}
	if !marked {
		log.Debug("Escalation already recorded or emergency left ACTIVE")
		return
	}

	owner := s.lookupContacts(ctx, e)
	ev := models.EscalationEvent{
		EmergencyID:       e.ID,
		OwnerID:           e.UserID,
		OwnerName:         owner.OwnerName,
		EmergencyType:     e.EmergencyType,
		Location:          e.CurrentLocation(),
		SecondaryContacts: owner.SecondaryContacts,
		EscalationReason:  fmt.Sprintf("no contact acknowledged within %s", s.timeout),
		Timestamp:         now,
	}
	if err := s.publisher.PublishEscalation(ctx, ev); err != nil {
		log.Error("Failed to publish escalation event", zap.Error(err))
		return
	}

	log.Warn("Emergency escalated to secondary contacts",
		zap.String("user_id", e.UserID.String()),
		zap.Int("secondary_contacts", len(ev.SecondaryContacts)),
	)
}

func (s *EscalationScheduler) lookupContacts(ctx context.Context, e *models.Emergency) *models.OwnerContacts {
	fallback := &models.OwnerContacts{OwnerID: e.UserID, SecondaryContacts: []models.Contact{}}
	if s.directory == nil {
		return fallback
	}
	owner, err := s.directory.Lookup(ctx, e.UserID)
	if err != nil {
		s.logger.Warn("Contact lookup failed, escalating without secondary contacts",
			zap.String("emergency_id", e.ID.String()),
			zap.Error(err),
		)
		return fallback
	}
	if owner.SecondaryContacts == nil {
		owner.SecondaryContacts = []models.Contact{}
	}
	return owner
}
