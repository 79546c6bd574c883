package publisher

import (
	"context"

	"sos-emergency/internal/models"

	"go.uber.org/zap"
)

// 事件类型（stream 条目的 event_type 字段）
const (
	EventActivated    = "emergency.activated"
	EventResolved     = "emergency.resolved"
	EventCancelled    = "emergency.cancelled"
	EventAcknowledged = "contact.acknowledged"
	EventEscalated    = "emergency.escalated"
)

// Publisher 事件发布（尽力而为，失败由调用方记录日志，不回滚状态）
type Publisher interface {
	PublishActivated(ctx context.Context, e *models.Emergency) error
	PublishResolved(ctx context.Context, e *models.Emergency) error
	PublishCancelled(ctx context.Context, e *models.Emergency, reason string) error
	PublishAcknowledged(ctx context.Context, ev models.ContactAcknowledgedEvent) error
	PublishEscalation(ctx context.Context, ev models.EscalationEvent) error
}

// LogPublisher Redis 关闭时使用，只写日志
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher 创建日志发布器
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishActivated(_ context.Context, e *models.Emergency) error {
	p.logEmergency(EventActivated, e)
	return nil
}

func (p *LogPublisher) PublishResolved(_ context.Context, e *models.Emergency) error {
	p.logEmergency(EventResolved, e)
	return nil
}

func (p *LogPublisher) PublishCancelled(_ context.Context, e *models.Emergency, reason string) error {
	p.logEmergency(EventCancelled, e, zap.String("reason", reason))
	return nil
}

func (p *LogPublisher) PublishAcknowledged(_ context.Context, ev models.ContactAcknowledgedEvent) error {
	p.logger.Info("Event published",
		zap.String("event_type", EventAcknowledged),
		zap.String("emergency_id", ev.EmergencyID.String()),
		zap.String("contact_id", ev.ContactID.String()),
	)
	return nil
}

func (p *LogPublisher) PublishEscalation(_ context.Context, ev models.EscalationEvent) error {
	p.logger.Warn("Event published",
		zap.String("event_type", EventEscalated),
		zap.String("emergency_id", ev.EmergencyID.String()),
		zap.Int("secondary_contacts", len(ev.SecondaryContacts)),
		zap.String("reason", ev.EscalationReason),
	)
	return nil
}

func (p *LogPublisher) logEmergency(eventType string, e *models.Emergency, extra ...zap.Field) {
	fields := append([]zap.Field{
		zap.String("event_type", eventType),
		zap.String("emergency_id", e.ID.String()),
		zap.String("user_id", e.UserID.String()),
		zap.String("status", e.Status.String()),
	}, extra...)
	p.logger.Info("Event published", fields...)
}
