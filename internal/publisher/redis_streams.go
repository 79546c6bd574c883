package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	commonredis "sos-emergency/common/redis"
	"sos-emergency/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Streams 各事件对应的 stream 名称
type Streams struct {
	Activated    string
	Resolved     string
	Cancelled    string
	Acknowledged string
	Escalated    string
}

// RedisStreamPublisher 通过 Redis Streams (XADD) 发布事件
type RedisStreamPublisher struct {
	client  *redis.Client
	streams Streams
	logger  *zap.Logger
}

// NewRedisStreamPublisher 创建发布器
func NewRedisStreamPublisher(client *redis.Client, streams Streams, logger *zap.Logger) *RedisStreamPublisher {
	return &RedisStreamPublisher{
		client:  client,
		streams: streams,
		logger:  logger,
	}
}

func (p *RedisStreamPublisher) PublishActivated(ctx context.Context, e *models.Emergency) error {
	return p.publish(ctx, p.streams.Activated, EventActivated, e, map[string]string{
		"emergency_id": e.ID.String(),
		"user_id":      e.UserID.String(),
	})
}

func (p *RedisStreamPublisher) PublishResolved(ctx context.Context, e *models.Emergency) error {
	return p.publish(ctx, p.streams.Resolved, EventResolved, e, map[string]string{
		"emergency_id": e.ID.String(),
		"user_id":      e.UserID.String(),
	})
}

func (p *RedisStreamPublisher) PublishCancelled(ctx context.Context, e *models.Emergency, reason string) error {
	return p.publish(ctx, p.streams.Cancelled, EventCancelled, e, map[string]string{
		"emergency_id": e.ID.String(),
		"user_id":      e.UserID.String(),
		"reason":       reason,
	})
}

func (p *RedisStreamPublisher) PublishAcknowledged(ctx context.Context, ev models.ContactAcknowledgedEvent) error {
	return p.publish(ctx, p.streams.Acknowledged, EventAcknowledged, ev, map[string]string{
		"emergency_id": ev.EmergencyID.String(),
		"contact_id":   ev.ContactID.String(),
	})
}

func (p *RedisStreamPublisher) PublishEscalation(ctx context.Context, ev models.EscalationEvent) error {
	return p.publish(ctx, p.streams.Escalated, EventEscalated, ev, map[string]string{
		"emergency_id": ev.EmergencyID.String(),
		"user_id":      ev.OwnerID.String(),
	})
}

func (p *RedisStreamPublisher) publish(ctx context.Context, stream, eventType string, payload interface{}, fields map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	id, err := commonredis.PublishPayload(ctx, p.client, stream, eventType, data, fields)
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", eventType, stream, err)
	}

	p.logger.Debug("Event published",
		zap.String("stream", stream),
		zap.String("event_type", eventType),
		zap.String("message_id", id),
		zap.String("emergency_id", fields["emergency_id"]),
	)
	return nil
}
