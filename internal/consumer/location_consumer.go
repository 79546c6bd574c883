package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediscommon "sos-emergency/common/redis"
	"sos-emergency/internal/apperr"
	"sos-emergency/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocationUpdater 位置更新入口（service.EmergencyService 实现）
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, id uuid.UUID, loc models.Location) error
}

// LocationConsumer 消费 location-updated stream
type LocationConsumer struct {
	redisClient *redis.Client
	service     LocationUpdater
	stream      string
	group       string
	consumer    string
	batchSize   int64
	block       time.Duration
	logger      *zap.Logger
}

// NewLocationConsumer 创建位置流消费者
func NewLocationConsumer(redisClient *redis.Client, svc LocationUpdater, stream, group, consumer string, logger *zap.Logger) *LocationConsumer {
	return &LocationConsumer{
		redisClient: redisClient,
		service:     svc,
		stream:      stream,
		group:       group,
		consumer:    consumer,
		batchSize:   50,
		block:       2 * time.Second,
		logger:      logger,
	}
}

// Start 创建消费者组并阻塞消费，直到 ctx 取消
func (c *LocationConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.group); err != nil {
		return err
	}

	c.logger.Info("Location consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.group),
		zap.String("consumer_name", c.consumer),
	)

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume location stream",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = time.Second
	}
}

// consumeOnce 读取一批消息并处理，返回已确认的条数
func (c *LocationConsumer) consumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.stream, c.group, c.consumer, c.batchSize, c.block)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream %s: %w", c.stream, err)
	}

	var acked []string
	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			if apperr.Is(err, apperr.KindTransientInfra) {
				// 不确认，留在 pending 列表等待重投
				c.logger.Warn("Location update deferred",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				continue
			}
			c.logger.Warn("Location update dropped",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		acked = append(acked, msg.ID)
	}

	if err := rediscommon.Ack(ctx, c.redisClient, c.stream, c.group, acked...); err != nil {
		return 0, fmt.Errorf("failed to ack location messages: %w", err)
	}
	return len(acked), nil
}

// processMessage 解析 data 字段并更新事件位置
func (c *LocationConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	data := msg.Field("data")
	if data == "" {
		return fmt.Errorf("message %s has no data field", msg.ID)
	}

	var update models.LocationUpdate
	if err := json.Unmarshal([]byte(data), &update); err != nil {
		return fmt.Errorf("failed to unmarshal location update: %w", err)
	}
	if update.EmergencyID == uuid.Nil {
		return fmt.Errorf("message %s has no emergency_id", msg.ID)
	}
	if update.Location.Timestamp.IsZero() {
		update.Location.Timestamp = time.Now()
	}

	if err := c.service.UpdateLocation(ctx, update.EmergencyID, update.Location); err != nil {
		return err
	}

	c.logger.Debug("Emergency location updated",
		zap.String("emergency_id", update.EmergencyID.String()),
		zap.Float64("latitude", update.Location.Latitude),
		zap.Float64("longitude", update.Location.Longitude),
	)
	return nil
}
