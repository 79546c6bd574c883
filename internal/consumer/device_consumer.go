package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqttcommon "sos-emergency/common/mqtt"
	"sos-emergency/internal/apperr"
	"sos-emergency/internal/models"
	"sos-emergency/internal/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 设备上报的事件类型
const (
	DeviceEventFallDetected = "FALL_DETECTED"
	DeviceEventSOSButton    = "SOS_BUTTON"
	DeviceEventDeviceAlert  = "DEVICE_ALERT"
)

// Subscriber MQTT 订阅（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// AutoTriggerer 设备触发入口（service.EmergencyService 实现）
type AutoTriggerer interface {
	AutoTrigger(ctx context.Context, req service.AutoTriggerRequest) (*models.Emergency, error)
}

// DevicePayload 设备事件消息体
type DevicePayload struct {
	OwnerID          uuid.UUID       `json:"owner_id"`
	EventType        string          `json:"event_type"`
	Location         models.Location `json:"location"`
	Message          *string         `json:"message,omitempty"`
	CountdownSeconds *int            `json:"countdown_seconds,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// DeviceConsumer 订阅 sos/{device_id}/event，将设备事件转为自动触发
type DeviceConsumer struct {
	subscriber Subscriber
	service    AutoTriggerer
	topic      string
	qos        byte
	timeout    time.Duration
	logger     *zap.Logger
}

// NewDeviceConsumer 创建设备事件消费者
func NewDeviceConsumer(subscriber Subscriber, svc AutoTriggerer, topic string, qos byte, logger *zap.Logger) *DeviceConsumer {
	return &DeviceConsumer{
		subscriber: subscriber,
		service:    svc,
		topic:      topic,
		qos:        qos,
		timeout:    10 * time.Second,
		logger:     logger,
	}
}

// Start 订阅设备主题
func (c *DeviceConsumer) Start() error {
	if err := c.subscriber.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to device topic: %w", err)
	}
	c.logger.Info("Device consumer started", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *DeviceConsumer) Stop() {
	if err := c.subscriber.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.String("topic", c.topic), zap.Error(err))
	}
	c.logger.Info("Device consumer stopped")
}

// handleMessage 处理单条设备消息
// 主题格式: sos/{device_id}/event
func (c *DeviceConsumer) handleMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" {
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	deviceID := parts[1]

	var p DevicePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal device event from %s: %w", deviceID, err)
	}

	req, err := toAutoTriggerRequest(deviceID, p)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	e, err := c.service.AutoTrigger(ctx, req)
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			c.logger.Info("Device event ignored, owner already has an open emergency",
				zap.String("device_id", deviceID),
				zap.String("owner_id", p.OwnerID.String()),
			)
			return nil
		}
		return fmt.Errorf("auto trigger from device %s: %w", deviceID, err)
	}

	c.logger.Info("Device event triggered emergency",
		zap.String("device_id", deviceID),
		zap.String("event_type", p.EventType),
		zap.String("emergency_id", e.ID.String()),
	)
	return nil
}

func toAutoTriggerRequest(deviceID string, p DevicePayload) (service.AutoTriggerRequest, error) {
	req := service.AutoTriggerRequest{
		UserID:           p.OwnerID,
		DeviceID:         deviceID,
		Location:         p.Location,
		Message:          p.Message,
		CountdownSeconds: p.CountdownSeconds,
		Metadata:         p.Metadata,
	}
	switch strings.ToUpper(strings.TrimSpace(p.EventType)) {
	case DeviceEventFallDetected, "":
		req.EmergencyType = models.EmergencyTypeFallDetected
	case DeviceEventSOSButton:
		// 按键求救不倒计时
		req.EmergencyType = models.EmergencyTypeGeneral
		if req.CountdownSeconds == nil {
			zero := 0
			req.CountdownSeconds = &zero
		}
	case DeviceEventDeviceAlert:
		req.EmergencyType = models.EmergencyTypeDeviceAlert
	default:
		return req, fmt.Errorf("unsupported device event type %q", p.EventType)
	}
	return req, nil
}
