package consumer

import (
	"errors"
	"fmt"
	"time"

	"wisefido-cardio/common/mqtt"
	"wisefido-cardio/internal/config"
	"wisefido-cardio/internal/metrics"
	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/session"

	"go.uber.org/zap"
)

// SessionRouter 会话管理器的接入面
type SessionRouter interface {
	HandleControl(key models.SessionKey, msg models.ControlMessage) error
	HandleChunk(key models.SessionKey, mod models.Modality, data []byte) error
	Touch(key models.SessionKey) error
}

// Subscriber MQTT 订阅能力
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer 通道路由：订阅会话主题，解析地址并分发到会话管理器
type MQTTConsumer struct {
	config   *config.Config
	mqtt     Subscriber
	router   SessionRouter
	lastSeen *LastSeenTracker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	topics []string
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient Subscriber,
	router SessionRouter,
	lastSeen *LastSeenTracker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:   cfg,
		mqtt:     mqttClient,
		router:   router,
		lastSeen: lastSeen,
		metrics:  m,
		logger:   logger,
	}
}

// Start 订阅控制（QoS 1）与数据/心跳（QoS 0）主题
func (c *MQTTConsumer) Start() error {
	root := c.config.Cardio.TopicRoot
	subs := []struct {
		segment string
		qos     byte
	}{
		{SegmentMeta, c.config.MQTT.ControlQoS},
		{string(models.ModalityHeartSound), c.config.MQTT.DataQoS},
		{string(models.ModalityElectrical), c.config.MQTT.DataQoS},
		{SegmentHeartbeat, c.config.MQTT.DataQoS},
	}

	for _, s := range subs {
		topic := SubscriptionTopic(root, s.segment)
		if err := c.mqtt.Subscribe(topic, s.qos, c.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		c.topics = append(c.topics, topic)
		c.logger.Info("Subscribed", zap.String("topic", topic), zap.Uint8("qos", s.qos))
	}

	c.logger.Info("MQTT consumer started", zap.Int("topics", len(c.topics)))
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() {
	if len(c.topics) == 0 {
		return
	}
	if err := c.mqtt.Unsubscribe(c.topics...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.topics = nil
	c.logger.Info("MQTT consumer stopped")
}

// HandleMessage 处理一条入站消息；只做解析与投递，从不等待推理
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	addr, err := ParseTopic(topic)
	if err != nil {
		c.metrics.MessageDropped("unknown", "invalid_topic")
		c.logger.Warn("Dropping message with malformed topic",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return err
	}
	kind := string(addr.Kind)
	c.metrics.MessageReceived(kind)

	// 无论会话结果如何都更新设备 last-seen（异步，不等待 Redis）
	if c.lastSeen != nil {
		c.lastSeen.Observe(addr.Key.TenantID, addr.Key.DeviceID, time.Now())
	}

	switch addr.Kind {
	case KindControl:
		msg, err := ParseControl(payload, addr)
		if err != nil {
			c.drop(addr, "invalid_payload", err)
			return err
		}
		err = c.router.HandleControl(addr.Key, msg)
		if err != nil {
			c.drop(addr, session.DropReason(err), err)
			return err
		}
		c.logger.Debug("Control message dispatched",
			zap.String("session_id", addr.Key.SessionID),
			zap.String("type", string(msg.Type)),
		)
		return nil

	case KindHeartSoundData, KindElectricalData:
		mod, _ := addr.Kind.Modality()
		if err := c.router.HandleChunk(addr.Key, mod, payload); err != nil {
			c.drop(addr, session.DropReason(err), err)
			return err
		}
		return nil

	case KindHeartbeat:
		if err := c.router.Touch(addr.Key); err != nil && !errors.Is(err, session.ErrUnknownSession) {
			c.drop(addr, session.DropReason(err), err)
			return err
		}
		return nil
	}
	return nil
}

func (c *MQTTConsumer) drop(addr Address, reason string, err error) {
	c.metrics.MessageDropped(string(addr.Kind), reason)
	fields := []zap.Field{
		zap.String("tenant_id", addr.Key.TenantID),
		zap.String("device_id", addr.Key.DeviceID),
		zap.String("session_id", addr.Key.SessionID),
		zap.String("kind", string(addr.Kind)),
		zap.String("reason", reason),
		zap.Error(err),
	}
	// 数据通道的丢弃量可能很大，降级到 Debug
	if addr.Kind == KindControl {
		c.logger.Warn("Dropping message", fields...)
		return
	}
	c.logger.Debug("Dropping message", fields...)
}
