package telemetry

import (
	"context"
	"fmt"
	"time"

	rediscommon "wisefido-cardio/common/redis"
	"wisefido-cardio/internal/consumer"
	"wisefido-cardio/internal/models"

	"github.com/go-redis/redis/v8"
)

// Sink 遥测输出端；Publish 失败只记录日志和计数，不影响其它输出端
type Sink interface {
	Name() string
	Publish(ctx context.Context, m *models.LiveMetric, payload []byte) error
}

// MQTTPublisher MQTT 发布接口（common/mqtt.Client 实现）
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte, timeout time.Duration) error
}

// MQTTSink 发布到 {root}/{tenant}/{device}/session/{session}/live，QoS 0
type MQTTSink struct {
	client  MQTTPublisher
	root    string
	timeout time.Duration
}

// NewMQTTSink 创建 MQTT 输出端
func NewMQTTSink(client MQTTPublisher, topicRoot string, timeout time.Duration) *MQTTSink {
	return &MQTTSink{client: client, root: topicRoot, timeout: timeout}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(_ context.Context, m *models.LiveMetric, payload []byte) error {
	return s.client.Publish(consumer.SessionTopic(s.root, m.Key, consumer.SegmentLive), 0, false, payload, s.timeout)
}

// LiveCacheKey 最新快照缓存键
func LiveCacheKey(tenantID, sessionID string) string {
	return fmt.Sprintf("cardio:live:%s:%s", tenantID, sessionID)
}

// CacheSink 最新快照写入 KV，短 TTL
type CacheSink struct {
	kv  rediscommon.KVStore
	ttl time.Duration
}

// NewCacheSink 创建缓存输出端
func NewCacheSink(kv rediscommon.KVStore, ttl time.Duration) *CacheSink {
	return &CacheSink{kv: kv, ttl: ttl}
}

func (s *CacheSink) Name() string { return "redis_cache" }

func (s *CacheSink) Publish(ctx context.Context, m *models.LiveMetric, payload []byte) error {
	return s.kv.Set(ctx, LiveCacheKey(m.Key.TenantID, m.Key.SessionID), string(payload), s.ttl)
}

// Latest 读取缓存中的最新快照；不存在时返回 rediscommon.ErrCacheMiss
func (s *CacheSink) Latest(ctx context.Context, tenantID, sessionID string) (*models.LiveMetric, error) {
	var m models.LiveMetric
	if err := rediscommon.GetJSON(ctx, s.kv, LiveCacheKey(tenantID, sessionID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// StreamSink 追加写 Redis Stream（XADD MAXLEN ~），不含波形
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink 创建 Stream 输出端
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis_stream" }

func (s *StreamSink) Publish(ctx context.Context, m *models.LiveMetric, _ []byte) error {
	_, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, s.maxLen, withoutWaveform(m))
	return err
}

// TelemetryStore 遥测落库接口
type TelemetryStore interface {
	InsertTelemetry(ctx context.Context, m *models.LiveMetric) error
}

// RepositorySink 遥测快照写入 Postgres
type RepositorySink struct {
	store TelemetryStore
}

// NewRepositorySink 创建数据库输出端
func NewRepositorySink(store TelemetryStore) *RepositorySink {
	return &RepositorySink{store: store}
}

func (s *RepositorySink) Name() string { return "postgres" }

func (s *RepositorySink) Publish(ctx context.Context, m *models.LiveMetric, _ []byte) error {
	return s.store.InsertTelemetry(ctx, m)
}

func withoutWaveform(m *models.LiveMetric) *models.LiveMetric {
	out := &models.LiveMetric{Key: m.Key, Timestamp: m.Timestamp, Modalities: make(map[models.Modality]models.ModalityLive, len(m.Modalities))}
	for mod, live := range m.Modalities {
		live.Waveform = nil
		out.Modalities[mod] = live
	}
	return out
}
