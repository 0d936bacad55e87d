package consumer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	rediscommon "wisefido-cardio/common/redis"

	"go.uber.org/zap"
)

const (
	lastSeenQueueSize    = 1024
	lastSeenWriteTimeout = 500 * time.Millisecond
	lastSeenMaxEntries   = 10000
)

type lastSeenUpdate struct {
	key string
	at  time.Time
}

// LastSeenTracker 设备最后在线时间（Redis）
// Observe 只做节流与入队，写 Redis 在后台 goroutine 中完成，接入路径从不等待 Redis
type LastSeenTracker struct {
	kv          rediscommon.KVStore
	ttl         time.Duration
	minInterval time.Duration
	logger      *zap.Logger

	updates chan lastSeenUpdate
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu      sync.Mutex
	written map[string]time.Time
	dropped int64 // 队列满丢弃的更新数
}

// NewLastSeenTracker 同一设备在 minInterval 内只写一次
func NewLastSeenTracker(kv rediscommon.KVStore, ttl, minInterval time.Duration, logger *zap.Logger) *LastSeenTracker {
	return &LastSeenTracker{
		kv:          kv,
		ttl:         ttl,
		minInterval: minInterval,
		logger:      logger,
		updates:     make(chan lastSeenUpdate, lastSeenQueueSize),
		stop:        make(chan struct{}),
		written:     make(map[string]time.Time),
	}
}

func lastSeenKey(tenantID, deviceID string) string {
	return fmt.Sprintf("cardio:device:last_seen:%s:%s", tenantID, deviceID)
}

// Start 启动后台写入
func (t *LastSeenTracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case u := <-t.updates:
				t.write(u)
			case <-t.stop:
				t.drain()
				return
			}
		}
	}()
}

// Stop 写完队列中剩余的更新后返回
func (t *LastSeenTracker) Stop() {
	t.once.Do(func() { close(t.stop) })
	t.wg.Wait()
}

func (t *LastSeenTracker) drain() {
	for {
		select {
		case u := <-t.updates:
			t.write(u)
		default:
			return
		}
	}
}

// Observe 记录设备在 at 时刻出现过；节流命中或队列已满时返回 false
// 节流时间戳在入队时即记下，Redis 写失败也不会清除，慢 Redis 不会让每条消息都重试
func (t *LastSeenTracker) Observe(tenantID, deviceID string, at time.Time) bool {
	key := lastSeenKey(tenantID, deviceID)

	t.mu.Lock()
	if prev, ok := t.written[key]; ok && at.Sub(prev) < t.minInterval {
		t.mu.Unlock()
		return false
	}
	t.written[key] = at
	if len(t.written) > lastSeenMaxEntries {
		for k, v := range t.written {
			if at.Sub(v) > t.minInterval {
				delete(t.written, k)
			}
		}
	}
	t.mu.Unlock()

	select {
	case t.updates <- lastSeenUpdate{key: key, at: at}:
		return true
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		return false
	}
}

func (t *LastSeenTracker) write(u lastSeenUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), lastSeenWriteTimeout)
	defer cancel()
	if err := t.kv.Set(ctx, u.key, strconv.FormatInt(u.at.UnixMilli(), 10), t.ttl); err != nil {
		t.logger.Warn("Failed to update device last seen", zap.String("key", u.key), zap.Error(err))
	}
}

// LastSeen 查询设备最后在线时间，未知设备返回 ErrCacheMiss
func (t *LastSeenTracker) LastSeen(ctx context.Context, tenantID, deviceID string) (time.Time, error) {
	val, err := t.kv.Get(ctx, lastSeenKey(tenantID, deviceID))
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last seen value %q: %w", val, err)
	}
	return time.UnixMilli(ms), nil
}
