package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss key 不存在或已过期
var ErrCacheMiss = errors.New("cache miss")

// KVStore 带 TTL 的字符串 KV；测试中可用 miniredis 或内存实现替换
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// KVOption RedisKVStore 配置项
type KVOption func(*RedisKVStore)

// WithOpTimeout 单次操作超时，调用方 ctx 更短时以调用方为准
func WithOpTimeout(d time.Duration) KVOption {
	return func(s *RedisKVStore) { s.opTimeout = d }
}

// RedisKVStore go-redis 实现
type RedisKVStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

func NewRedisKVStore(client *redis.Client, opts ...KVOption) *RedisKVStore {
	s := &RedisKVStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisKVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set ttl 为 0 时不过期
func (s *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// GetJSON 读取并解码 JSON 值
func GetJSON(ctx context.Context, kv KVStore, key string, out any) error {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
