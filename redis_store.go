package shield

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore shares the detection windows and block list across
// instances. Windows use INCR with an expiry set on the first hit, so the
// fixed-window semantics match the in-memory store; blocks are JSON values
// that Redis expires on its own.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "shield"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (s *RedisCounterStore) windowKey(key string) string { return s.prefix + ":win:" + key }
func (s *RedisCounterStore) blockKey(key string) string  { return s.prefix + ":block:" + key }

func (s *RedisCounterStore) ConsumeWindow(key string, window time.Duration) (int, time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rk := s.windowKey(key)
	count, err := s.client.Incr(ctx, rk).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment window %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, rk, window).Err(); err != nil {
			return int(count), time.Now(), err
		}
	}
	first, err := s.windowStart(ctx, rk, window)
	if err != nil {
		first = time.Now()
	}
	return int(count), first, nil
}

func (s *RedisCounterStore) GetWindow(key string) (int, time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rk := s.windowKey(key)
	count, err := s.client.Get(ctx, rk).Int()
	if err == redis.Nil {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	ttl, err := s.client.PTTL(ctx, rk).Result()
	if err != nil || ttl < 0 {
		return count, time.Now(), nil
	}
	return count, time.Now().Add(ttl), nil
}

// windowStart derives the window's opening timestamp from the remaining TTL.
func (s *RedisCounterStore) windowStart(ctx context.Context, rk string, window time.Duration) (time.Time, error) {
	ttl, err := s.client.PTTL(ctx, rk).Result()
	if err != nil || ttl < 0 {
		return time.Now(), err
	}
	return time.Now().Add(ttl - window), nil
}

func (s *RedisCounterStore) ResetWindow(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Del(ctx, s.windowKey(key)).Err()
}

func (s *RedisCounterStore) SetBlock(key string, block *BlockInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	var ttl time.Duration
	if !block.Permanent {
		ttl = time.Until(block.Until)
		if ttl <= 0 {
			return nil
		}
	}
	return s.client.Set(ctx, s.blockKey(key), data, ttl).Err()
}

func (s *RedisCounterStore) GetBlock(key string) (*BlockInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := s.client.Get(ctx, s.blockKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var block BlockInfo
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("failed to decode block %s: %w", key, err)
	}
	if block.Expired(time.Now()) {
		return nil, nil
	}
	return &block, nil
}

func (s *RedisCounterStore) DeleteBlock(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Del(ctx, s.blockKey(key)).Err()
}

// Cleanup is a no-op: Redis expires windows and blocks on its own TTLs.
func (s *RedisCounterStore) Cleanup(time.Duration) {}

func (s *RedisCounterStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
