package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisPresenceStore shares sessions between instances: one sorted set per
// stream, member = viewer token, score = last-seen unix millis. Each mutation
// and the following ZCARD run in one MULTI block.
type RedisPresenceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPresenceStore(client redis.UniversalClient) ports.PresenceStore {
	return &RedisPresenceStore{
		client: client,
		prefix: keyPrefix + "presence:",
	}
}

func (s *RedisPresenceStore) key(id domain.StreamID) string {
	return s.prefix + string(id)
}

func (s *RedisPresenceStore) Touch(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken, now time.Time) (bool, int, error) {
	key := s.key(streamID)
	var (
		added *redis.IntCmd
		card  *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: string(token)})
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to touch viewer session: %w", err)
	}
	return added.Val() > 0, int(card.Val()), nil
}

func (s *RedisPresenceStore) Remove(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (bool, int, error) {
	key := s.key(streamID)
	var (
		removed *redis.IntCmd
		card    *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, key, string(token))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to remove viewer session: %w", err)
	}
	return removed.Val() > 0, int(card.Val()), nil
}

func (s *RedisPresenceStore) Reap(ctx context.Context, streamID domain.StreamID, cutoff time.Time) (int, int, error) {
	key := s.key(streamID)
	var (
		removed *redis.IntCmd
		card    *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reap viewer sessions: %w", err)
	}
	return int(removed.Val()), int(card.Val()), nil
}

func (s *RedisPresenceStore) Count(ctx context.Context, streamID domain.StreamID) (int, error) {
	n, err := s.client.ZCard(ctx, s.key(streamID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count viewer sessions: %w", err)
	}
	return int(n), nil
}

func (s *RedisPresenceStore) Clear(ctx context.Context, streamID domain.StreamID) error {
	return s.client.Del(ctx, s.key(streamID)).Err()
}
