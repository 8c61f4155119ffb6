package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisStreamRepository stores each stream as JSON and keeps one set per
// lifecycle state as an index. State changes run under WATCH so they are
// compare-and-set across instances.
type RedisStreamRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStreamRepository(client redis.UniversalClient) ports.StreamRepository {
	return &RedisStreamRepository{
		client: client,
		prefix: keyPrefix + "stream:",
	}
}

func (r *RedisStreamRepository) streamKey(id domain.StreamID) string {
	return r.prefix + string(id)
}

func (r *RedisStreamRepository) stateKey(state domain.StreamState) string {
	return r.prefix + "state:" + string(state)
}

func (r *RedisStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.streamKey(stream.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set stream in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("stream already exists: %s", stream.ID)
	}

	if err := r.client.SAdd(ctx, r.stateKey(stream.State), string(stream.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index stream state: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	return r.get(ctx, r.client, id)
}

func (r *RedisStreamRepository) get(ctx context.Context, c redis.Cmdable, id domain.StreamID) (*domain.Stream, error) {
	data, err := c.Get(ctx, r.streamKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var stream domain.Stream
	if err := json.Unmarshal(data, &stream); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return &stream, nil
}

// mutate reads the stream under WATCH, applies fn and writes it back in a
// MULTI block, retrying when another writer touched the key.
func (r *RedisStreamRepository) mutate(ctx context.Context, id domain.StreamID, fn func(*domain.Stream) (prevState domain.StreamState, err error)) (*domain.Stream, error) {
	key := r.streamKey(id)
	var result *domain.Stream

	txf := func(tx *redis.Tx) error {
		stream, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		prev, err := fn(stream)
		if err != nil {
			return err
		}
		data, err := json.Marshal(stream)
		if err != nil {
			return fmt.Errorf("failed to marshal stream: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if prev != stream.State {
				pipe.SRem(ctx, r.stateKey(prev), string(id))
				pipe.SAdd(ctx, r.stateKey(stream.State), string(id))
			}
			return nil
		})
		if err == nil {
			result = stream
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return nil, domain.ErrStateConflict
}

func (r *RedisStreamRepository) UpdatePresentation(ctx context.Context, stream *domain.Stream) error {
	_, err := r.mutate(ctx, stream.ID, func(stored *domain.Stream) (domain.StreamState, error) {
		stored.Title = stream.Title
		stored.Description = stream.Description
		stored.Category = stream.Category
		stored.ThumbnailRef = stream.ThumbnailRef
		return stored.State, nil
	})
	return err
}

func (r *RedisStreamRepository) TransitionState(ctx context.Context, id domain.StreamID, from, to domain.StreamState, at time.Time) (*domain.Stream, error) {
	return r.mutate(ctx, id, func(stored *domain.Stream) (domain.StreamState, error) {
		if stored.State != from {
			return stored.State, domain.ErrStateConflict
		}
		stored.State = to
		switch to {
		case domain.StateLive:
			stored.LiveAt = &at
		case domain.StateEnded:
			stored.EndedAt = &at
		}
		return from, nil
	})
}

func (r *RedisStreamRepository) RaisePeak(ctx context.Context, id domain.StreamID, peak int) error {
	_, err := r.mutate(ctx, id, func(stored *domain.Stream) (domain.StreamState, error) {
		if peak > stored.PeakViewers {
			stored.PeakViewers = peak
		}
		return stored.State, nil
	})
	return err
}

func (r *RedisStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	n, err := r.client.Del(ctx, r.streamKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete stream from Redis: %w", err)
	}
	if n == 0 {
		return domain.ErrStreamNotFound
	}

	pipe := r.client.Pipeline()
	for _, state := range []domain.StreamState{domain.StateCreated, domain.StateLive, domain.StateEnded} {
		pipe.SRem(ctx, r.stateKey(state), string(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove stream from state index: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) ListByState(ctx context.Context, state domain.StreamState) ([]*domain.Stream, error) {
	ids, err := r.client.SMembers(ctx, r.stateKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s streams from Redis: %w", state, err)
	}

	streams := make([]*domain.Stream, 0, len(ids))
	for _, id := range ids {
		stream, err := r.GetByID(ctx, domain.StreamID(id))
		if errors.Is(err, domain.ErrStreamNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index can briefly lag a transition made by another instance.
		if stream.State == state {
			streams = append(streams, stream)
		}
	}

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].CreatedAt.After(streams[j].CreatedAt)
	})
	return streams, nil
}
