package redis

import (
	"context"
	"fmt"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisChatRepository keeps each stream's log in a sorted set scored by a
// per-stream sequence. Sequence allocation and the insert run in one script,
// so a lower seq is never written after a higher one. The member JSON omits
// seq; readers take it from the score.
type RedisChatRepository struct {
	client redis.UniversalClient
	prefix string
	retain int64
}

// KEYS[1] seq counter, KEYS[2] log. ARGV[1] member, ARGV[2] retain (0 keeps all).
var appendScript = redis.NewScript(`
local seq = redis.call("incr", KEYS[1])
redis.call("zadd", KEYS[2], seq, ARGV[1])
local retain = tonumber(ARGV[2])
if retain > 0 then
	redis.call("zremrangebyrank", KEYS[2], 0, -retain - 1)
end
return seq
`)

func NewRedisChatRepository(client redis.UniversalClient, retain int) ports.ChatRepository {
	return &RedisChatRepository{
		client: client,
		prefix: keyPrefix + "chat:",
		retain: int64(retain),
	}
}

func (r *RedisChatRepository) logKey(id domain.StreamID) string {
	return r.prefix + string(id) + ":log"
}

func (r *RedisChatRepository) seqKey(id domain.StreamID) string {
	return r.prefix + string(id) + ":seq"
}

func (r *RedisChatRepository) Append(ctx context.Context, msg *domain.ChatMessage) error {
	member := *msg
	member.Seq = 0
	data, err := json.Marshal(&member)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}

	keys := []string{r.seqKey(msg.StreamID), r.logKey(msg.StreamID)}
	seq, err := appendScript.Run(ctx, r.client, keys, data, r.retain).Int64()
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	msg.Seq = seq
	return nil
}

func (r *RedisChatRepository) Recent(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 {
		return []*domain.ChatMessage{}, nil
	}

	raw, err := r.client.ZRevRangeWithScores(ctx, r.logKey(streamID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat history: %w", err)
	}

	out := make([]*domain.ChatMessage, len(raw))
	for i, z := range raw {
		item, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected chat log member %T", z.Member)
		}
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat message: %w", err)
		}
		msg.Seq = int64(z.Score)
		out[len(raw)-1-i] = &msg
	}
	return out, nil
}

func (r *RedisChatRepository) DeleteByStream(ctx context.Context, streamID domain.StreamID) error {
	return r.client.Del(ctx, r.logKey(streamID), r.seqKey(streamID)).Err()
}
