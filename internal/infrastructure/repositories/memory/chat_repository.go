package memory

import (
	"context"
	"sync"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
)

type chatLog struct {
	mu       sync.RWMutex
	messages []*domain.ChatMessage
	nextSeq  int64
}

// MemoryChatRepository keeps one append-only log per stream, each with its
// own lock.
type MemoryChatRepository struct {
	mu   sync.RWMutex
	logs map[domain.StreamID]*chatLog
	// retain bounds each log; older messages are dropped. Zero keeps all.
	retain int
}

func NewMemoryChatRepository(retain int) ports.ChatRepository {
	return &MemoryChatRepository{
		logs:   make(map[domain.StreamID]*chatLog),
		retain: retain,
	}
}

func (r *MemoryChatRepository) log(streamID domain.StreamID, create bool) *chatLog {
	r.mu.RLock()
	l, ok := r.logs[streamID]
	r.mu.RUnlock()
	if ok || !create {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.logs[streamID]; !ok {
		l = &chatLog{}
		r.logs[streamID] = l
	}
	return l
}

func (r *MemoryChatRepository) Append(ctx context.Context, msg *domain.ChatMessage) error {
	l := r.log(msg.StreamID, true)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	msg.Seq = l.nextSeq
	stored := *msg
	l.messages = append(l.messages, &stored)

	if r.retain > 0 && len(l.messages) > r.retain {
		l.messages = append([]*domain.ChatMessage(nil), l.messages[len(l.messages)-r.retain:]...)
	}
	return nil
}

func (r *MemoryChatRepository) Recent(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error) {
	l := r.log(streamID, false)
	if l == nil || limit <= 0 {
		return []*domain.ChatMessage{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]*domain.ChatMessage, 0, len(l.messages)-start)
	for _, m := range l.messages[start:] {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemoryChatRepository) DeleteByStream(ctx context.Context, streamID domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.logs, streamID)
	return nil
}
