package memory

import (
	"context"
	"sync"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
)

type presenceShard struct {
	mu       sync.Mutex
	sessions map[domain.ViewerToken]*domain.ViewerSession
}

// MemoryPresenceStore partitions sessions by stream; unrelated streams never
// contend on the same lock.
type MemoryPresenceStore struct {
	mu     sync.RWMutex
	shards map[domain.StreamID]*presenceShard
}

func NewMemoryPresenceStore() ports.PresenceStore {
	return &MemoryPresenceStore{
		shards: make(map[domain.StreamID]*presenceShard),
	}
}

func (s *MemoryPresenceStore) shard(streamID domain.StreamID, create bool) *presenceShard {
	s.mu.RLock()
	sh, ok := s.shards[streamID]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[streamID]; !ok {
		sh = &presenceShard{sessions: make(map[domain.ViewerToken]*domain.ViewerSession)}
		s.shards[streamID] = sh
	}
	return sh
}

func (s *MemoryPresenceStore) Touch(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken, now time.Time) (bool, int, error) {
	sh := s.shard(streamID, true)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sess, ok := sh.sessions[token]; ok {
		sess.LastSeen = now
		return false, len(sh.sessions), nil
	}
	sh.sessions[token] = &domain.ViewerSession{
		StreamID: streamID,
		Token:    token,
		JoinedAt: now,
		LastSeen: now,
	}
	return true, len(sh.sessions), nil
}

func (s *MemoryPresenceStore) Remove(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (bool, int, error) {
	sh := s.shard(streamID, false)
	if sh == nil {
		return false, 0, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[token]; !ok {
		return false, len(sh.sessions), nil
	}
	delete(sh.sessions, token)
	return true, len(sh.sessions), nil
}

func (s *MemoryPresenceStore) Reap(ctx context.Context, streamID domain.StreamID, cutoff time.Time) (int, int, error) {
	sh := s.shard(streamID, false)
	if sh == nil {
		return 0, 0, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	removed := 0
	for token, sess := range sh.sessions {
		if sess.StaleAt(cutoff) {
			delete(sh.sessions, token)
			removed++
		}
	}
	return removed, len(sh.sessions), nil
}

func (s *MemoryPresenceStore) Count(ctx context.Context, streamID domain.StreamID) (int, error) {
	sh := s.shard(streamID, false)
	if sh == nil {
		return 0, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.sessions), nil
}

func (s *MemoryPresenceStore) Clear(ctx context.Context, streamID domain.StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shards, streamID)
	return nil
}
