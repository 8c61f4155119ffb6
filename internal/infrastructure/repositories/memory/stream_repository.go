package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
)

// MemoryStreamRepository keeps streams in a map plus a per-state index so the
// reconciler's ListByState(Live) does not walk ended streams.
type MemoryStreamRepository struct {
	mu      sync.RWMutex
	streams map[domain.StreamID]*domain.Stream
	byState map[domain.StreamState]map[domain.StreamID]struct{}
}

func NewMemoryStreamRepository() ports.StreamRepository {
	return &MemoryStreamRepository{
		streams: make(map[domain.StreamID]*domain.Stream),
		byState: make(map[domain.StreamState]map[domain.StreamID]struct{}),
	}
}

func (r *MemoryStreamRepository) Create(_ context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.streams[stream.ID]; dup {
		return fmt.Errorf("create stream %s: id already taken", stream.ID)
	}
	r.streams[stream.ID] = stream.Clone()
	r.index(stream.ID, stream.State)
	return nil
}

func (r *MemoryStreamRepository) GetByID(_ context.Context, id domain.StreamID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (r *MemoryStreamRepository) UpdatePresentation(_ context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.lookup(stream.ID)
	if err != nil {
		return err
	}
	stored.Title = stream.Title
	stored.Description = stream.Description
	stored.Category = stream.Category
	stored.ThumbnailRef = stream.ThumbnailRef
	return nil
}

func (r *MemoryStreamRepository) TransitionState(_ context.Context, id domain.StreamID, from, to domain.StreamState, at time.Time) (*domain.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if stored.State != from {
		return nil, domain.ErrStateConflict
	}

	r.unindex(id, from)
	stored.State = to
	r.index(id, to)
	switch to {
	case domain.StateLive:
		stored.LiveAt = &at
	case domain.StateEnded:
		stored.EndedAt = &at
	}
	return stored.Clone(), nil
}

func (r *MemoryStreamRepository) RaisePeak(_ context.Context, id domain.StreamID, peak int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.lookup(id)
	if err != nil {
		return err
	}
	stored.PeakViewers = max(stored.PeakViewers, peak)
	return nil
}

func (r *MemoryStreamRepository) Delete(_ context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.lookup(id)
	if err != nil {
		return err
	}
	r.unindex(id, stored.State)
	delete(r.streams, id)
	return nil
}

// ListByState returns matching streams newest first.
func (r *MemoryStreamRepository) ListByState(_ context.Context, state domain.StreamState) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byState[state]
	out := make([]*domain.Stream, 0, len(ids))
	for id := range ids {
		out = append(out, r.streams[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryStreamRepository) lookup(id domain.StreamID) (*domain.Stream, error) {
	stored, ok := r.streams[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return stored, nil
}

func (r *MemoryStreamRepository) index(id domain.StreamID, state domain.StreamState) {
	set, ok := r.byState[state]
	if !ok {
		set = make(map[domain.StreamID]struct{})
		r.byState[state] = set
	}
	set[id] = struct{}{}
}

func (r *MemoryStreamRepository) unindex(id domain.StreamID, state domain.StreamState) {
	delete(r.byState[state], id)
}
