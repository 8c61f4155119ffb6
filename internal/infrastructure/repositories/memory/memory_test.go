package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStream(id string) *domain.Stream {
	return &domain.Stream{
		ID:        domain.StreamID(id),
		OwnerID:   "owner",
		Title:     "title",
		State:     domain.StateCreated,
		CreatedAt: time.Now(),
	}
}

func TestStreamRepository_TransitionState(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStreamRepository()
	require.NoError(t, repo.Create(ctx, newStream("s1")))

	at := time.Unix(100, 0)
	s, err := repo.TransitionState(ctx, "s1", domain.StateCreated, domain.StateLive, at)
	require.NoError(t, err)
	assert.Equal(t, domain.StateLive, s.State)
	require.NotNil(t, s.LiveAt)
	assert.True(t, s.LiveAt.Equal(at))

	_, err = repo.TransitionState(ctx, "s1", domain.StateCreated, domain.StateLive, at)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	_, err = repo.TransitionState(ctx, "missing", domain.StateCreated, domain.StateLive, at)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestStreamRepository_ConcurrentEndHasOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStreamRepository()
	require.NoError(t, repo.Create(ctx, newStream("s1")))
	_, err := repo.TransitionState(ctx, "s1", domain.StateCreated, domain.StateLive, time.Now())
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.TransitionState(ctx, "s1", domain.StateLive, domain.StateEnded, time.Now()); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestStreamRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStreamRepository()
	require.NoError(t, repo.Create(ctx, newStream("s1")))

	s, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	s.State = domain.StateEnded

	again, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, again.State)
}

func TestStreamRepository_RaisePeakNeverLowers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStreamRepository()
	require.NoError(t, repo.Create(ctx, newStream("s1")))

	require.NoError(t, repo.RaisePeak(ctx, "s1", 5))
	require.NoError(t, repo.RaisePeak(ctx, "s1", 3))

	s, _ := repo.GetByID(ctx, "s1")
	assert.Equal(t, 5, s.PeakViewers)
}

func TestStreamRepository_ListByState(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStreamRepository()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newStream(fmt.Sprintf("s%d", i))))
	}
	_, err := repo.TransitionState(ctx, "s1", domain.StateCreated, domain.StateLive, time.Now())
	require.NoError(t, err)

	live, err := repo.ListByState(ctx, domain.StateLive)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, domain.StreamID("s1"), live[0].ID)

	_, err = repo.TransitionState(ctx, "s1", domain.StateLive, domain.StateEnded, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, "s0"))

	live, err = repo.ListByState(ctx, domain.StateLive)
	require.NoError(t, err)
	assert.Empty(t, live)
	created, err := repo.ListByState(ctx, domain.StateCreated)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, domain.StreamID("s2"), created[0].ID)
	ended, err := repo.ListByState(ctx, domain.StateEnded)
	require.NoError(t, err)
	assert.Len(t, ended, 1)
}

func TestChatRepository_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChatRepository(0)

	for i := 1; i <= 5; i++ {
		msg := &domain.ChatMessage{ID: domain.MessageID(fmt.Sprint(i)), StreamID: "s1", Body: fmt.Sprintf("m%d", i)}
		require.NoError(t, repo.Append(ctx, msg))
		assert.Equal(t, int64(i), msg.Seq)
	}
	require.NoError(t, repo.Append(ctx, &domain.ChatMessage{StreamID: "s2", Body: "other"}))

	recent, err := repo.Recent(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "m3", recent[0].Body)
	assert.Equal(t, "m5", recent[2].Body)

	empty, err := repo.Recent(ctx, "nope", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChatRepository_Retain(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChatRepository(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, &domain.ChatMessage{StreamID: "s1", Body: fmt.Sprint(i)}))
	}
	recent, _ := repo.Recent(ctx, "s1", 10)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].Body)
	assert.Equal(t, int64(5), recent[1].Seq)
}

func TestPresenceStore_TouchRemoveReap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPresenceStore()
	t0 := time.Unix(1000, 0)

	created, count, err := store.Touch(ctx, "s1", "a", t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, count)

	created, count, _ = store.Touch(ctx, "s1", "a", t0.Add(time.Second))
	assert.False(t, created)
	assert.Equal(t, 1, count)

	_, count, _ = store.Touch(ctx, "s1", "b", t0)
	assert.Equal(t, 2, count)

	removed, count, _ := store.Remove(ctx, "s1", "missing")
	assert.False(t, removed)
	assert.Equal(t, 2, count)

	// A session seen exactly at the cutoff survives.
	n, count, _ := store.Reap(ctx, "s1", t0)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, count)

	n, count, _ = store.Reap(ctx, "s1", t0.Add(500*time.Millisecond))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, count)

	removed, count, _ = store.Remove(ctx, "s1", "a")
	assert.True(t, removed)
	assert.Equal(t, 0, count)
}
