package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/internal/infrastructure/eventbus"
	"streamcore/internal/infrastructure/provider"
	"streamcore/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	alice = domain.Caller{UserID: "alice", Username: "alice"}
	bob   = domain.Caller{UserID: "bob", Username: "bob"}
	anon  = domain.Caller{}
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	clock     *fakeClock
	streams   ports.StreamRepository
	chatRepo  ports.ChatRepository
	store     ports.PresenceStore
	provider  *provider.MemoryProvider
	broker    *eventbus.Broker
	probe     *CachedActivityProbe
	presence  *PresenceTracker
	lifecycle ports.LifecycleService
	chat      ports.ChatService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop().Sugar()

	h := &harness{
		clock:    newFakeClock(),
		streams:  memory.NewMemoryStreamRepository(),
		chatRepo: memory.NewMemoryChatRepository(0),
		store:    memory.NewMemoryPresenceStore(),
		provider: provider.NewMemoryProvider("rtmp://ingest.test/live", "https://cdn.test/hls"),
		broker:   eventbus.NewBroker(256, nil, logger),
	}
	h.probe = NewCachedActivityProbe(h.provider, 0, time.Second)
	h.presence = NewPresenceTracker(h.store, h.streams, h.broker, nil, PresenceConfig{
		SessionTTL:      30 * time.Second,
		ReapInterval:    time.Second,
		PublishInterval: 10 * time.Millisecond,
	}, logger)
	h.presence.now = h.clock.Now
	h.lifecycle = NewLifecycleService(h.streams, h.chatRepo, h.provider, h.probe, h.presence, h.broker, nil, logger)
	h.lifecycle.(*lifecycleService).now = h.clock.Now
	h.chat = NewChatService(h.chatRepo, h.streams, h.broker, nil, ChatConfig{
		MaxBodyLength:  500,
		HistoryDefault: 50,
		HistoryMax:     200,
	}, logger)

	t.Cleanup(func() {
		h.presence.Stop()
		h.probe.Stop()
		h.broker.Close()
	})
	return h
}

func (h *harness) createLive(t *testing.T, title string) *domain.Stream {
	t.Helper()
	s, err := h.lifecycle.CreateStream(context.Background(), alice, ports.CreateStreamRequest{Title: title})
	require.NoError(t, err)
	_, err = h.lifecycle.GoLive(context.Background(), alice, s.ID)
	require.NoError(t, err)
	h.provider.SetActive(s.ProviderStreamID, true)
	return s
}

// drain collects the events currently buffered on sub.
func drain(sub ports.Subscription) []*domain.Event {
	var out []*domain.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateStream(ctx context.Context, name string) (*domain.ProvisionedStream, error) {
	args := m.Called(ctx, name)
	ps, _ := args.Get(0).(*domain.ProvisionedStream)
	return ps, args.Error(1)
}

func (m *mockProvider) QueryActivity(ctx context.Context, id domain.ProviderStreamID) (*domain.IngestActivity, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*domain.IngestActivity)
	return a, args.Error(1)
}

func (m *mockProvider) DeleteStream(ctx context.Context, id domain.ProviderStreamID) error {
	return m.Called(ctx, id).Error(0)
}

type mockChatRepository struct {
	mock.Mock
}

func (m *mockChatRepository) Append(ctx context.Context, msg *domain.ChatMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockChatRepository) Recent(ctx context.Context, id domain.StreamID, limit int) ([]*domain.ChatMessage, error) {
	args := m.Called(ctx, id, limit)
	msgs, _ := args.Get(0).([]*domain.ChatMessage)
	return msgs, args.Error(1)
}

func (m *mockChatRepository) DeleteByStream(ctx context.Context, id domain.StreamID) error {
	return m.Called(ctx, id).Error(0)
}

// failingStreamRepository fails Create and delegates everything else.
type failingStreamRepository struct {
	ports.StreamRepository
}

func (failingStreamRepository) Create(context.Context, *domain.Stream) error {
	return context.DeadlineExceeded
}
