package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/infrastructure/eventbus"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func envelopeMessage(t *testing.T, instanceID string, channel string, ev *domain.Event) *redis.Message {
	t.Helper()
	data, err := json.Marshal(envelope{InstanceID: instanceID, Event: ev})
	require.NoError(t, err)
	return &redis.Message{Channel: channel, Payload: string(data)}
}

func TestEventBus_RelaySkipsOwnInstance(t *testing.T) {
	logger := zap.NewNop().Sugar()
	local := eventbus.NewBroker(8, nil, logger)
	eb := NewEventBus(local, nil, "node-a", "ev:", logger)

	sub, err := eb.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	ev, err := domain.NewViewerCountEvent("s1", 3, 5)
	require.NoError(t, err)

	eb.relay(context.Background(), envelopeMessage(t, "node-a", "ev:s1", ev))
	assert.Len(t, sub.Events(), 0)

	eb.relay(context.Background(), envelopeMessage(t, "node-b", "ev:s1", ev))
	require.Len(t, sub.Events(), 1)
	got := <-sub.Events()
	assert.Equal(t, domain.EventViewerCount, got.Kind)
	assert.Equal(t, uint64(1), got.Seq)
}

func TestEventBus_RelayRejectsMismatchedChannel(t *testing.T) {
	logger := zap.NewNop().Sugar()
	local := eventbus.NewBroker(8, nil, logger)
	eb := NewEventBus(local, nil, "node-a", "ev:", logger)

	sub, err := eb.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	ev, err := domain.NewViewerCountEvent("other", 1, 1)
	require.NoError(t, err)
	eb.relay(context.Background(), envelopeMessage(t, "node-b", "ev:s1", ev))
	eb.relay(context.Background(), &redis.Message{Channel: "ev:s1", Payload: "not json"})

	assert.Len(t, sub.Events(), 0)
}

func TestEventBus_BridgesInstances(t *testing.T) {
	addr := os.Getenv("STREAMCORE_TEST_REDIS")
	if addr == "" {
		t.Skip("STREAMCORE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()

	logger := zap.NewNop().Sugar()
	a := NewEventBus(eventbus.NewBroker(8, nil, logger), client, "node-a", "test:ev:", logger)
	b := NewEventBus(eventbus.NewBroker(8, nil, logger), client, "node-b", "test:ev:", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	subA, err := a.Subscribe("s")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe("s")
	require.NoError(t, err)
	defer subB.Close()

	ev, err := domain.NewChatEvent(&domain.ChatMessage{StreamID: "s", Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, ev))

	for _, sub := range []interface{ Events() <-chan *domain.Event }{subA, subB} {
		select {
		case got := <-sub.Events():
			assert.Equal(t, domain.EventChat, got.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}

	select {
	case extra := <-subA.Events():
		t.Fatalf("echoed event delivered twice: %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
