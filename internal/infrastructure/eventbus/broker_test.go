package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker(buffer int) *Broker {
	return NewBroker(buffer, nil, zap.NewNop().Sugar())
}

func chatEvent(t *testing.T, streamID domain.StreamID, body string) *domain.Event {
	t.Helper()
	ev, err := domain.NewChatEvent(&domain.ChatMessage{StreamID: streamID, Body: body})
	require.NoError(t, err)
	return ev
}

func receive(t *testing.T, ch <-chan *domain.Event) *domain.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_FIFOPerSubscriber(t *testing.T) {
	b := newTestBroker(128)
	sub, err := b.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(context.Background(), chatEvent(t, "s1", fmt.Sprint(i))))
	}

	for i := 0; i < 100; i++ {
		ev := receive(t, sub.Events())
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Contains(t, string(ev.Payload), fmt.Sprintf(`"body":"%d"`, i))
	}
}

func TestBroker_StreamIsolation(t *testing.T) {
	b := newTestBroker(8)
	subA, err := b.Subscribe("a")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe("b")
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, b.Publish(context.Background(), chatEvent(t, "b", "only-b")))

	ev := receive(t, subB.Events())
	assert.Equal(t, domain.StreamID("b"), ev.StreamID)

	select {
	case ev := <-subA.Events():
		t.Fatalf("stream a received %v", ev)
	default:
	}
}

func TestBroker_LateSubscriberSeesOnlyNewEvents(t *testing.T) {
	b := newTestBroker(8)
	early, err := b.Subscribe("s")
	require.NoError(t, err)
	defer early.Close()

	require.NoError(t, b.Publish(context.Background(), chatEvent(t, "s", "before")))

	late, err := b.Subscribe("s")
	require.NoError(t, err)
	defer late.Close()

	require.NoError(t, b.Publish(context.Background(), chatEvent(t, "s", "after")))

	ev := receive(t, late.Events())
	assert.Contains(t, string(ev.Payload), "after")
	assert.Len(t, early.Events(), 2)
}

func TestBroker_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := newTestBroker(2)
	slow, err := b.Subscribe("s")
	require.NoError(t, err)
	defer slow.Close()
	fast, err := b.Subscribe("s")
	require.NoError(t, err)
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = b.Publish(context.Background(), chatEvent(t, "s", fmt.Sprint(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, slow.Events(), 2)
}

func TestBroker_CloseIsIdempotentAndRemovesTopic(t *testing.T) {
	b := newTestBroker(4)
	sub, err := b.Subscribe("s")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount("s"))

	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("s"))
	assert.NoError(t, b.Publish(context.Background(), chatEvent(t, "s", "nobody")))
}

func TestBroker_ConcurrentSubscribeUnsubscribePublish(t *testing.T) {
	b := newTestBroker(16)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := b.Subscribe("s")
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			sub.Close()
		}()
		go func(i int) {
			defer wg.Done()
			_ = b.Publish(context.Background(), chatEvent(t, "s", fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount("s"))
}

func TestBroker_CloseDetachesSubscribers(t *testing.T) {
	b := newTestBroker(4)
	sub, err := b.Subscribe("s")
	require.NoError(t, err)

	b.Close()
	b.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	sub.Close()

	_, err = b.Subscribe("s")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), chatEvent(t, "s", "x")), ErrClosed)
}
