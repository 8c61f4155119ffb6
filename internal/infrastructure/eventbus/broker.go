package eventbus

import (
	"context"
	"errors"
	"sync"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("event bus closed")

// Broker fans events out to subscribers of one stream at a time. Each
// topic has its own lock, so publishes on different streams never contend,
// and each subscriber has its own buffered channel: a slow subscriber loses
// events rather than stalling the publisher or its peers.
type Broker struct {
	mu     sync.RWMutex
	topics map[domain.StreamID]*topic
	closed bool

	buffer  int
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*subscription]struct{}
}

type subscription struct {
	broker   *Broker
	streamID domain.StreamID
	ch       chan *domain.Event
	once     sync.Once
}

func NewBroker(buffer int, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Broker{
		topics:  make(map[domain.StreamID]*topic),
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
	}
}

// Publish assigns the next per-stream sequence number and hands the event to
// every current subscriber without blocking. Events for streams without
// subscribers are discarded.
func (b *Broker) Publish(_ context.Context, event *domain.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	t := b.topics[event.StreamID]
	b.mu.RUnlock()

	b.metrics.EventPublished(event.Kind)
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	delivered := *event
	delivered.Seq = t.seq

	for sub := range t.subs {
		select {
		case sub.ch <- &delivered:
		default:
			b.metrics.EventDropped(event.Kind)
			b.logger.Debugw("subscriber buffer full, event dropped",
				"stream_id", event.StreamID,
				"type", event.Kind,
				"seq", delivered.Seq,
			)
		}
	}
	return nil
}

func (b *Broker) Subscribe(streamID domain.StreamID) (ports.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	t, ok := b.topics[streamID]
	if !ok {
		t = &topic{subs: make(map[*subscription]struct{})}
		b.topics[streamID] = t
	}

	sub := &subscription{
		broker:   b,
		streamID: streamID,
		ch:       make(chan *domain.Event, b.buffer),
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	return sub, nil
}

// SubscriberCount is the number of attached subscribers for a stream.
func (b *Broker) SubscriberCount(streamID domain.StreamID) int {
	b.mu.RLock()
	t := b.topics[streamID]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close detaches every subscriber; their channels are closed.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*subscription
	for _, t := range b.topics {
		t.mu.Lock()
		for sub := range t.subs {
			subs = append(subs, sub)
		}
		t.mu.Unlock()
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.streamID]
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub)
	close(sub.ch)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(b.topics, sub.streamID)
	}
}

func (s *subscription) Events() <-chan *domain.Event {
	return s.ch
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
	})
}
