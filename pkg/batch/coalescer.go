package batch

import (
	"context"
	"sync"
	"time"
)

// Flusher receives the latest value recorded for each key since the previous
// flush.
type Flusher[K comparable, V any] interface {
	Flush(ctx context.Context, latest map[K]V)
}

// FlushFunc adapts a function to Flusher.
type FlushFunc[K comparable, V any] func(ctx context.Context, latest map[K]V)

func (f FlushFunc[K, V]) Flush(ctx context.Context, latest map[K]V) {
	f(ctx, latest)
}

// Coalescer keeps only the newest value per key and hands the set to the
// flusher once per interval. Intermediate values are dropped; the last value
// recorded before a flush is always delivered.
type Coalescer[K comparable, V any] struct {
	interval time.Duration
	flusher  Flusher[K, V]

	mu      sync.Mutex
	pending map[K]V

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func NewCoalescer[K comparable, V any](interval time.Duration, flusher Flusher[K, V]) *Coalescer[K, V] {
	c := &Coalescer[K, V]{
		interval:  interval,
		flusher:   flusher,
		pending:   make(map[K]V),
		flushChan: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	go c.run()

	return c
}

// Record replaces any pending value for key.
func (c *Coalescer[K, V]) Record(key K, value V) {
	c.mu.Lock()
	c.pending[key] = value
	c.mu.Unlock()
}

// Requeue puts back a value the flusher could not deliver. A value recorded
// since the flush is newer and wins.
func (c *Coalescer[K, V]) Requeue(key K, value V) {
	c.mu.Lock()
	if _, newer := c.pending[key]; !newer {
		c.pending[key] = value
	}
	c.mu.Unlock()
}

// Trigger requests a flush ahead of the next tick.
func (c *Coalescer[K, V]) Trigger() {
	select {
	case c.flushChan <- struct{}{}:
	default:
	}
}

func (c *Coalescer[K, V]) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	latest := c.pending
	c.pending = make(map[K]V, len(latest))
	c.mu.Unlock()

	c.flusher.Flush(ctx, latest)
}

func (c *Coalescer[K, V]) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush(context.Background())
		case <-c.flushChan:
			c.Flush(context.Background())
		case <-c.stopChan:
			c.Flush(context.Background())
			return
		}
	}
}

// Stop flushes what is pending and waits for the loop to exit.
func (c *Coalescer[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	<-c.done
}

func (c *Coalescer[K, V]) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
