package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/pkg/batch"
	"streamcore/pkg/validation"

	"go.uber.org/zap"
)

type PresenceConfig struct {
	// SessionTTL is how long a session survives without a heartbeat.
	SessionTTL      time.Duration
	ReapInterval    time.Duration
	PublishInterval time.Duration
}

type streamPresence struct {
	mu            sync.Mutex
	peak          int
	persistedPeak int
}

// raise folds an observed count into the peak and returns the new peak.
func (sp *streamPresence) raise(count int) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if count > sp.peak {
		sp.peak = count
	}
	return sp.peak
}

// PresenceTracker counts ViewerSessions per Live stream. Sessions live in a
// PresenceStore, the count is always derived from the set of sessions, and
// stale sessions are reaped by Run. Viewer-count events are coalesced per
// stream and published once per PublishInterval with the count read at
// publish time.
type PresenceTracker struct {
	store   ports.PresenceStore
	streams ports.StreamRepository
	events  ports.EventPublisher
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
	cfg     PresenceConfig
	now     func() time.Time

	mu     sync.RWMutex
	active map[domain.StreamID]*streamPresence

	coalescer *batch.Coalescer[domain.StreamID, int]
}

var _ ports.PresenceService = (*PresenceTracker)(nil)

func NewPresenceTracker(
	store ports.PresenceStore,
	streams ports.StreamRepository,
	events ports.EventPublisher,
	metrics ports.MetricsRecorder,
	cfg PresenceConfig,
	logger *zap.SugaredLogger,
) *PresenceTracker {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	t := &PresenceTracker{
		store:   store,
		streams: streams,
		events:  events,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		active:  make(map[domain.StreamID]*streamPresence),
	}
	t.coalescer = batch.NewCoalescer[domain.StreamID, int](cfg.PublishInterval, batch.FlushFunc[domain.StreamID, int](t.publishCounts))
	return t
}

func (t *PresenceTracker) Join(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (int, error) {
	return t.touch(ctx, streamID, token)
}

// Heartbeat re-asserts a session; an unknown or reaped session is re-created.
func (t *PresenceTracker) Heartbeat(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (int, error) {
	return t.touch(ctx, streamID, token)
}

func (t *PresenceTracker) touch(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (int, error) {
	if err := validation.ValidateViewerToken(string(token)); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	sp, err := t.ensureActive(ctx, streamID)
	if err != nil {
		return 0, err
	}

	created, count, err := t.store.Touch(ctx, streamID, token, t.now())
	if err != nil {
		return 0, err
	}

	// The stream ended between activation and the write; undo it.
	if t.lookup(streamID) != sp {
		_, _, _ = t.store.Remove(ctx, streamID, token)
		return 0, fmt.Errorf("%w: stream is no longer live", domain.ErrInvalidState)
	}

	if created {
		t.logger.Debugw("viewer joined", "stream_id", streamID, "viewer", token, "count", count)
		t.observe(streamID, sp, count)
	}
	return count, nil
}

// Leave is a no-op for unknown sessions and for streams that are not Live.
func (t *PresenceTracker) Leave(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (int, error) {
	if err := validation.ValidateViewerToken(string(token)); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	sp, err := t.ensureActive(ctx, streamID)
	if errors.Is(err, domain.ErrInvalidState) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed, count, err := t.store.Remove(ctx, streamID, token)
	if err != nil {
		return 0, err
	}
	if removed {
		t.logger.Debugw("viewer left", "stream_id", streamID, "viewer", token, "count", count)
		t.observe(streamID, sp, count)
	}
	return count, nil
}

// CurrentCount reads the store directly, so it also covers Live streams this
// instance has not seen any presence traffic for yet.
func (t *PresenceTracker) CurrentCount(ctx context.Context, streamID domain.StreamID) (int, error) {
	return t.store.Count(ctx, streamID)
}

func (t *PresenceTracker) Peak(streamID domain.StreamID) int {
	sp := t.lookup(streamID)
	if sp == nil {
		return 0
	}
	return sp.raise(0)
}

func (t *PresenceTracker) Activate(streamID domain.StreamID, peak int) {
	t.activate(streamID, peak)
}

func (t *PresenceTracker) activate(streamID domain.StreamID, peak int) *streamPresence {
	t.mu.Lock()
	defer t.mu.Unlock()

	sp, ok := t.active[streamID]
	if !ok {
		sp = &streamPresence{peak: peak, persistedPeak: peak}
		t.active[streamID] = sp
		t.logger.Infow("presence accounting started", "stream_id", streamID, "peak", peak)
		return sp
	}
	sp.raise(peak)
	return sp
}

// Deactivate returns the final peak, including the count at the moment the
// sessions are dropped.
func (t *PresenceTracker) Deactivate(ctx context.Context, streamID domain.StreamID) int {
	t.mu.Lock()
	sp, ok := t.active[streamID]
	delete(t.active, streamID)
	t.mu.Unlock()

	peak := 0
	if ok {
		if count, err := t.store.Count(ctx, streamID); err == nil {
			sp.raise(count)
		}
		peak = sp.raise(0)
	}

	if err := t.store.Clear(ctx, streamID); err != nil {
		t.logger.Warnw("failed to clear viewer sessions", "stream_id", streamID, "error", err)
	}
	t.metrics.ViewerCount(streamID, 0, peak)
	t.logger.Infow("presence accounting stopped", "stream_id", streamID, "peak", peak)
	return peak
}

func (t *PresenceTracker) lookup(streamID domain.StreamID) *streamPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[streamID]
}

// ensureActive starts accounting on first use when the stream is Live, which
// covers restarts and streams that went live on another instance.
func (t *PresenceTracker) ensureActive(ctx context.Context, streamID domain.StreamID) (*streamPresence, error) {
	if sp := t.lookup(streamID); sp != nil {
		return sp, nil
	}

	stream, err := t.streams.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if stream.State != domain.StateLive {
		return nil, fmt.Errorf("%w: stream is %s", domain.ErrInvalidState, stream.State)
	}
	return t.activate(streamID, stream.PeakViewers), nil
}

func (t *PresenceTracker) observe(streamID domain.StreamID, sp *streamPresence, count int) {
	peak := sp.raise(count)
	t.metrics.ViewerCount(streamID, count, peak)
	t.coalescer.Record(streamID, count)
}

// publishCounts re-reads each dirty stream's count so the event always carries
// the settled value, then checkpoints a raised peak. A stream whose count could
// not be read or published is requeued for the next flush.
func (t *PresenceTracker) publishCounts(ctx context.Context, dirty map[domain.StreamID]int) {
	for streamID, recorded := range dirty {
		sp := t.lookup(streamID)
		if sp == nil {
			continue
		}

		count, err := t.store.Count(ctx, streamID)
		if err != nil {
			t.logger.Warnw("failed to read viewer count", "stream_id", streamID, "error", err)
			t.coalescer.Requeue(streamID, recorded)
			continue
		}
		peak := sp.raise(count)

		event, err := domain.NewViewerCountEvent(streamID, count, peak)
		if err != nil {
			continue
		}
		if err := t.events.Publish(ctx, event); err != nil {
			t.logger.Warnw("failed to publish viewer count", "stream_id", streamID, "error", err)
			t.coalescer.Requeue(streamID, count)
		}

		t.checkpointPeak(ctx, streamID, sp, peak)
	}
}

func (t *PresenceTracker) checkpointPeak(ctx context.Context, streamID domain.StreamID, sp *streamPresence, peak int) {
	sp.mu.Lock()
	if peak <= sp.persistedPeak {
		sp.mu.Unlock()
		return
	}
	sp.persistedPeak = peak
	sp.mu.Unlock()

	if err := t.streams.RaisePeak(ctx, streamID, peak); err != nil {
		t.logger.Warnw("failed to checkpoint peak viewers", "stream_id", streamID, "peak", peak, "error", err)
		sp.mu.Lock()
		if sp.persistedPeak == peak {
			sp.persistedPeak = 0
		}
		sp.mu.Unlock()
	}
}

// Run reaps stale sessions every ReapInterval until ctx is cancelled.
func (t *PresenceTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ReapOnce(ctx)
		}
	}
}

func (t *PresenceTracker) ReapOnce(ctx context.Context) {
	t.mu.RLock()
	ids := make([]domain.StreamID, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	cutoff := t.now().Add(-t.cfg.SessionTTL)
	for _, id := range ids {
		if !t.stillLive(ctx, id) {
			continue
		}
		sp := t.lookup(id)
		if sp == nil {
			continue
		}

		removed, count, err := t.store.Reap(ctx, id, cutoff)
		if err != nil {
			t.logger.Warnw("failed to reap viewer sessions", "stream_id", id, "error", err)
			continue
		}
		if removed > 0 {
			t.logger.Debugw("reaped stale viewer sessions", "stream_id", id, "removed", removed, "count", count)
			t.observe(id, sp, count)
		}
	}
}

// stillLive drops local accounting for streams ended on another instance.
func (t *PresenceTracker) stillLive(ctx context.Context, streamID domain.StreamID) bool {
	stream, err := t.streams.GetByID(ctx, streamID)
	if err != nil && !errors.Is(err, domain.ErrStreamNotFound) {
		return true
	}
	if err == nil && stream.State == domain.StateLive {
		return true
	}

	t.mu.Lock()
	delete(t.active, streamID)
	t.mu.Unlock()
	return false
}

// Stop publishes pending counts and stops the publisher.
func (t *PresenceTracker) Stop() {
	t.coalescer.Stop()
}
