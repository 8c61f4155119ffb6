package services

import (
	"context"
	"sync"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"

	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// InactiveGrace is how long ingest may be inactive before a Live stream
	// is ended.
	InactiveGrace time.Duration
	// Concurrency bounds parallel provider probes within one sweep.
	Concurrency int
}

// SweepLock elects one instance per sweep when several run side by side.
type SweepLock interface {
	Do(ctx context.Context, fn func(context.Context)) (bool, error)
}

// Reconciler periodically compares every Live stream with the provider's
// activity signal and ends streams whose ingest stayed inactive for longer
// than the grace window. A failed probe never changes state.
type Reconciler struct {
	streams   ports.StreamRepository
	lifecycle ports.LifecycleService
	provider  ports.IngestProvider
	probe     ports.ActivityProbe
	lock      SweepLock
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	cfg       ReconcilerConfig
	now       func() time.Time

	mu            sync.Mutex
	inactiveSince map[domain.StreamID]time.Time
}

func NewReconciler(
	streams ports.StreamRepository,
	lifecycle ports.LifecycleService,
	provider ports.IngestProvider,
	probe ports.ActivityProbe,
	lock SweepLock,
	metrics ports.MetricsRecorder,
	cfg ReconcilerConfig,
	logger *zap.SugaredLogger,
) *Reconciler {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Reconciler{
		streams:       streams,
		lifecycle:     lifecycle,
		provider:      provider,
		probe:         probe,
		lock:          lock,
		metrics:       metrics,
		logger:        logger,
		cfg:           cfg,
		now:           time.Now,
		inactiveSince: make(map[domain.StreamID]time.Time),
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Infow("reconciler started",
		"interval", r.cfg.Interval,
		"inactive_grace", r.cfg.InactiveGrace,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if r.lock == nil {
		r.SweepOnce(ctx)
		return
	}
	ran, err := r.lock.Do(ctx, r.SweepOnce)
	if err != nil {
		r.logger.Warnw("failed to acquire reconcile lock", "error", err)
		return
	}
	if !ran {
		r.logger.Debugw("reconcile sweep held by another instance")
	}
}

// SweepOnce probes every Live stream once.
func (r *Reconciler) SweepOnce(ctx context.Context) {
	streams, err := r.streams.ListByState(ctx, domain.StateLive)
	if err != nil {
		r.logger.Warnw("failed to list live streams", "error", err)
		return
	}

	r.prune(streams)

	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, stream := range streams {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(stream *domain.Stream) {
			defer wg.Done()
			defer func() { <-sem }()
			r.reconcile(ctx, stream)
		}(stream)
	}
	wg.Wait()
}

func (r *Reconciler) reconcile(ctx context.Context, stream *domain.Stream) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	activity, err := r.provider.QueryActivity(probeCtx, stream.ProviderStreamID)
	cancel()

	if err != nil {
		r.metrics.ReconcileProbe("error")
		r.logger.Warnw("ingest activity probe failed, keeping local state",
			"stream_id", stream.ID,
			"provider_stream_id", stream.ProviderStreamID,
			"degraded", true,
			"error", err,
		)
		return
	}
	r.probe.Observe(stream.ProviderStreamID, activity)

	if activity.Active {
		r.metrics.ReconcileProbe("active")
		r.clear(stream.ID)
		return
	}
	r.metrics.ReconcileProbe("inactive")

	now := r.now()
	since := r.markInactive(stream, activity, now)
	if now.Sub(since) < r.cfg.InactiveGrace {
		return
	}

	performed, err := r.lifecycle.EndInactive(ctx, stream.ID)
	if err != nil {
		r.logger.Warnw("failed to end inactive stream", "stream_id", stream.ID, "error", err)
		return
	}
	r.clear(stream.ID)
	if performed {
		r.logger.Infow("ended stream after ingest inactivity",
			"stream_id", stream.ID,
			"inactive_for", now.Sub(since).Round(time.Second),
		)
	}
}

// markInactive returns when the current inactive period began. The provider's
// last-seen time is used when it falls within the Live session.
func (r *Reconciler) markInactive(stream *domain.Stream, activity *domain.IngestActivity, now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if since, ok := r.inactiveSince[stream.ID]; ok {
		return since
	}

	since := now
	if activity.LastActiveAt != nil && activity.LastActiveAt.Before(now) {
		since = *activity.LastActiveAt
	}
	if stream.LiveAt != nil && since.Before(*stream.LiveAt) {
		since = *stream.LiveAt
	}
	r.inactiveSince[stream.ID] = since
	return since
}

func (r *Reconciler) clear(id domain.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inactiveSince, id)
}

// prune forgets streams that are no longer Live.
func (r *Reconciler) prune(live []*domain.Stream) {
	keep := make(map[domain.StreamID]struct{}, len(live))
	for _, s := range live {
		keep[s.ID] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.inactiveSince {
		if _, ok := keep[id]; !ok {
			delete(r.inactiveSince, id)
		}
	}
}
