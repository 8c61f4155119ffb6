package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/pkg/utils"
	"streamcore/pkg/validation"

	"go.uber.org/zap"
)

// maxTransitionAttempts bounds the re-read loop when a transition loses a race
// and the stream moved to a state from which the target is still reachable.
const maxTransitionAttempts = 3

type lifecycleService struct {
	streams  ports.StreamRepository
	chat     ports.ChatRepository
	provider ports.IngestProvider
	probe    ports.ActivityProbe
	presence ports.PresenceService
	events   ports.EventPublisher
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewLifecycleService(
	streams ports.StreamRepository,
	chat ports.ChatRepository,
	provider ports.IngestProvider,
	probe ports.ActivityProbe,
	presence ports.PresenceService,
	events ports.EventPublisher,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) ports.LifecycleService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &lifecycleService{
		streams:  streams,
		chat:     chat,
		provider: provider,
		probe:    probe,
		presence: presence,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateStream is all-or-nothing: without provider credentials no record is
// written, and a record that cannot be written releases the provider stream.
func (s *lifecycleService) CreateStream(ctx context.Context, caller domain.Caller, req ports.CreateStreamRequest) (*domain.Stream, error) {
	if !caller.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	req.Title = utils.SanitizeString(req.Title)
	req.Description = utils.SanitizeString(req.Description)
	req.Category = utils.SanitizeString(req.Category)
	if err := validateCreate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	provisioned, err := s.provider.CreateStream(ctx, req.Title)
	if err != nil {
		s.logger.Warnw("provider rejected stream creation",
			"owner_id", caller.UserID,
			"error", err,
		)
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}

	stream := &domain.Stream{
		ID:               domain.StreamID(utils.GenerateStreamID()),
		ProviderStreamID: provisioned.ProviderStreamID,
		OwnerID:          caller.UserID,
		Title:            req.Title,
		Description:      req.Description,
		Category:         req.Category,
		ThumbnailRef:     req.ThumbnailRef,
		Ingest: domain.IngestCredentials{
			Endpoint:  provisioned.IngestEndpoint,
			SecretKey: provisioned.SecretKey,
		},
		PlaybackEndpoint: provisioned.PlaybackEndpoint,
		State:            domain.StateCreated,
		CreatedAt:        s.now().UTC(),
	}

	if err := s.streams.Create(ctx, stream); err != nil {
		if delErr := s.provider.DeleteStream(context.WithoutCancel(ctx), provisioned.ProviderStreamID); delErr != nil {
			s.logger.Warnw("failed to release provider stream after store failure",
				"provider_stream_id", provisioned.ProviderStreamID,
				"error", delErr,
			)
		}
		return nil, fmt.Errorf("failed to store stream: %w", err)
	}

	s.logger.Infow("stream created",
		"stream_id", stream.ID,
		"provider_stream_id", stream.ProviderStreamID,
		"owner_id", stream.OwnerID,
	)
	return stream, nil
}

func validateCreate(req ports.CreateStreamRequest) error {
	if err := validation.ValidateTitle(req.Title); err != nil {
		return err
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		return err
	}
	if err := validation.ValidateCategory(req.Category); err != nil {
		return err
	}
	return validation.ValidateThumbnailRef(req.ThumbnailRef)
}

// GetStream reconciles display liveness with the provider. Local state stays
// authoritative for write permission; only IsLive is downgraded.
func (s *lifecycleService) GetStream(ctx context.Context, id domain.StreamID) (*domain.StreamView, error) {
	stream, err := s.streams.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	view := s.view(ctx, stream)
	if stream.State != domain.StateLive {
		return view, nil
	}

	activity, err := s.probe.Probe(ctx, stream.ProviderStreamID)
	if err != nil {
		s.logger.Warnw("ingest activity probe failed, using local state",
			"stream_id", id,
			"provider_stream_id", stream.ProviderStreamID,
			"degraded", true,
			"error", err,
		)
		view.IsLive = true
		view.LiveConfidence = domain.ConfidenceDegraded
		return view, nil
	}

	view.IsLive = activity.Active
	view.LiveConfidence = domain.ConfidenceProvider
	return view, nil
}

func (s *lifecycleService) view(ctx context.Context, stream *domain.Stream) *domain.StreamView {
	view := stream.View()
	if stream.State != domain.StateLive {
		return view
	}

	if count, err := s.presence.CurrentCount(ctx, stream.ID); err == nil {
		view.CurrentViewers = count
	}
	if peak := s.presence.Peak(stream.ID); peak > view.PeakViewers {
		view.PeakViewers = peak
	}
	if view.CurrentViewers > view.PeakViewers {
		view.PeakViewers = view.CurrentViewers
	}
	return view
}

// ListLive lists streams whose local state is Live. It does not probe the
// provider per stream.
func (s *lifecycleService) ListLive(ctx context.Context) ([]*domain.StreamView, error) {
	streams, err := s.streams.ListByState(ctx, domain.StateLive)
	if err != nil {
		return nil, err
	}

	views := make([]*domain.StreamView, 0, len(streams))
	for _, stream := range streams {
		views = append(views, s.view(ctx, stream))
	}
	return views, nil
}

func (s *lifecycleService) UpdatePresentation(ctx context.Context, caller domain.Caller, id domain.StreamID, patch domain.StreamPresentation) (*domain.StreamView, error) {
	stream, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		title := utils.SanitizeString(*patch.Title)
		if err := validation.ValidateTitle(title); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		stream.Title = title
	}
	if patch.Description != nil {
		if err := validation.ValidateDescription(*patch.Description); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		stream.Description = *patch.Description
	}
	if patch.Category != nil {
		if err := validation.ValidateCategory(*patch.Category); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		stream.Category = *patch.Category
	}
	if patch.ThumbnailRef != nil {
		if err := validation.ValidateThumbnailRef(*patch.ThumbnailRef); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		stream.ThumbnailRef = *patch.ThumbnailRef
	}

	if err := s.streams.UpdatePresentation(ctx, stream); err != nil {
		return nil, err
	}
	return s.view(ctx, stream), nil
}

// GoLive is only ever an explicit owner action. Repeating it on a Live
// stream, or losing a race to a concurrent GoLive, succeeds.
func (s *lifecycleService) GoLive(ctx context.Context, caller domain.Caller, id domain.StreamID) (*domain.StreamView, error) {
	stream, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	switch stream.State {
	case domain.StateLive:
		return s.view(ctx, stream), nil
	case domain.StateEnded:
		return nil, fmt.Errorf("%w: stream has ended", domain.ErrInvalidState)
	}

	updated, err := s.streams.TransitionState(ctx, id, domain.StateCreated, domain.StateLive, s.now().UTC())
	if errors.Is(err, domain.ErrStateConflict) {
		current, getErr := s.streams.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.State == domain.StateLive {
			return s.view(ctx, current), nil
		}
		return nil, fmt.Errorf("%w: stream is %s", domain.ErrInvalidState, current.State)
	}
	if err != nil {
		return nil, err
	}

	s.presence.Activate(id, updated.PeakViewers)
	s.publishState(ctx, updated, "")
	s.metrics.StreamWentLive(id)
	s.logger.Infow("stream is live",
		"stream_id", id,
		"provider_stream_id", updated.ProviderStreamID,
	)
	return s.view(ctx, updated), nil
}

// EndStream is idempotent: ending an Ended stream returns it unchanged.
func (s *lifecycleService) EndStream(ctx context.Context, caller domain.Caller, id domain.StreamID) (*domain.StreamView, error) {
	stream, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	ended, _, err := s.end(ctx, stream, domain.EndReasonOwner)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, ended), nil
}

// EndInactive is the reconciler's Live -> Ended transition. A stream that is
// no longer Live is left alone.
func (s *lifecycleService) EndInactive(ctx context.Context, id domain.StreamID) (bool, error) {
	stream, err := s.streams.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if stream.State != domain.StateLive {
		return false, nil
	}
	_, performed, err := s.end(ctx, stream, domain.EndReasonInactive)
	return performed, err
}

// end moves stream to Ended with a compare-and-set on its current state. A
// lost race is re-read: if someone else ended it, that is success.
func (s *lifecycleService) end(ctx context.Context, stream *domain.Stream, reason string) (*domain.Stream, bool, error) {
	current := stream
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		if current.State == domain.StateEnded {
			return current, false, nil
		}

		from := current.State
		updated, err := s.streams.TransitionState(ctx, current.ID, from, domain.StateEnded, s.now().UTC())
		if err == nil {
			s.afterEnded(ctx, updated, from, reason)
			return updated, true, nil
		}
		if !errors.Is(err, domain.ErrStateConflict) {
			return nil, false, err
		}

		current, err = s.streams.GetByID(ctx, stream.ID)
		if err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("%w: could not settle end transition", domain.ErrStateConflict)
}

func (s *lifecycleService) afterEnded(ctx context.Context, stream *domain.Stream, from domain.StreamState, reason string) {
	if from == domain.StateLive {
		peak := s.presence.Deactivate(ctx, stream.ID)
		if peak > stream.PeakViewers {
			if err := s.streams.RaisePeak(ctx, stream.ID, peak); err != nil {
				s.logger.Errorw("failed to persist final peak viewers",
					"stream_id", stream.ID,
					"peak", peak,
					"error", err,
				)
			} else {
				stream.PeakViewers = peak
			}
		}
	}

	s.publishState(ctx, stream, reason)
	s.metrics.StreamEnded(stream.ID, reason)
	s.logger.Infow("stream ended",
		"stream_id", stream.ID,
		"reason", reason,
		"peak_viewers", stream.PeakViewers,
	)
}

func (s *lifecycleService) publishState(ctx context.Context, stream *domain.Stream, reason string) {
	event, err := domain.NewStreamStateEvent(stream, reason)
	if err == nil {
		err = s.events.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warnw("failed to publish stream state",
			"stream_id", stream.ID,
			"state", stream.State,
			"error", err,
		)
	}
}

// DeleteStream ends a Live stream first so viewers get the terminal event,
// then removes the chat log and the record. The provider stream is released
// best-effort.
func (s *lifecycleService) DeleteStream(ctx context.Context, caller domain.Caller, id domain.StreamID) error {
	stream, err := s.owned(ctx, caller, id)
	if err != nil {
		return err
	}

	if stream.State != domain.StateEnded {
		if stream, _, err = s.end(ctx, stream, domain.EndReasonDeleted); err != nil {
			return err
		}
	}

	if err := s.chat.DeleteByStream(ctx, id); err != nil {
		s.logger.Warnw("failed to delete chat log", "stream_id", id, "error", err)
	}
	if err := s.streams.Delete(ctx, id); err != nil {
		return err
	}

	if err := s.provider.DeleteStream(ctx, stream.ProviderStreamID); err != nil {
		s.logger.Warnw("failed to delete provider stream",
			"stream_id", id,
			"provider_stream_id", stream.ProviderStreamID,
			"error", err,
		)
	}
	s.probe.Observe(stream.ProviderStreamID, nil)

	s.logger.Infow("stream deleted", "stream_id", id)
	return nil
}

func (s *lifecycleService) IngestCredentials(ctx context.Context, caller domain.Caller, id domain.StreamID) (*domain.IngestCredentials, error) {
	stream, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	creds := stream.Ingest
	return &creds, nil
}

func (s *lifecycleService) Stats(ctx context.Context, id domain.StreamID) (*domain.StreamStats, error) {
	view, err := s.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.StreamStats{
		StreamID:       view.ID,
		State:          view.State,
		IsLive:         view.IsLive,
		CurrentViewers: view.CurrentViewers,
		PeakViewers:    view.PeakViewers,
		Timestamp:      s.now().UTC(),
	}, nil
}

// owned loads a stream and checks that caller owns it.
func (s *lifecycleService) owned(ctx context.Context, caller domain.Caller, id domain.StreamID) (*domain.Stream, error) {
	if !caller.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	stream, err := s.streams.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !stream.IsOwnedBy(caller.UserID) {
		return nil, domain.ErrForbidden
	}
	return stream, nil
}
