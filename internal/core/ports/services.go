package ports

import (
	"context"

	"streamcore/internal/core/domain"
)

// IngestProvider is the external ingest/transcode/playback service.
type IngestProvider interface {
	CreateStream(ctx context.Context, name string) (*domain.ProvisionedStream, error)
	QueryActivity(ctx context.Context, id domain.ProviderStreamID) (*domain.IngestActivity, error)
	DeleteStream(ctx context.Context, id domain.ProviderStreamID) error
}

// ActivityProbe answers "is ingest flowing" with a bounded wait.
type ActivityProbe interface {
	Probe(ctx context.Context, id domain.ProviderStreamID) (*domain.IngestActivity, error)
	// Observe records a result obtained elsewhere, such as by the reconciler.
	Observe(id domain.ProviderStreamID, activity *domain.IngestActivity)
}

type EventPublisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// Subscription delivers one stream's events in publish order until Close.
type Subscription interface {
	Events() <-chan *domain.Event
	Close()
}

type EventBus interface {
	EventPublisher
	Subscribe(streamID domain.StreamID) (Subscription, error)
}

type CreateStreamRequest struct {
	Title        string
	Description  string
	Category     string
	ThumbnailRef string
}

type LifecycleService interface {
	CreateStream(ctx context.Context, caller domain.Caller, req CreateStreamRequest) (*domain.Stream, error)
	GetStream(ctx context.Context, id domain.StreamID) (*domain.StreamView, error)
	ListLive(ctx context.Context) ([]*domain.StreamView, error)
	UpdatePresentation(ctx context.Context, caller domain.Caller, id domain.StreamID, patch domain.StreamPresentation) (*domain.StreamView, error)
	GoLive(ctx context.Context, caller domain.Caller, id domain.StreamID) (*domain.StreamView, error)
	EndStream(ctx context.Context, caller domain.Caller, id domain.StreamID) (*domain.StreamView, error)
	// EndInactive is the automatic Live -> Ended transition. It reports
	// whether this call performed the transition.
	EndInactive(ctx context.Context, id domain.StreamID) (bool, error)
	DeleteStream(ctx context.Context, caller domain.Caller, id domain.StreamID) error
	IngestCredentials(ctx context.Context, caller domain.Caller, id domain.StreamID) (*domain.IngestCredentials, error)
	Stats(ctx context.Context, id domain.StreamID) (*domain.StreamStats, error)
}

type PresenceService interface {
	Join(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (int, error)
	Leave(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (int, error)
	Heartbeat(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (int, error)
	CurrentCount(ctx context.Context, streamID domain.StreamID) (int, error)
	Peak(streamID domain.StreamID) int
	// Activate starts accounting for a Live stream, seeding its peak.
	Activate(streamID domain.StreamID, peak int)
	// Deactivate stops accounting, drops all sessions and returns the final peak.
	Deactivate(ctx context.Context, streamID domain.StreamID) int
}

type ChatService interface {
	Send(ctx context.Context, caller domain.Caller, streamID domain.StreamID, body string) (*domain.ChatMessage, error)
	History(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error)
}

// MetricsRecorder receives operational measurements from the core.
type MetricsRecorder interface {
	StreamWentLive(streamID domain.StreamID)
	StreamEnded(streamID domain.StreamID, reason string)
	ViewerCount(streamID domain.StreamID, current, peak int)
	ChatMessageSent(streamID domain.StreamID)
	ReconcileProbe(outcome string)
	EventPublished(kind domain.EventKind)
	EventDropped(kind domain.EventKind)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) StreamWentLive(domain.StreamID) {}
func (NopMetrics) StreamEnded(domain.StreamID, string) {}
func (NopMetrics) ViewerCount(domain.StreamID, int, int) {}
func (NopMetrics) ChatMessageSent(domain.StreamID) {}
func (NopMetrics) ReconcileProbe(string) {}
func (NopMetrics) EventPublished(domain.EventKind) {}
func (NopMetrics) EventDropped(domain.EventKind) {}
