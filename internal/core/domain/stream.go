package domain

import (
	"time"
)

type StreamID string
type ProviderStreamID string

// StreamState is the lifecycle state of a stream. Ended is terminal.
type StreamState string

const (
	StateCreated StreamState = "created"
	StateLive    StreamState = "live"
	StateEnded   StreamState = "ended"
)

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s StreamState) CanTransition(next StreamState) bool {
	switch s {
	case StateCreated:
		return next == StateLive || next == StateEnded
	case StateLive:
		return next == StateEnded
	default:
		return false
	}
}

func (s StreamState) Valid() bool {
	return s == StateCreated || s == StateLive || s == StateEnded
}

type Stream struct {
	ID               StreamID         `json:"id"`
	ProviderStreamID ProviderStreamID `json:"provider_stream_id"`
	OwnerID          UserID           `json:"owner_id"`

	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	ThumbnailRef string `json:"thumbnail_ref,omitempty"`

	Ingest           IngestCredentials `json:"ingest"`
	PlaybackEndpoint string            `json:"playback_endpoint"`

	State       StreamState `json:"state"`
	PeakViewers int         `json:"peak_viewers"`

	CreatedAt time.Time  `json:"created_at"`
	LiveAt    *time.Time `json:"live_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// IngestCredentials are issued once by the provider and only ever shown to the owner.
type IngestCredentials struct {
	Endpoint  string `json:"endpoint"`
	SecretKey string `json:"secret_key"`
}

type StreamPresentation struct {
	Title        *string
	Description  *string
	Category     *string
	ThumbnailRef *string
}

func (s *Stream) IsOwnedBy(userID UserID) bool {
	return userID != "" && s.OwnerID == userID
}

// Clone returns a deep copy so callers never share mutable timestamps with a repository.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	c := *s
	if s.LiveAt != nil {
		t := *s.LiveAt
		c.LiveAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// StreamView is the public descriptor. The ingest secret never appears here.
type StreamView struct {
	ID               StreamID    `json:"id"`
	OwnerID          UserID      `json:"owner_id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Category         string      `json:"category"`
	ThumbnailRef     string      `json:"thumbnail_ref,omitempty"`
	PlaybackEndpoint string      `json:"playback_endpoint"`
	State            StreamState `json:"state"`
	// IsLive is the display-level liveness: local state Live and the provider not
	// reporting ingest inactivity.
	IsLive         bool       `json:"is_live"`
	LiveConfidence Confidence `json:"live_confidence"`
	CurrentViewers int        `json:"current_viewers"`
	PeakViewers    int        `json:"peak_viewers"`
	CreatedAt      time.Time  `json:"created_at"`
	LiveAt         *time.Time `json:"live_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Confidence describes how fresh the provider signal behind IsLive is.
type Confidence string

const (
	ConfidenceProvider Confidence = "provider"
	ConfidenceDegraded Confidence = "degraded"
	ConfidenceLocal    Confidence = "local"
)

func (s *Stream) View() *StreamView {
	return &StreamView{
		ID:               s.ID,
		OwnerID:          s.OwnerID,
		Title:            s.Title,
		Description:      s.Description,
		Category:         s.Category,
		ThumbnailRef:     s.ThumbnailRef,
		PlaybackEndpoint: s.PlaybackEndpoint,
		State:            s.State,
		IsLive:           s.State == StateLive,
		LiveConfidence:   ConfidenceLocal,
		PeakViewers:      s.PeakViewers,
		CreatedAt:        s.CreatedAt,
		LiveAt:           s.LiveAt,
		EndedAt:          s.EndedAt,
	}
}

type StreamStats struct {
	StreamID       StreamID    `json:"stream_id"`
	State          StreamState `json:"state"`
	IsLive         bool        `json:"is_live"`
	CurrentViewers int         `json:"current_viewers"`
	PeakViewers    int         `json:"peak_viewers"`
	Timestamp      time.Time   `json:"timestamp"`
}
