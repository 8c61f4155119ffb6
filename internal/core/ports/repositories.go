package ports

import (
	"context"
	"time"

	"streamcore/internal/core/domain"
)

type StreamRepository interface {
	Create(ctx context.Context, stream *domain.Stream) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	// UpdatePresentation rewrites title, description, category and thumbnail only.
	UpdatePresentation(ctx context.Context, stream *domain.Stream) error
	// TransitionState atomically moves the stream from one state to another
	// and stamps LiveAt or EndedAt with at. It returns domain.ErrStateConflict
	// when the stored state is not from.
	TransitionState(ctx context.Context, id domain.StreamID, from, to domain.StreamState, at time.Time) (*domain.Stream, error)
	// RaisePeak stores max(current peak, peak).
	RaisePeak(ctx context.Context, id domain.StreamID, peak int) error
	Delete(ctx context.Context, id domain.StreamID) error
	ListByState(ctx context.Context, state domain.StreamState) ([]*domain.Stream, error)
}

type ChatRepository interface {
	// Append persists msg and assigns msg.Seq, strictly increasing per stream.
	Append(ctx context.Context, msg *domain.ChatMessage) error
	// Recent returns up to limit newest messages, oldest first.
	Recent(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error)
	DeleteByStream(ctx context.Context, streamID domain.StreamID) error
}

// PresenceStore holds viewer sessions. Every mutation of one stream is
// atomic and reports the resulting session count.
type PresenceStore interface {
	// Touch creates or refreshes a session. created is false for a refresh.
	Touch(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken, now time.Time) (created bool, count int, err error)
	Remove(ctx context.Context, streamID domain.StreamID, token domain.ViewerToken) (removed bool, count int, err error)
	// Reap drops sessions last seen before cutoff.
	Reap(ctx context.Context, streamID domain.StreamID, cutoff time.Time) (removed int, count int, err error)
	Count(ctx context.Context, streamID domain.StreamID) (int, error)
	Clear(ctx context.Context, streamID domain.StreamID) error
}
