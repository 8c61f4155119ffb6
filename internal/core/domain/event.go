package domain

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventChat        EventKind = "chat"
	EventViewerCount EventKind = "viewer-count"
	EventStreamState EventKind = "stream-state"
)

// Event is what subscribers of a stream topic receive.
type Event struct {
	Kind      EventKind       `json:"type"`
	StreamID  StreamID        `json:"stream_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type ViewerCountPayload struct {
	Current int `json:"current"`
	Peak    int `json:"peak"`
}

type StreamStatePayload struct {
	State   StreamState `json:"state"`
	EndedAt *time.Time  `json:"ended_at,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

const (
	EndReasonOwner    = "owner"
	EndReasonInactive = "ingest_inactive"
	EndReasonDeleted  = "deleted"
)

func NewChatEvent(msg *ChatMessage) (*Event, error) {
	return newEvent(EventChat, msg.StreamID, msg)
}

func NewViewerCountEvent(streamID StreamID, current, peak int) (*Event, error) {
	return newEvent(EventViewerCount, streamID, ViewerCountPayload{Current: current, Peak: peak})
}

func NewStreamStateEvent(s *Stream, reason string) (*Event, error) {
	return newEvent(EventStreamState, s.ID, StreamStatePayload{State: s.State, EndedAt: s.EndedAt, Reason: reason})
}

func newEvent(kind EventKind, streamID StreamID, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Kind:      kind,
		StreamID:  streamID,
		Timestamp: time.Now(),
		Payload:   data,
	}, nil
}
