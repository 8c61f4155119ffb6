package domain

import "time"

type MessageID string

// ChatMessage is immutable once appended.
type ChatMessage struct {
	ID       MessageID `json:"id" db:"id"`
	StreamID StreamID  `json:"stream_id" db:"stream_id"`
	AuthorID UserID    `json:"author_id" db:"author_id"`
	Body     string    `json:"body" db:"body"`
	// Seq is assigned by the store and strictly increases per stream.
	Seq       int64     `json:"seq" db:"seq"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
