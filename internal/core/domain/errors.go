package domain

import "errors"

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrForbidden           = errors.New("caller is not the stream owner")
	ErrInvalidState        = errors.New("action not permitted in current stream state")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUpstreamUnavailable = errors.New("ingest provider unavailable")
	ErrUnauthenticated     = errors.New("caller is not authenticated")
)

// ErrStateConflict is returned by a repository when a compare-and-set on the
// lifecycle state loses a race.
var ErrStateConflict = errors.New("stream state changed concurrently")
