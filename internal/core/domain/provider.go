package domain

import "time"

// ProvisionedStream is what the ingest provider returns on creation.
type ProvisionedStream struct {
	ProviderStreamID ProviderStreamID
	IngestEndpoint   string
	SecretKey        string
	PlaybackEndpoint string
}

// IngestActivity is the provider's view of whether media is arriving.
type IngestActivity struct {
	Active bool
	// LastActiveAt is when the provider last saw ingest, if it reports it.
	LastActiveAt *time.Time
	CheckedAt    time.Time
}
