package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/pkg/utils"
)

type memoryStream struct {
	name         string
	active       bool
	lastActiveAt *time.Time
}

// MemoryProvider stands in for a real ingest service in development and
// tests. Ingest activity is driven through SetActive.
type MemoryProvider struct {
	mu              sync.RWMutex
	streams         map[domain.ProviderStreamID]*memoryStream
	ingestURL       string
	playbackBaseURL string
	now             func() time.Time

	// failures makes the next calls fail with ErrUpstreamUnavailable.
	failures int
}

func NewMemoryProvider(ingestURL, playbackBaseURL string) *MemoryProvider {
	return &MemoryProvider{
		streams:         make(map[domain.ProviderStreamID]*memoryStream),
		ingestURL:       ingestURL,
		playbackBaseURL: playbackBaseURL,
		now:             time.Now,
	}
}

var _ ports.IngestProvider = (*MemoryProvider)(nil)

func (p *MemoryProvider) CreateStream(ctx context.Context, name string) (*domain.ProvisionedStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failLocked("create"); err != nil {
		return nil, err
	}

	key, err := utils.GenerateSecretKey(24)
	if err != nil {
		return nil, fmt.Errorf("failed to generate stream key: %w", err)
	}
	id := domain.ProviderStreamID(utils.GenerateID("prov"))
	p.streams[id] = &memoryStream{name: name}

	return &domain.ProvisionedStream{
		ProviderStreamID: id,
		IngestEndpoint:   p.ingestURL,
		SecretKey:        key,
		PlaybackEndpoint: fmt.Sprintf("%s/%s/index.m3u8", p.playbackBaseURL, id),
	}, nil
}

func (p *MemoryProvider) QueryActivity(ctx context.Context, id domain.ProviderStreamID) (*domain.IngestActivity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failLocked("query_activity"); err != nil {
		return nil, err
	}
	s, ok := p.streams[id]
	if !ok {
		return &domain.IngestActivity{CheckedAt: p.now()}, nil
	}
	return &domain.IngestActivity{
		Active:       s.active,
		LastActiveAt: s.lastActiveAt,
		CheckedAt:    p.now(),
	}, nil
}

func (p *MemoryProvider) DeleteStream(ctx context.Context, id domain.ProviderStreamID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failLocked("delete"); err != nil {
		return err
	}
	delete(p.streams, id)
	return nil
}

// SetActive simulates an encoder starting or stopping.
func (p *MemoryProvider) SetActive(id domain.ProviderStreamID, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[id]
	if !ok {
		return
	}
	if s.active && !active {
		t := p.now()
		s.lastActiveAt = &t
	}
	s.active = active
}

// FailNext makes the next n calls fail.
func (p *MemoryProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

func (p *MemoryProvider) Has(id domain.ProviderStreamID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.streams[id]
	return ok
}

func (p *MemoryProvider) failLocked(operation string) error {
	if p.failures <= 0 {
		return nil
	}
	p.failures--
	return fmt.Errorf("%w: %s: simulated failure", domain.ErrUpstreamUnavailable, operation)
}
