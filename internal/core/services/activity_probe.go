package services

import (
	"context"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/pkg/cache"
)

// CachedActivityProbe bounds every provider activity query with a timeout and
// shares results for a short TTL, so a burst of watch-page loads costs one
// provider call per stream.
type CachedActivityProbe struct {
	provider ports.IngestProvider
	cache    *cache.Cache[domain.ProviderStreamID, *domain.IngestActivity]
	timeout  time.Duration
}

func NewCachedActivityProbe(provider ports.IngestProvider, ttl, timeout time.Duration) *CachedActivityProbe {
	return &CachedActivityProbe{
		provider: provider,
		cache:    cache.New[domain.ProviderStreamID, *domain.IngestActivity](ttl),
		timeout:  timeout,
	}
}

var _ ports.ActivityProbe = (*CachedActivityProbe)(nil)

func (p *CachedActivityProbe) Probe(ctx context.Context, id domain.ProviderStreamID) (*domain.IngestActivity, error) {
	return p.cache.GetOrLoad(ctx, id, func(ctx context.Context) (*domain.IngestActivity, error) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.provider.QueryActivity(ctx, id)
	})
}

func (p *CachedActivityProbe) Observe(id domain.ProviderStreamID, activity *domain.IngestActivity) {
	if activity == nil {
		p.cache.Delete(id)
		return
	}
	p.cache.Set(id, activity)
}

func (p *CachedActivityProbe) Stop() {
	p.cache.Stop()
}
