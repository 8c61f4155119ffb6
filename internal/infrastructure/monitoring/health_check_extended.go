package monitoring

import (
	"context"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddRepositoryCheck lists Live streams as a round-trip through the store.
func (h *HealthChecker) AddRepositoryCheck(repo ports.StreamRepository, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) error {
		_, err := repo.ListByState(ctx, domain.StateLive)
		return err
	}, timeout)
}

// AddPingCheck registers an arbitrary dependency ping such as a SQL pool.
func (h *HealthChecker) AddPingCheck(name string, ping func(ctx context.Context) error, timeout time.Duration) {
	h.AddCheck(name, ping, timeout)
}

// AddProviderCheck reports the ingest provider without making it critical:
// lifecycle reads fall back to degraded confidence while it is down.
func (h *HealthChecker) AddProviderCheck(provider ports.IngestProvider, timeout time.Duration) {
	hc, ok := provider.(interface{ Healthy(context.Context) error })
	if !ok {
		return
	}
	h.AddOptionalCheck("ingest_provider", hc.Healthy, timeout)
}
