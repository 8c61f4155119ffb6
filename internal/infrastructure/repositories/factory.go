package repositories

import (
	"context"
	"fmt"

	"streamcore/internal/core/ports"
	"streamcore/internal/infrastructure/repositories/memory"
	"streamcore/internal/infrastructure/repositories/postgres"
	redisrepo "streamcore/internal/infrastructure/repositories/redis"
	"streamcore/pkg/config"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the storage backend from configuration. Redis
// falls back to memory when unreachable; Postgres does not, since a durable
// store was explicitly requested.
type RepositoryFactory struct {
	driver      string
	redisClient *redis.Client
	db          *sqlx.DB
	chatRetain  int
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		driver:     cfg.Storage.Driver,
		chatRetain: cfg.Chat.Retain,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			if factory.driver == "redis" {
				factory.driver = "memory"
			}
		} else {
			factory.redisClient = client
		}
	}

	if factory.driver == "postgres" {
		db, err := postgres.Open(ctx, cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.MaxOpenConns, logger)
		if err != nil {
			factory.Close()
			return nil, err
		}
		if err := postgres.Migrate(db, false); err != nil {
			db.Close()
			factory.Close()
			return nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		factory.db = db
	}

	logger.Infow("repositories configured",
		"driver", factory.driver,
		"shared_presence", factory.redisClient != nil,
	)
	return factory, nil
}

// NewMemoryRepositoryFactory is used by tests and the single-node dev mode.
func NewMemoryRepositoryFactory(chatRetain int) *RepositoryFactory {
	return &RepositoryFactory{driver: "memory", chatRetain: chatRetain, logger: zap.NewNop().Sugar()}
}

func (f *RepositoryFactory) Driver() string {
	return f.driver
}

// RedisClient is nil when Redis is disabled or unreachable.
func (f *RepositoryFactory) RedisClient() redis.UniversalClient {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient
}

func (f *RepositoryFactory) CreateStreamRepository() ports.StreamRepository {
	switch {
	case f.driver == "postgres" && f.db != nil:
		return postgres.NewPostgresStreamRepository(f.db)
	case f.driver == "redis" && f.redisClient != nil:
		return redisrepo.NewRedisStreamRepository(f.redisClient)
	default:
		return memory.NewMemoryStreamRepository()
	}
}

func (f *RepositoryFactory) CreateChatRepository() ports.ChatRepository {
	switch {
	case f.driver == "postgres" && f.db != nil:
		return postgres.NewPostgresChatRepository(f.db)
	case f.driver == "redis" && f.redisClient != nil:
		return redisrepo.NewRedisChatRepository(f.redisClient, f.chatRetain)
	default:
		return memory.NewMemoryChatRepository(f.chatRetain)
	}
}

// CreatePresenceStore shares sessions through Redis whenever a client is
// available, independent of the record store driver.
func (f *RepositoryFactory) CreatePresenceStore() ports.PresenceStore {
	if f.redisClient != nil {
		return redisrepo.NewRedisPresenceStore(f.redisClient)
	}
	return memory.NewMemoryPresenceStore()
}

func (f *RepositoryFactory) Close() error {
	var firstErr error
	if f.db != nil {
		if err := f.db.Close(); err != nil {
			firstErr = err
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.db != nil {
		if err := f.db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
