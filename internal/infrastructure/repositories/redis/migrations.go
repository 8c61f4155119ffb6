package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 2
)

// Migration is one step of the Redis key-space layout.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient) error
	Down    func(ctx context.Context, client redis.UniversalClient) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.UniversalClient, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: schema version marker only.
			Version: 1,
			Up:      func(ctx context.Context, client redis.UniversalClient) error { return nil },
			Down:    func(ctx context.Context, client redis.UniversalClient) error { return nil },
		},
		{
			// 2: per-state index sets, rebuilt from the stored stream records.
			Version: 2,
			Up:      rebuildStateIndex,
			Down: func(ctx context.Context, client redis.UniversalClient) error {
				return client.Del(ctx,
					keyPrefix+"stream:state:created",
					keyPrefix+"stream:state:live",
					keyPrefix+"stream:state:ended",
				).Err()
			},
		},
	}
}

func rebuildStateIndex(ctx context.Context, client redis.UniversalClient) error {
	streamPrefix := keyPrefix + "stream:"
	iter := client.Scan(ctx, 0, streamPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, streamPrefix+"state:") {
			continue
		}
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}

		var record struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}
		if err := json.Unmarshal(data, &record); err != nil || record.ID == "" {
			continue
		}
		if err := client.SAdd(ctx, streamPrefix+"state:"+record.State, record.ID).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
