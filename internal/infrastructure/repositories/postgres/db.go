package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int, logger *zap.SugaredLogger) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to postgres", "max_open_conns", maxOpenConns)
	}
	return db, nil
}

// Migrate applies (or with down=true rolls back one step of) the embedded
// goose migrations.
func Migrate(db *sqlx.DB, down bool) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("cannot set postgres dialect: %w", err)
	}

	if down {
		if err := goose.Down(db.DB, migrationsDir); err != nil {
			return fmt.Errorf("cannot down postgres migrations: %w", err)
		}
		return nil
	}
	if err := goose.Up(db.DB, migrationsDir, goose.WithAllowMissing()); err != nil {
		return fmt.Errorf("cannot up postgres migrations: %w", err)
	}
	return nil
}

// Status prints the migration status through goose's logger.
func Status(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("cannot set postgres dialect: %w", err)
	}
	return goose.Status(db.DB, migrationsDir)
}
