package main

import (
	"context"
	"fmt"
	"os"

	"streamcore/internal/infrastructure/repositories/postgres"
	"streamcore/pkg/config"
	"streamcore/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, dsn string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the streamcore postgres schema.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "postgres DSN, overrides storage.postgres.dsn")

	withDB := func(fn func(*postgresSession) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), configPath, dsn)
			if err != nil {
				return err
			}
			defer s.close()
			return fn(s)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withDB(func(s *postgresSession) error {
				if err := postgres.Migrate(s.db, false); err != nil {
					return err
				}
				s.log.Info("migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withDB(func(s *postgresSession) error {
				if err := postgres.Migrate(s.db, true); err != nil {
					return err
				}
				s.log.Info("latest migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print migration status",
			RunE: withDB(func(s *postgresSession) error {
				return postgres.Status(s.db)
			}),
		},
	)
	return root
}

type postgresSession struct {
	db     *sqlx.DB
	log    *zap.SugaredLogger
	logger *zap.Logger
}

func openSession(ctx context.Context, configPath, dsn string) (*postgresSession, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("no postgres DSN: set --dsn, storage.postgres.dsn or STREAMCORE_POSTGRES_DSN")
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	log := zapLogger.Sugar()

	if ctx == nil {
		ctx = context.Background()
	}
	db, err := postgres.Open(ctx, dsn, 1, log)
	if err != nil {
		_ = zapLogger.Sync()
		return nil, err
	}
	return &postgresSession{db: db, log: log, logger: zapLogger}, nil
}

func (s *postgresSession) close() {
	if err := s.db.Close(); err != nil {
		s.log.Warnw("error closing postgres connection", "error", err)
	}
	_ = s.logger.Sync()
}
