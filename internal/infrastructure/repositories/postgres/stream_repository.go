package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/pkg/tracing"

	"github.com/jmoiron/sqlx"
)

type streamRow struct {
	ID               string       `db:"id"`
	ProviderStreamID string       `db:"provider_stream_id"`
	OwnerID          string       `db:"owner_id"`
	Title            string       `db:"title"`
	Description      string       `db:"description"`
	Category         string       `db:"category"`
	ThumbnailRef     string       `db:"thumbnail_ref"`
	IngestEndpoint   string       `db:"ingest_endpoint"`
	IngestSecretKey  string       `db:"ingest_secret_key"`
	PlaybackEndpoint string       `db:"playback_endpoint"`
	State            string       `db:"state"`
	PeakViewers      int          `db:"peak_viewers"`
	CreatedAt        time.Time    `db:"created_at"`
	LiveAt           sql.NullTime `db:"live_at"`
	EndedAt          sql.NullTime `db:"ended_at"`
}

func (r streamRow) toDomain() *domain.Stream {
	s := &domain.Stream{
		ID:               domain.StreamID(r.ID),
		ProviderStreamID: domain.ProviderStreamID(r.ProviderStreamID),
		OwnerID:          domain.UserID(r.OwnerID),
		Title:            r.Title,
		Description:      r.Description,
		Category:         r.Category,
		ThumbnailRef:     r.ThumbnailRef,
		Ingest: domain.IngestCredentials{
			Endpoint:  r.IngestEndpoint,
			SecretKey: r.IngestSecretKey,
		},
		PlaybackEndpoint: r.PlaybackEndpoint,
		State:            domain.StreamState(r.State),
		PeakViewers:      r.PeakViewers,
		CreatedAt:        r.CreatedAt,
	}
	if r.LiveAt.Valid {
		t := r.LiveAt.Time
		s.LiveAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		s.EndedAt = &t
	}
	return s
}

const streamColumns = `
	id, provider_stream_id, owner_id, title, description, category, thumbnail_ref,
	ingest_endpoint, ingest_secret_key, playback_endpoint, state, peak_viewers,
	created_at, live_at, ended_at`

// PostgresStreamRepository persists stream records. State transitions are a
// single conditional UPDATE so concurrent writers cannot both succeed.
type PostgresStreamRepository struct {
	db *sqlx.DB
}

func NewPostgresStreamRepository(db *sqlx.DB) ports.StreamRepository {
	return &PostgresStreamRepository{db: db}
}

func (r *PostgresStreamRepository) Create(ctx context.Context, s *domain.Stream) error {
	query := `
		insert into streams (
			id, provider_stream_id, owner_id, title, description, category, thumbnail_ref,
			ingest_endpoint, ingest_secret_key, playback_endpoint, state, peak_viewers, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.ProviderStreamID, s.OwnerID, s.Title, s.Description, s.Category, s.ThumbnailRef,
		s.Ingest.Endpoint, s.Ingest.SecretKey, s.PlaybackEndpoint, s.State, s.PeakViewers, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert stream: %w", err)
	}
	return nil
}

func (r *PostgresStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	var row streamRow
	err := r.db.GetContext(ctx, &row, `select `+streamColumns+` from streams where id = $1;`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select stream: %w", err)
	}
	return row.toDomain(), nil
}

func (r *PostgresStreamRepository) UpdatePresentation(ctx context.Context, s *domain.Stream) error {
	query := `
		update streams
			set (title, description, category, thumbnail_ref) = ($2, $3, $4, $5)
			where id = $1;`

	res, err := r.db.ExecContext(ctx, query, s.ID, s.Title, s.Description, s.Category, s.ThumbnailRef)
	if err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return expectOneRow(res, domain.ErrStreamNotFound)
}

func (r *PostgresStreamRepository) TransitionState(ctx context.Context, id domain.StreamID, from, to domain.StreamState, at time.Time) (*domain.Stream, error) {
	ctx, span := tracing.TraceStoreQuery(ctx, "transition_state", "streams")
	defer span.End()

	var column string
	switch to {
	case domain.StateLive:
		column = "live_at"
	case domain.StateEnded:
		column = "ended_at"
	default:
		return nil, fmt.Errorf("%w: cannot transition to %s", domain.ErrInvalidState, to)
	}

	query := `update streams set state = $3, ` + column + ` = $4
		where id = $1 and state = $2
		returning ` + streamColumns + `;`

	var row streamRow
	err := r.db.GetContext(ctx, &row, query, id, from, to, at)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the stream is gone or another writer moved it first.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrStateConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition stream: %w", err)
	}
	return row.toDomain(), nil
}

func (r *PostgresStreamRepository) RaisePeak(ctx context.Context, id domain.StreamID, peak int) error {
	res, err := r.db.ExecContext(ctx,
		`update streams set peak_viewers = greatest(peak_viewers, $2) where id = $1;`, id, peak)
	if err != nil {
		return fmt.Errorf("failed to raise peak viewers: %w", err)
	}
	return expectOneRow(res, domain.ErrStreamNotFound)
}

func (r *PostgresStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	res, err := r.db.ExecContext(ctx, `delete from streams where id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	return expectOneRow(res, domain.ErrStreamNotFound)
}

func (r *PostgresStreamRepository) ListByState(ctx context.Context, state domain.StreamState) ([]*domain.Stream, error) {
	var rows []streamRow
	err := r.db.SelectContext(ctx, &rows,
		`select `+streamColumns+` from streams where state = $1 order by created_at desc;`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s streams: %w", state, err)
	}

	streams := make([]*domain.Stream, 0, len(rows))
	for _, row := range rows {
		streams = append(streams, row.toDomain())
	}
	return streams, nil
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n < 1 {
		return notFound
	}
	return nil
}
