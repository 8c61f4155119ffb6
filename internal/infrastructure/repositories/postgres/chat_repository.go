package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/pkg/tracing"

	"github.com/jmoiron/sqlx"
)

// PostgresChatRepository allocates Seq from a per-stream counter row inside
// the insert's transaction. The row lock is held until commit, so a message
// with a lower seq is always visible before one with a higher seq.
type PostgresChatRepository struct {
	db *sqlx.DB
}

func NewPostgresChatRepository(db *sqlx.DB) ports.ChatRepository {
	return &PostgresChatRepository{db: db}
}

func (r *PostgresChatRepository) Append(ctx context.Context, msg *domain.ChatMessage) (err error) {
	ctx, span := tracing.TraceStoreQuery(ctx, "insert", "chat_messages")
	defer span.End()

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin chat transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var seq int64
	if err = tx.GetContext(ctx, &seq, `
		insert into chat_sequences (stream_id, last_seq) values ($1, 1)
			on conflict (stream_id) do update set last_seq = chat_sequences.last_seq + 1
		returning last_seq;`, msg.StreamID); err != nil {
		return fmt.Errorf("failed to allocate chat sequence: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		insert into chat_messages (stream_id, seq, id, author_id, body, created_at)
			values ($1, $2, $3, $4, $5, $6);`,
		msg.StreamID, seq, msg.ID, msg.AuthorID, msg.Body, msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat message: %w", err)
	}
	msg.Seq = seq
	return nil
}

func (r *PostgresChatRepository) Recent(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 {
		return []*domain.ChatMessage{}, nil
	}

	query := `
		select id, stream_id, author_id, body, seq, created_at from (
			select * from chat_messages
				where stream_id = $1
				order by seq desc
				limit $2
		) recent order by seq asc;`

	messages := []*domain.ChatMessage{}
	if err := r.db.SelectContext(ctx, &messages, query, streamID, limit); err != nil {
		return nil, fmt.Errorf("failed to select chat history: %w", err)
	}
	return messages, nil
}

func (r *PostgresChatRepository) DeleteByStream(ctx context.Context, streamID domain.StreamID) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin chat transaction: %w", err)
	}
	defer tx.Rollback()

	for _, query := range []string{
		`delete from chat_messages where stream_id = $1;`,
		`delete from chat_sequences where stream_id = $1;`,
	} {
		if _, err := tx.ExecContext(ctx, query, streamID); err != nil {
			return fmt.Errorf("failed to delete chat messages: %w", err)
		}
	}
	return tx.Commit()
}
