// Package flowstore adapts the teacher's persistence and knowledge
// subsystems (internal/sessions, internal/memory, internal/skills,
// internal/identity) onto the flow resolver's store interfaces
// (internal/flow/dependencies.go), so the resolver (C4) runs against real
// backends instead of test fakes.
package flowstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/relaykit/core/internal/flow"
	"github.com/relaykit/core/pkg/models"
)

// PostgresMessages implements flow.MessageStore directly against a
// messages table, grounded on internal/sessions/cockroach.go's
// prepared-statement style (same driver, same sql.DB/sql.Stmt shape) but
// scoped to the columns models.PersistedMessage actually carries rather
// than the teacher's session-centric schema.
type PostgresMessages struct {
	db           *sql.DB
	stmtInsert   *sql.Stmt
	stmtListSince *sql.Stmt
}

// NewPostgresMessages opens dsn and prepares the statements PostgresMessages
// needs. Callers are responsible for running the migration in
// migrations/0001_messages.sql (see package doc) before first use.
func NewPostgresMessages(ctx context.Context, dsn string) (*PostgresMessages, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	insert, err := db.PrepareContext(ctx, `
		INSERT INTO messages (
			id, bot_id, chat_id, role, content, route_id, platform,
			sender_channel_identity_id, sender_user_id, external_message_id,
			source_reply_to_message_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	listSince, err := db.PrepareContext(ctx, `
		SELECT id, bot_id, chat_id, role, content, route_id, platform,
			sender_channel_identity_id, sender_user_id, external_message_id,
			source_reply_to_message_id, created_at
		FROM messages
		WHERE chat_id = $1 AND created_at >= $2
		ORDER BY created_at ASC
	`)
	if err != nil {
		_ = insert.Close()
		_ = db.Close()
		return nil, fmt.Errorf("prepare list since: %w", err)
	}

	return &PostgresMessages{db: db, stmtInsert: insert, stmtListSince: listSince}, nil
}

// Close releases the underlying connection and prepared statements.
func (p *PostgresMessages) Close() error {
	_ = p.stmtInsert.Close()
	_ = p.stmtListSince.Close()
	return p.db.Close()
}

// Persist implements flow.MessageStore.
func (p *PostgresMessages) Persist(ctx context.Context, row models.PersistedMessage) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	_, err := p.stmtInsert.ExecContext(ctx,
		row.ID, row.BotID, row.ChatID, row.Role, row.Content, row.RouteID, row.Platform,
		row.SenderChannelIdentityID, row.SenderUserID, row.ExternalMessageID,
		row.SourceReplyToMessageID, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

// ListSince implements flow.MessageStore.
func (p *PostgresMessages) ListSince(ctx context.Context, chatID string, since time.Time) ([]models.PersistedMessage, error) {
	rows, err := p.stmtListSince.QueryContext(ctx, chatID, since)
	if err != nil {
		return nil, fmt.Errorf("list messages since: %w", err)
	}
	defer rows.Close()

	var out []models.PersistedMessage
	for rows.Next() {
		var row models.PersistedMessage
		if err := rows.Scan(&row.ID, &row.BotID, &row.ChatID, &row.Role, &row.Content,
			&row.RouteID, &row.Platform, &row.SenderChannelIdentityID, &row.SenderUserID,
			&row.ExternalMessageID, &row.SourceReplyToMessageID, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

var _ flow.MessageStore = (*PostgresMessages)(nil)
