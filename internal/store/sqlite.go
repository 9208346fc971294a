// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Self-hosted conversation table with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS profiles (
			id           TEXT PRIMARY KEY,
			email        TEXT,
			display_name TEXT,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			remote_session_id TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'active',
			type              TEXT NOT NULL DEFAULT 'video',
			metadata_json     TEXT,
			created_at        TEXT NOT NULL,
			ended_at          TEXT,

			CHECK (status IN ('active', 'ended', 'error')),
			CHECK ((status = 'active') = (ended_at IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner_created
			ON conversations(owner_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conversations_remote
			ON conversations(remote_session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// ListConversations returns the owner's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string) ([]*Conversation, error) {
	query := `
		SELECT id, owner_id, remote_session_id, status, type, metadata_json, created_at, ended_at
		FROM conversations
		WHERE owner_id = ?
		ORDER BY created_at DESC, rowid DESC
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

// CreateConversation inserts a conversation, assigning ID, CreatedAt and the
// default status.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Type == "" {
		c.Type = TypeVideo
	}
	c.CreatedAt = s.now().UTC()

	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO conversations (id, owner_id, remote_session_id, status, type, metadata_json, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.OwnerID,
		c.RemoteSessionID,
		string(c.Status),
		c.Type,
		metadata,
		c.CreatedAt.Format(timeLayout),
		formatNullableTime(c.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "owner_id", c.OwnerID, "remote_session_id", c.RemoteSessionID)
	return nil
}

// UpdateConversation applies patch to the owner's conversation.
// Returns ErrNotFound if the conversation doesn't exist for that owner.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, ownerID, id string, patch ConversationPatch) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, remote_session_id, status, type, metadata_json, created_at, ended_at
		FROM conversations
		WHERE id = ? AND owner_id = ?
	`, id, ownerID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.EndedAt != nil && patch.EndedAt != nil {
		return nil, ErrAlreadyEnded
	}

	patch.Apply(c)

	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, ended_at = ?, metadata_json = ?
		WHERE id = ? AND owner_id = ?
	`, string(c.Status), formatNullableTime(c.EndedAt), metadata, id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation update: %w", err)
	}

	s.logger.Debug("updated conversation", "id", id, "status", c.Status)
	return c, nil
}

// DeleteConversation removes the owner's conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c            Conversation
		status       string
		metadataJSON sql.NullString
		createdAtStr string
		endedAtStr   sql.NullString
	)

	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.RemoteSessionID,
		&status,
		&c.Type,
		&metadataJSON,
		&createdAtStr,
		&endedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	c.Status = Status(status)

	c.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if endedAtStr.Valid {
		t, err := time.Parse(timeLayout, endedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		c.EndedAt = &t
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata: %w", err)
		}
	}

	return &c, nil
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}
