package chat

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists messages and posts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL (postgres://...), applies pending
// migrations and returns a ready store.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("chat: open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chat: ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore creates a store on an existing handle. The schema must
// already be migrated.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate brings the schema at databaseURL up to date.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("chat: load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("chat: init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, senderID, receiverID, text string) (*Message, error) {
	m := &Message{
		ID:         uuid.NewString(),
		Message:    text,
		SenderID:   senderID,
		ReceiverID: receiverID,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	const query = `
		INSERT INTO messages (id, message, sender_id, receiver_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, m.ID, m.Message, m.SenderID, m.ReceiverID, m.CreatedAt); err != nil {
		return nil, fmt.Errorf("chat: insert message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) CreatePost(ctx context.Context, userID, text string) (*Post, error) {
	p := &Post{
		ID:        uuid.NewString(),
		Text:      text,
		UserID:    userID,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	const query = `
		INSERT INTO posts (id, text, user_id, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, p.ID, p.Text, p.UserID, p.CreatedAt); err != nil {
		return nil, fmt.Errorf("chat: insert post: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Conversation(ctx context.Context, a, b string, cursor *Cursor, limit int) ([]Message, error) {
	const base = `
		SELECT id, message, sender_id, receiver_id, created_at
		FROM messages
		WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))`

	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, base+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, a, b, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, base+`
		  AND (created_at, id) <= ($3, $4::uuid)
		ORDER BY created_at DESC, id DESC
		LIMIT $5`, a, b, cursor.Date.UTC(), cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: query conversation: %w", err)
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Message, &m.SenderID, &m.ReceiverID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: read conversation: %w", err)
	}
	return page, nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
