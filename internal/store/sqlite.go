// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides card/comment/session-log persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
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
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// "column" is a reserved word in SQLite and stays quoted throughout.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			description TEXT,
			"column" TEXT NOT NULL DEFAULT 'backlog',
			session_id TEXT,
			last_message TEXT,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_cards_session_id
			ON cards(session_id);

		CREATE TABLE IF NOT EXISTS comments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			card_id INTEGER NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_comments_card_id
			ON comments(card_id);

		CREATE TABLE IF NOT EXISTS session_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL DEFAULT 'inbound',
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_session_logs_session
			ON session_logs(session_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// runMigrations brings old databases up to the current schema. Earlier
// versions of the cards table predate the session link and enrichment
// columns.
func (s *SQLiteStore) runMigrations() error {
	for _, col := range []string{"session_id", "last_message"} {
		present, err := s.columnExists("cards", col)
		if err != nil {
			return err
		}
		if present {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE cards ADD COLUMN %s TEXT", col)); err != nil {
			return fmt.Errorf("adding cards.%s: %w", col, err)
		}
		s.logger.Info("migrated cards table", "added_column", col)
	}
	return nil
}

func (s *SQLiteStore) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const cardColumns = `id, title, description, "column", session_id, last_message, created_at`

func scanCard(row interface{ Scan(...any) error }) (*Card, error) {
	var card Card
	err := row.Scan(&card.ID, &card.Title, &card.Description, &card.Column,
		&card.SessionID, &card.LastMessage, &card.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// ListCards returns all cards, newest first.
func (s *SQLiteStore) ListCards(ctx context.Context) ([]*Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	defer rows.Close()

	var cards []*Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// GetCard returns one card or ErrNotFound.
func (s *SQLiteStore) GetCard(ctx context.Context, id int64) (*Card, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting card %d: %w", id, err)
	}
	return card, nil
}

// CreateCard inserts a card into the backlog column.
func (s *SQLiteStore) CreateCard(ctx context.Context, title string, description, sessionID *string) (*Card, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cards (title, description, session_id) VALUES (?, ?, ?)`,
		title, description, sessionID)
	if err != nil {
		return nil, fmt.Errorf("creating card: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating card: %w", err)
	}
	return s.GetCard(ctx, id)
}

// UpdateCard applies a partial update and returns the resulting card.
func (s *SQLiteStore) UpdateCard(ctx context.Context, id int64, fields CardUpdate) (*Card, error) {
	existing, err := s.GetCard(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *existing
	if fields.Title != nil {
		next.Title = *fields.Title
	}
	if fields.Description != nil {
		next.Description = fields.Description
	}
	if fields.Column != nil {
		next.Column = *fields.Column
	}
	if fields.SessionID != nil {
		next.SessionID = fields.SessionID
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE cards SET title = ?, description = ?, "column" = ?, session_id = ? WHERE id = ?`,
		next.Title, next.Description, next.Column, next.SessionID, id)
	if err != nil {
		return nil, fmt.Errorf("updating card %d: %w", id, err)
	}
	return s.GetCard(ctx, id)
}

// DeleteCard removes a card and its comments.
func (s *SQLiteStore) DeleteCard(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE card_id = ?`, id); err != nil {
		return fmt.Errorf("deleting comments for card %d: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting card %d: %w", id, err)
	}
	return nil
}

// UpsertCardBySessionID creates or refreshes the card linked to sessionID.
func (s *SQLiteStore) UpsertCardBySessionID(ctx context.Context, sessionID string, fields CardUpsert) (*Card, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE session_id = ? LIMIT 1`, sessionID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("looking up card for session %s: %w", sessionID, err)
	}

	if errors.Is(err, sql.ErrNoRows) {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO cards (title, description, "column", session_id, last_message) VALUES (?, ?, ?, ?, ?)`,
			fields.Title, fields.Description, fields.Column, sessionID, fields.LastMessage)
		if err != nil {
			return nil, fmt.Errorf("inserting card for session %s: %w", sessionID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("inserting card for session %s: %w", sessionID, err)
		}
		return s.GetCard(ctx, id)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE cards SET title = ?, description = ?, "column" = ?, last_message = ? WHERE id = ?`,
		fields.Title, fields.Description, fields.Column, fields.LastMessage, card.ID)
	if err != nil {
		return nil, fmt.Errorf("updating card for session %s: %w", sessionID, err)
	}
	return s.GetCard(ctx, card.ID)
}

// ListComments returns a card's comments, newest first.
func (s *SQLiteStore) ListComments(ctx context.Context, cardID int64) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, card_id, body, created_at FROM comments
		 WHERE card_id = ? ORDER BY created_at DESC, id DESC`, cardID)
	if err != nil {
		return nil, fmt.Errorf("listing comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.CardID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// AddComment attaches a comment to a card. The card must exist.
func (s *SQLiteStore) AddComment(ctx context.Context, cardID int64, body string) (*Comment, error) {
	if _, err := s.GetCard(ctx, cardID); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (card_id, body) VALUES (?, ?)`, cardID, body)
	if err != nil {
		return nil, fmt.Errorf("adding comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("adding comment: %w", err)
	}

	var c Comment
	err = s.db.QueryRowContext(ctx,
		`SELECT id, card_id, body, created_at FROM comments WHERE id = ?`, id).
		Scan(&c.ID, &c.CardID, &c.Body, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("reading back comment: %w", err)
	}
	return &c, nil
}

// ListSessionLogs returns up to limit recent log entries for a session,
// newest first.
func (s *SQLiteStore) ListSessionLogs(ctx context.Context, sessionID string, limit int) ([]*SessionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, direction, body, created_at FROM session_logs
		 WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing session logs: %w", err)
	}
	defer rows.Close()

	var logs []*SessionLog
	for rows.Next() {
		var l SessionLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Direction, &l.Body, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// AddSessionLog appends one activity entry for a session. Unknown directions
// fall back to inbound.
func (s *SQLiteStore) AddSessionLog(ctx context.Context, sessionID, body, direction string) (*SessionLog, error) {
	if direction != DirectionOutbound {
		direction = DirectionInbound
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_logs (session_id, body, direction) VALUES (?, ?, ?)`,
		sessionID, body, direction)
	if err != nil {
		return nil, fmt.Errorf("adding session log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("adding session log: %w", err)
	}

	var l SessionLog
	err = s.db.QueryRowContext(ctx,
		`SELECT id, session_id, direction, body, created_at FROM session_logs WHERE id = ?`, id).
		Scan(&l.ID, &l.SessionID, &l.Direction, &l.Body, &l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("reading back session log: %w", err)
	}
	return &l, nil
}
