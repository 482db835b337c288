// ABOUTME: Store interface and data types for kanban persistence
// ABOUTME: Defines Card, Comment, SessionLog structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Board columns. Cards always live in exactly one.
const (
	ColumnBacklog = "backlog"
	ColumnDoing   = "doing"
	ColumnReview  = "review"
	ColumnDone    = "done"
)

// Card is one kanban card, optionally linked to a gateway session.
type Card struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Column      string    `json:"column"`
	SessionID   *string   `json:"session_id"`
	LastMessage *string   `json:"last_message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Comment is a note attached to a card.
type Comment struct {
	ID        int64     `json:"id"`
	CardID    int64     `json:"card_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Session log directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// SessionLog is one activity entry for a session.
type SessionLog struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Direction string    `json:"direction"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// CardUpdate is a partial update; nil fields keep their current value.
type CardUpdate struct {
	Title       *string
	Description *string
	Column      *string
	SessionID   *string
}

// CardUpsert carries the session-derived fields written during a sync.
type CardUpsert struct {
	Title       string
	Description string
	Column      string
	LastMessage *string
}

// Store defines the interface for kanban persistence
type Store interface {
	// Cards
	ListCards(ctx context.Context) ([]*Card, error)
	GetCard(ctx context.Context, id int64) (*Card, error)
	CreateCard(ctx context.Context, title string, description, sessionID *string) (*Card, error)
	UpdateCard(ctx context.Context, id int64, fields CardUpdate) (*Card, error)
	DeleteCard(ctx context.Context, id int64) error

	// UpsertCardBySessionID creates or refreshes the card linked to a
	// session key. Column moves follow the sync's resolution; a card a user
	// dragged to done stays put only if the session has vanished upstream,
	// which the caller decides.
	UpsertCardBySessionID(ctx context.Context, sessionID string, fields CardUpsert) (*Card, error)

	// Comments
	ListComments(ctx context.Context, cardID int64) ([]*Comment, error)
	AddComment(ctx context.Context, cardID int64, body string) (*Comment, error)

	// Session logs
	ListSessionLogs(ctx context.Context, sessionID string, limit int) ([]*SessionLog, error)
	AddSessionLog(ctx context.Context, sessionID, body, direction string) (*SessionLog, error)

	// Close releases any resources held by the store
	Close() error
}
