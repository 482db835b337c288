// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers card CRUD, session upserts, comments, and session log limiting

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func strPtr(s string) *string { return &s }

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetCard(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	card, err := store.CreateCard(ctx, "Fix the build", strPtr("flaky on arm"), strPtr("agent:main"))
	if err != nil {
		t.Fatalf("CreateCard failed: %v", err)
	}

	if card.Title != "Fix the build" {
		t.Errorf("Title mismatch: got %q", card.Title)
	}
	if card.Column != ColumnBacklog {
		t.Errorf("new cards should land in backlog, got %q", card.Column)
	}
	if card.SessionID == nil || *card.SessionID != "agent:main" {
		t.Errorf("SessionID mismatch: got %v", card.SessionID)
	}

	got, err := store.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetCard failed: %v", err)
	}
	if got.ID != card.ID || got.Title != card.Title {
		t.Errorf("GetCard returned %+v, want %+v", got, card)
	}
}

func TestGetCard_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetCard(context.Background(), 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateCard_PartialFields(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	card, err := store.CreateCard(ctx, "Initial", strPtr("desc"), nil)
	if err != nil {
		t.Fatalf("CreateCard failed: %v", err)
	}

	updated, err := store.UpdateCard(ctx, card.ID, CardUpdate{Column: strPtr(ColumnDoing)})
	if err != nil {
		t.Fatalf("UpdateCard failed: %v", err)
	}

	if updated.Column != ColumnDoing {
		t.Errorf("Column not updated: got %q", updated.Column)
	}
	if updated.Title != "Initial" {
		t.Errorf("Title should be unchanged, got %q", updated.Title)
	}
	if updated.Description == nil || *updated.Description != "desc" {
		t.Errorf("Description should be unchanged, got %v", updated.Description)
	}
}

func TestUpdateCard_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.UpdateCard(context.Background(), 42, CardUpdate{Title: strPtr("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCard_RemovesComments(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	card, err := store.CreateCard(ctx, "doomed", nil, nil)
	if err != nil {
		t.Fatalf("CreateCard failed: %v", err)
	}
	if _, err := store.AddComment(ctx, card.ID, "a comment"); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	if err := store.DeleteCard(ctx, card.ID); err != nil {
		t.Fatalf("DeleteCard failed: %v", err)
	}

	if _, err := store.GetCard(ctx, card.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("card should be gone, got %v", err)
	}
	comments, err := store.ListComments(ctx, card.ID)
	if err != nil {
		t.Fatalf("ListComments failed: %v", err)
	}
	if len(comments) != 0 {
		t.Errorf("comments should be gone, got %d", len(comments))
	}
}

func TestListCards_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.CreateCard(ctx, fmt.Sprintf("card-%d", i), nil, nil); err != nil {
			t.Fatalf("CreateCard failed: %v", err)
		}
	}

	cards, err := store.ListCards(ctx)
	if err != nil {
		t.Fatalf("ListCards failed: %v", err)
	}
	if len(cards) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(cards))
	}
	// identical created_at timestamps fall back to id ordering
	if cards[0].Title != "card-2" || cards[2].Title != "card-0" {
		t.Errorf("wrong order: %q, %q, %q", cards[0].Title, cards[1].Title, cards[2].Title)
	}
}

func TestUpsertCardBySessionID_InsertThenUpdate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	first, err := store.UpsertCardBySessionID(ctx, "agent:main", CardUpsert{
		Title:       "Main agent",
		Description: "agent:main",
		Column:      ColumnDoing,
		LastMessage: strPtr("working on it"),
	})
	if err != nil {
		t.Fatalf("UpsertCardBySessionID failed: %v", err)
	}
	if first.Column != ColumnDoing {
		t.Errorf("Column mismatch: got %q", first.Column)
	}

	second, err := store.UpsertCardBySessionID(ctx, "agent:main", CardUpsert{
		Title:       "Main agent",
		Description: "agent:main",
		Column:      ColumnReview,
		LastMessage: strPtr("done, take a look"),
	})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("upsert created a new card: %d != %d", second.ID, first.ID)
	}
	if second.Column != ColumnReview {
		t.Errorf("Column not refreshed: got %q", second.Column)
	}
	if second.LastMessage == nil || *second.LastMessage != "done, take a look" {
		t.Errorf("LastMessage not refreshed: got %v", second.LastMessage)
	}

	cards, err := store.ListCards(ctx)
	if err != nil {
		t.Fatalf("ListCards failed: %v", err)
	}
	if len(cards) != 1 {
		t.Errorf("expected 1 card, got %d", len(cards))
	}
}

func TestAddComment_MissingCard(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.AddComment(context.Background(), 123, "orphan")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionLogs_LimitAndDirection(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		direction := DirectionInbound
		if i%2 == 0 {
			direction = DirectionOutbound
		}
		if _, err := store.AddSessionLog(ctx, "agent:main", fmt.Sprintf("entry-%d", i), direction); err != nil {
			t.Fatalf("AddSessionLog failed: %v", err)
		}
	}

	logs, err := store.ListSessionLogs(ctx, "agent:main", 3)
	if err != nil {
		t.Fatalf("ListSessionLogs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].Body != "entry-4" {
		t.Errorf("expected newest first, got %q", logs[0].Body)
	}

	other, err := store.ListSessionLogs(ctx, "agent:other", 10)
	if err != nil {
		t.Fatalf("ListSessionLogs failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no logs for other session, got %d", len(other))
	}
}

func TestAddSessionLog_UnknownDirectionFallsBackToInbound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	log, err := store.AddSessionLog(context.Background(), "s", "body", "sideways")
	if err != nil {
		t.Fatalf("AddSessionLog failed: %v", err)
	}
	if log.Direction != DirectionInbound {
		t.Errorf("expected inbound fallback, got %q", log.Direction)
	}
}

func TestMigration_AddsColumnsToOldSchema(t *testing.T) {
	store := newTestStore(t)

	// simulate a pre-migration database by dropping the new columns
	if _, err := store.db.Exec(`ALTER TABLE cards DROP COLUMN session_id`); err != nil {
		t.Fatalf("dropping session_id: %v", err)
	}
	if _, err := store.db.Exec(`ALTER TABLE cards DROP COLUMN last_message`); err != nil {
		t.Fatalf("dropping last_message: %v", err)
	}

	if err := store.runMigrations(); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	for _, col := range []string{"session_id", "last_message"} {
		present, err := store.columnExists("cards", col)
		if err != nil {
			t.Fatalf("columnExists failed: %v", err)
		}
		if !present {
			t.Errorf("column %s missing after migration", col)
		}
	}
	store.Close()
}
