// ABOUTME: Package documentation for the kanban persistence layer
// ABOUTME: Cards, comments, and session logs backed by SQLite

// Package store persists the kanban board that mirrors gateway sessions:
// cards (optionally linked to a session key), their comments, and per-session
// activity logs. The SQLite implementation owns schema creation and
// migrations; callers only see the Store interface.
package store
