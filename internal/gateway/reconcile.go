// ABOUTME: Session reconciliation with change-driven enrichment
// ABOUTME: Diffs updatedAt against a per-connection cache and enriches only changed sessions

package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/clawboard/internal/protocol"
)

// HistoryFetcher fetches the most recent message of a session. Implemented
// by ToolsClient; narrowed to an interface for tests.
type HistoryFetcher interface {
	LastMessage(ctx context.Context, sessionKey string) (role, text string, err error)
}

// Reconciler tracks the last observed updatedAt per session key for one
// gateway connection. The cache belongs to that connection alone and dies
// with it.
type Reconciler struct {
	history HistoryFetcher
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]int64
}

// NewReconciler creates a reconciler around the given history fetcher.
func NewReconciler(history HistoryFetcher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		history: history,
		logger:  logger.With("component", "reconciler"),
		last:    make(map[string]int64),
	}
}

// Apply merges one poll's session summaries against the cache. Sessions
// whose updatedAt is unchanged pass through as-is; changed or first-seen
// sessions get their most recent message fetched and merged in. All
// enrichment fetches run concurrently and are joined before the merged
// batch is returned, so callers always emit a complete list.
//
// An enrichment failure leaves the affected session unenriched; it never
// aborts the batch.
func (r *Reconciler) Apply(ctx context.Context, sessions []protocol.SessionSummary) []protocol.SessionSummary {
	merged := make([]protocol.SessionSummary, len(sessions))
	copy(merged, sessions)

	var wg sync.WaitGroup
	for i := range merged {
		key := merged[i].Key
		if key == "" {
			continue
		}
		if !r.advance(key, merged[i].UpdatedAt) {
			continue
		}

		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			role, text, err := r.history.LastMessage(ctx, key)
			if err != nil {
				r.logger.Debug("enrichment fetch failed", "session", key, "error", err)
				return
			}
			if role != "" {
				merged[i].LastRole = role
			}
			if text != "" {
				merged[i].LastMessage = text
			}
		}(i, key)
	}
	wg.Wait()

	return merged
}

// advance records updatedAt for key and reports whether it changed since the
// last poll. First-seen keys count as changed.
func (r *Reconciler) advance(key string, updatedAt int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, seen := r.last[key]
	if seen && previous == updatedAt {
		return false
	}
	r.last[key] = updatedAt
	return true
}
