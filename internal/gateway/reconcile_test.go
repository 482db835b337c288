// ABOUTME: Tests for change-driven session enrichment
// ABOUTME: Verifies that only sessions with advanced updatedAt trigger history fetches

package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawboard/internal/protocol"
)

type mockHistory struct {
	mu    sync.Mutex
	calls []string
	role  string
	text  string
	err   error
}

func (m *mockHistory) LastMessage(_ context.Context, sessionKey string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sessionKey)
	return m.role, m.text, m.err
}

func (m *mockHistory) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestReconciler_FirstSeenSessionsAreEnriched(t *testing.T) {
	history := &mockHistory{role: "assistant", text: "done"}
	rec := NewReconciler(history, nil)

	merged := rec.Apply(context.Background(), []protocol.SessionSummary{
		{Key: "a", UpdatedAt: 10},
		{Key: "b", UpdatedAt: 20},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, 2, history.callCount())
	for _, s := range merged {
		assert.Equal(t, "assistant", s.LastRole)
		assert.Equal(t, "done", s.LastMessage)
	}
}

func TestReconciler_UnchangedSessionsSkipFetch(t *testing.T) {
	history := &mockHistory{role: "user", text: "hi"}
	rec := NewReconciler(history, nil)

	batch := []protocol.SessionSummary{
		{Key: "a", UpdatedAt: 10},
		{Key: "b", UpdatedAt: 20},
		{Key: "c", UpdatedAt: 30},
	}
	rec.Apply(context.Background(), batch)
	require.Equal(t, 3, history.callCount())

	// second poll: only b advanced
	batch[1].UpdatedAt = 25
	merged := rec.Apply(context.Background(), batch)

	assert.Equal(t, 4, history.callCount())
	assert.Equal(t, "b", history.calls[3])
	require.Len(t, merged, 3)
}

func TestReconciler_EnrichmentFailureDegradesGracefully(t *testing.T) {
	history := &mockHistory{err: errors.New("gateway unreachable")}
	rec := NewReconciler(history, nil)

	merged := rec.Apply(context.Background(), []protocol.SessionSummary{
		{Key: "a", UpdatedAt: 10, DisplayName: "Session A"},
	})

	require.Len(t, merged, 1)
	assert.Equal(t, "Session A", merged[0].DisplayName)
	assert.Empty(t, merged[0].LastMessage)
	assert.Empty(t, merged[0].LastRole)
}

func TestReconciler_FailedFetchRetriesOnlyWhenChanged(t *testing.T) {
	history := &mockHistory{err: errors.New("boom")}
	rec := NewReconciler(history, nil)

	batch := []protocol.SessionSummary{{Key: "a", UpdatedAt: 10}}
	rec.Apply(context.Background(), batch)
	require.Equal(t, 1, history.callCount())

	// the cache advanced despite the failure; an identical poll stays quiet
	rec.Apply(context.Background(), batch)
	assert.Equal(t, 1, history.callCount())

	batch[0].UpdatedAt = 11
	rec.Apply(context.Background(), batch)
	assert.Equal(t, 2, history.callCount())
}

func TestReconciler_EmptyKeyIsIgnored(t *testing.T) {
	history := &mockHistory{role: "user", text: "x"}
	rec := NewReconciler(history, nil)

	merged := rec.Apply(context.Background(), []protocol.SessionSummary{
		{Key: "", UpdatedAt: 10},
	})

	require.Len(t, merged, 1)
	assert.Equal(t, 0, history.callCount())
}

func TestReconciler_DoesNotMutateInput(t *testing.T) {
	history := &mockHistory{role: "assistant", text: "enriched"}
	rec := NewReconciler(history, nil)

	input := []protocol.SessionSummary{{Key: "a", UpdatedAt: 10}}
	merged := rec.Apply(context.Background(), input)

	assert.Empty(t, input[0].LastMessage)
	assert.Equal(t, "enriched", merged[0].LastMessage)
}

func TestReconciler_PartialEnrichmentKeepsExistingFields(t *testing.T) {
	// a fetch that returns a role but no text must not blank prior text
	history := &mockHistory{role: "assistant", text: ""}
	rec := NewReconciler(history, nil)

	merged := rec.Apply(context.Background(), []protocol.SessionSummary{
		{Key: "a", UpdatedAt: 10, LastMessage: "from summary"},
	})

	require.Len(t, merged, 1)
	assert.Equal(t, "assistant", merged[0].LastRole)
	assert.Equal(t, "from summary", merged[0].LastMessage)
}
