// ABOUTME: Tests for the REST surface: cards, comments, session logs, sync, history, send
// ABOUTME: Uses a real SQLite store and fake gateway endpoints behind httptest

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawboard/internal/config"
	"github.com/2389/clawboard/internal/identity"
	"github.com/2389/clawboard/internal/store"
)

// testBridge bundles a bridge server with handles the tests poke directly.
type testBridge struct {
	server *Server
	store  *store.SQLiteStore
	http   *httptest.Server
}

func newTestBridge(t *testing.T, mutate func(cfg *config.Config)) *testBridge {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "device.json"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Gateway.Token = "tok"
	if mutate != nil {
		mutate(cfg)
	}

	srv := New(cfg, st, id, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.bus.Close)

	return &testBridge{server: srv, store: st, http: ts}
}

func (tb *testBridge) request(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(method, tb.http.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var parsed map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

// fakeToolsServer answers tools/invoke with canned per-tool bodies and
// records the invocations.
type toolsRecorder struct {
	srv   *httptest.Server
	calls chan map[string]any
}

func fakeToolsServer(t *testing.T, responses map[string]string) *toolsRecorder {
	t.Helper()
	tr := &toolsRecorder{calls: make(chan map[string]any, 16)}
	tr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		tr.calls <- req

		tool, _ := req["tool"].(string)
		body, ok := responses[tool]
		if !ok {
			http.Error(w, "unknown tool", http.StatusBadRequest)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(tr.srv.Close)
	return tr
}

// fakeUpstreamGateway plays the gateway WS role: challenge, accept any
// connect, hello-ok, answer every sessions.list with the given payload, then
// run extra if set. Returns the ws:// URL and a dial counter.
func fakeUpstreamGateway(t *testing.T, sessionsJSON string, extra func(ctx context.Context, ws *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		if err := wsjson.Write(ctx, ws, map[string]any{
			"type": "event", "event": "connect.challenge",
			"payload": map[string]any{"nonce": "n", "ts": 1},
		}); err != nil {
			return
		}
		var connect map[string]any
		if err := wsjson.Read(ctx, ws, &connect); err != nil {
			return
		}
		if err := wsjson.Write(ctx, ws, map[string]any{
			"type": "res", "ok": true,
			"payload": map[string]any{"type": "hello-ok"},
		}); err != nil {
			return
		}

		var req map[string]any
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			return
		}
		sessionsRes := fmt.Sprintf(`{"type":"res","ok":true,"payload":{"sessions":%s}}`, sessionsJSON)
		if err := ws.Write(ctx, websocket.MessageText, []byte(sessionsRes)); err != nil {
			return
		}
		if extra != nil {
			extra(ctx, ws)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &dials
}

func TestCards_CRUD(t *testing.T) {
	tb := newTestBridge(t, nil)

	resp, body := tb.request(t, http.MethodPost, "/api/cards",
		map[string]any{"title": "Ship it", "description": "soon"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var card store.Card
	require.NoError(t, json.Unmarshal(body["card"], &card))
	assert.Equal(t, "Ship it", card.Title)
	assert.Equal(t, store.ColumnBacklog, card.Column)

	resp, _ = tb.request(t, http.MethodGet, fmt.Sprintf("/api/cards/%d", card.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = tb.request(t, http.MethodPatch, fmt.Sprintf("/api/cards/%d", card.ID),
		map[string]any{"column": store.ColumnDoing})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated store.Card
	require.NoError(t, json.Unmarshal(body["card"], &updated))
	assert.Equal(t, store.ColumnDoing, updated.Column)
	assert.Equal(t, "Ship it", updated.Title)

	resp, body = tb.request(t, http.MethodGet, "/api/cards", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cards []store.Card
	require.NoError(t, json.Unmarshal(body["cards"], &cards))
	assert.Len(t, cards, 1)

	resp, _ = tb.request(t, http.MethodDelete, fmt.Sprintf("/api/cards/%d", card.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = tb.request(t, http.MethodGet, fmt.Sprintf("/api/cards/%d", card.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateCard_RequiresTitle(t *testing.T) {
	tb := newTestBridge(t, nil)

	resp, body := tb.request(t, http.MethodPost, "/api/cards", map[string]any{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "title required")
}

func TestComments_AddAndList(t *testing.T) {
	tb := newTestBridge(t, nil)

	_, body := tb.request(t, http.MethodPost, "/api/cards", map[string]any{"title": "c"})
	var card store.Card
	require.NoError(t, json.Unmarshal(body["card"], &card))

	resp, _ := tb.request(t, http.MethodPost, fmt.Sprintf("/api/cards/%d/comments", card.ID),
		map[string]any{"body": "first!"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = tb.request(t, http.MethodGet, fmt.Sprintf("/api/cards/%d/comments", card.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var comments []store.Comment
	require.NoError(t, json.Unmarshal(body["comments"], &comments))
	require.Len(t, comments, 1)
	assert.Equal(t, "first!", comments[0].Body)
}

func TestComments_MissingCardIs404(t *testing.T) {
	tb := newTestBridge(t, nil)

	resp, _ := tb.request(t, http.MethodPost, "/api/cards/999/comments", map[string]any{"body": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionLogs_AddAndList(t *testing.T) {
	tb := newTestBridge(t, nil)

	resp, body := tb.request(t, http.MethodPost, "/api/sessions/agent:main/logs",
		map[string]any{"body": "sent a nudge", "direction": "outbound"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var log store.SessionLog
	require.NoError(t, json.Unmarshal(body["log"], &log))
	assert.Equal(t, store.DirectionOutbound, log.Direction)

	resp, body = tb.request(t, http.MethodGet, "/api/sessions/agent:main/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs []store.SessionLog
	require.NoError(t, json.Unmarshal(body["logs"], &logs))
	assert.Len(t, logs, 1)
}

func TestHealthz(t *testing.T) {
	tb := newTestBridge(t, nil)

	resp, body := tb.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", string(body["ok"]))
	assert.NotEmpty(t, string(body["device_id"]))
}

func TestSync_MissingTokenFailsWithoutDialing(t *testing.T) {
	wsURL, dials := fakeUpstreamGateway(t, `[]`, nil)
	tb := newTestBridge(t, func(cfg *config.Config) {
		cfg.Gateway.Token = ""
		cfg.Gateway.WSURL = wsURL
	})

	resp, body := tb.request(t, http.MethodGet, "/api/gateway/sync", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "token")
	assert.EqualValues(t, 0, dials.Load())
}

func TestSync_UpsertsCardsAndCompletesVanished(t *testing.T) {
	wsURL, _ := fakeUpstreamGateway(t,
		`[{"sessionKey":"s1","displayName":"Main","updatedAt":5,"totalTokens":100}]`, nil)
	tools := fakeToolsServer(t, map[string]string{
		"sessions_history": `{"result":{"messages":[{"role":"assistant","content":[{"type":"text","text":"all done"}]}]}}`,
	})

	tb := newTestBridge(t, func(cfg *config.Config) {
		cfg.Gateway.WSURL = wsURL
		cfg.Gateway.URL = tools.srv.URL
	})

	// a card whose session no longer exists upstream
	ctx := context.Background()
	vanished := "s-gone"
	doing := store.ColumnDoing
	stale, err := tb.store.CreateCard(ctx, "Old work", nil, &vanished)
	require.NoError(t, err)
	_, err = tb.store.UpdateCard(ctx, stale.ID, store.CardUpdate{Column: &doing})
	require.NoError(t, err)

	resp, body := tb.request(t, http.MethodGet, "/api/gateway/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", string(body["ok"]))
	assert.Equal(t, "1", string(body["count"]))

	cards, err := tb.store.ListCards(ctx)
	require.NoError(t, err)
	require.Len(t, cards, 2)

	bySession := map[string]*store.Card{}
	for _, c := range cards {
		if c.SessionID != nil {
			bySession[*c.SessionID] = c
		}
	}

	synced := bySession["s1"]
	require.NotNil(t, synced, "card for live session should exist")
	assert.Equal(t, "Main", synced.Title)
	// assistant spoke last, so the card lands in review
	assert.Equal(t, store.ColumnReview, synced.Column)
	require.NotNil(t, synced.LastMessage)
	assert.Equal(t, "all done", *synced.LastMessage)

	gone := bySession["s-gone"]
	require.NotNil(t, gone)
	assert.Equal(t, store.ColumnDone, gone.Column)
}

func TestSync_FreshSessionStaysInBacklog(t *testing.T) {
	wsURL, _ := fakeUpstreamGateway(t,
		`[{"sessionKey":"s-new","updatedAt":1,"totalTokens":0}]`, nil)
	tools := fakeToolsServer(t, map[string]string{
		"sessions_history": `{"result":{"messages":[{"role":"assistant","content":"hi"}]}}`,
	})

	tb := newTestBridge(t, func(cfg *config.Config) {
		cfg.Gateway.WSURL = wsURL
		cfg.Gateway.URL = tools.srv.URL
	})

	resp, _ := tb.request(t, http.MethodGet, "/api/gateway/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cards, err := tb.store.ListCards(context.Background())
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, store.ColumnBacklog, cards[0].Column)
	// untitled sessions fall back to the key
	assert.Equal(t, "s-new", cards[0].Title)
}

func TestSync_FallsBackToToolsWhenStreamFails(t *testing.T) {
	tools := fakeToolsServer(t, map[string]string{
		"sessions_list":    `{"result":{"sessions":[{"sessionKey":"s1","updatedAt":3,"totalTokens":9}]}}`,
		"sessions_history": `{"result":{"messages":[{"role":"user","content":"go on"}]}}`,
	})

	tb := newTestBridge(t, func(cfg *config.Config) {
		cfg.Gateway.WSURL = "ws://127.0.0.1:1" // nothing listening
		cfg.Gateway.URL = tools.srv.URL
		cfg.Gateway.SyncTimeout = 200 * time.Millisecond
	})

	resp, body := tb.request(t, http.MethodGet, "/api/gateway/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", string(body["ok"]))

	cards, err := tb.store.ListCards(context.Background())
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, store.ColumnDoing, cards[0].Column)
}

func TestHistory_SortedOldestFirst(t *testing.T) {
	tools := fakeToolsServer(t, map[string]string{
		"sessions_history": `{"result":{"messages":[
			{"role":"assistant","content":"later","createdAt":300},
			{"role":"user","content":"earlier","createdAt":100}
		]}}`,
	})

	tb := newTestBridge(t, func(cfg *config.Config) {
		cfg.Gateway.URL = tools.srv.URL
	})

	resp, body := tb.request(t, http.MethodGet, "/api/gateway/history?sessionKey=s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var messages []struct {
		Role      string `json:"role"`
		CreatedAt int64  `json:"createdAt"`
	}
	require.NoError(t, json.Unmarshal(body["messages"], &messages))
	require.Len(t, messages, 2)
	assert.EqualValues(t, 100, messages[0].CreatedAt)
	assert.EqualValues(t, 300, messages[1].CreatedAt)

	// the proxy asks for the full transcript including tool calls
	call := <-tools.calls
	args := call["args"].(map[string]any)
	assert.Equal(t, true, args["includeTools"])
	assert.EqualValues(t, 80, args["limit"])
}

func TestHistory_RequiresSessionKey(t *testing.T) {
	tb := newTestBridge(t, nil)

	resp, body := tb.request(t, http.MethodGet, "/api/gateway/history", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "sessionKey")
}

func TestSend_DefaultsToSessionDelivery(t *testing.T) {
	tools := fakeToolsServer(t, map[string]string{
		"sessions_send": `{"result":{"delivered":true}}`,
	})
	tb := newTestBridge(t, func(cfg *config.Config) {
		cfg.Gateway.URL = tools.srv.URL
	})

	resp, body := tb.request(t, http.MethodPost, "/api/gateway/send",
		map[string]any{"sessionKey": "s1", "message": "carry on"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", string(body["ok"]))
	assert.JSONEq(t, `{"delivered":true}`, string(body["result"]))

	call := <-tools.calls
	assert.Equal(t, "sessions_send", call["tool"])
}

func TestSend_RoutesTelegramDelivery(t *testing.T) {
	tools := fakeToolsServer(t, map[string]string{
		"message": `{"result":{}}`,
	})
	tb := newTestBridge(t, func(cfg *config.Config) {
		cfg.Gateway.URL = tools.srv.URL
	})

	resp, _ := tb.request(t, http.MethodPost, "/api/gateway/send", map[string]any{
		"sessionKey": "s1",
		"message":    "ping",
		"deliveryContext": map[string]any{
			"channel":   "telegram",
			"to":        "telegram:12345",
			"accountId": "acct",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	call := <-tools.calls
	assert.Equal(t, "message", call["tool"])
	args := call["args"].(map[string]any)
	assert.Equal(t, "telegram", args["channel"])
	// the telegram: prefix is stripped from the target
	assert.Equal(t, "12345", args["target"])
	assert.Equal(t, "acct", args["accountId"])
}

func TestSend_ValidatesInput(t *testing.T) {
	tb := newTestBridge(t, nil)

	resp, body := tb.request(t, http.MethodPost, "/api/gateway/send",
		map[string]any{"sessionKey": "s1", "message": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "missing sessionKey or message")
}

func TestSend_MissingToken(t *testing.T) {
	tb := newTestBridge(t, func(cfg *config.Config) {
		cfg.Gateway.Token = ""
	})

	resp, body := tb.request(t, http.MethodPost, "/api/gateway/send",
		map[string]any{"sessionKey": "s1", "message": "m"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "token")
}
