// ABOUTME: REST handlers for the kanban board and the gateway-touching paths
// ABOUTME: Cards, comments, session logs, one-shot sync, history, send, and the local event stream

package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/clawboard/internal/events"
	"github.com/2389/clawboard/internal/gateway"
	"github.com/2389/clawboard/internal/protocol"
	"github.com/2389/clawboard/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.store.ListCards(r.Context())
	if err != nil {
		s.logger.Error("listing cards failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing cards failed")
		return
	}
	if cards == nil {
		cards = []*store.Card{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string  `json:"title"`
		Description *string `json:"description"`
		SessionID   *string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		writeError(w, http.StatusBadRequest, "title required")
		return
	}

	card, err := s.store.CreateCard(r.Context(), body.Title, body.Description, body.SessionID)
	if err != nil {
		s.logger.Error("creating card failed", "error", err)
		writeError(w, http.StatusInternalServerError, "creating card failed")
		return
	}
	s.bus.Publish(events.Event{Type: events.TypeCardsChanged, CardID: card.ID})
	writeJSON(w, http.StatusOK, map[string]any{"card": card})
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	card, err := s.store.GetCard(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error("getting card failed", "error", err)
		writeError(w, http.StatusInternalServerError, "getting card failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": card})
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Column      *string `json:"column"`
		SessionID   *string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	card, err := s.store.UpdateCard(r.Context(), id, store.CardUpdate{
		Title:       body.Title,
		Description: body.Description,
		Column:      body.Column,
		SessionID:   body.SessionID,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error("updating card failed", "error", err)
		writeError(w, http.StatusInternalServerError, "updating card failed")
		return
	}
	s.bus.Publish(events.Event{Type: events.TypeCardsChanged, CardID: card.ID})
	writeJSON(w, http.StatusOK, map[string]any{"card": card})
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteCard(r.Context(), id); err != nil {
		s.logger.Error("deleting card failed", "error", err)
		writeError(w, http.StatusInternalServerError, "deleting card failed")
		return
	}
	s.bus.Publish(events.Event{Type: events.TypeCardsChanged, CardID: id})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	comments, err := s.store.ListComments(r.Context(), id)
	if err != nil {
		s.logger.Error("listing comments failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing comments failed")
		return
	}
	if comments == nil {
		comments = []*store.Comment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body == "" {
		writeError(w, http.StatusBadRequest, "body required")
		return
	}

	comment, err := s.store.AddComment(r.Context(), id, body.Body)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error("adding comment failed", "error", err)
		writeError(w, http.StatusInternalServerError, "adding comment failed")
		return
	}
	s.bus.Publish(events.Event{Type: events.TypeCommentsChanged, CardID: id})
	writeJSON(w, http.StatusOK, map[string]any{"comment": comment})
}

func (s *Server) handleListSessionLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	logs, err := s.store.ListSessionLogs(r.Context(), sessionID, 10)
	if err != nil {
		s.logger.Error("listing session logs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing session logs failed")
		return
	}
	if logs == nil {
		logs = []*store.SessionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleAddSessionLog(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		Body      string `json:"body"`
		Direction string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body == "" {
		writeError(w, http.StatusBadRequest, "body required")
		return
	}

	log, err := s.store.AddSessionLog(r.Context(), sessionID, body.Body, body.Direction)
	if err != nil {
		s.logger.Error("adding session log failed", "error", err)
		writeError(w, http.StatusInternalServerError, "adding session log failed")
		return
	}
	s.bus.Publish(events.Event{Type: events.TypeSessionLog, SessionID: sessionID})
	writeJSON(w, http.StatusOK, map[string]any{"log": log})
}

// resolveColumn maps a session's activity onto a board column. Fresh sessions
// with zero token usage stay in the backlog regardless of last speaker.
func resolveColumn(session protocol.SessionSummary, lastRole string) string {
	if session.TotalTokens != nil && *session.TotalTokens == 0 {
		return store.ColumnBacklog
	}
	switch lastRole {
	case "user":
		return store.ColumnDoing
	case "assistant":
		return store.ColumnReview
	}
	return store.ColumnBacklog
}

// handleSync performs a one-shot bounded sync: fetch sessions over the
// streaming transport (HTTP tools fallback), upsert a card per session, and
// move cards whose sessions vanished upstream to done.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	token, err := s.cfg.RequireGatewayToken()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	ctx := r.Context()
	sessions, err := gateway.FetchSessions(ctx, gateway.ConnConfig{
		URL:        s.cfg.Gateway.WSURL,
		Token:      token,
		Identity:   s.identity,
		ClientID:   "clawboard-sync",
		ClientMode: "backend",
		Role:       "operator",
		Scopes:     []string{"operator.read"},
		Logger:     s.logger,
	}, s.cfg.Gateway.SyncTimeout)
	if err != nil {
		s.logger.Warn("streaming sync failed, falling back to tools", "error", err)
		sessions, err = s.tools.SessionsList(ctx)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}

	seen := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		if session.Key == "" {
			continue
		}
		seen[session.Key] = true

		title := session.DisplayName
		if title == "" {
			title = session.Key
		}

		var lastMessage *string
		lastRole := ""
		if role, text, err := s.tools.LastMessage(ctx, session.Key); err == nil {
			lastRole = role
			if text != "" {
				lastMessage = &text
			}
		}

		_, err := s.store.UpsertCardBySessionID(ctx, session.Key, store.CardUpsert{
			Title:       title,
			Description: session.Key,
			Column:      resolveColumn(session, lastRole),
			LastMessage: lastMessage,
		})
		if err != nil {
			s.logger.Error("card upsert failed", "session", session.Key, "error", err)
		}
	}

	// sessions gone upstream mean the work finished
	cards, err := s.store.ListCards(ctx)
	if err == nil {
		done := store.ColumnDone
		for _, card := range cards {
			if card.SessionID == nil || seen[*card.SessionID] || card.Column == store.ColumnDone {
				continue
			}
			if _, err := s.store.UpdateCard(ctx, card.ID, store.CardUpdate{Column: &done}); err != nil {
				s.logger.Error("moving vanished session to done failed", "card", card.ID, "error", err)
			}
		}
	}

	s.bus.Publish(events.Event{Type: events.TypeCardsChanged})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(sessions)})
}

// handleHistory proxies a session transcript, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.RequireGatewayToken(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	sessionKey := r.URL.Query().Get("sessionKey")
	if sessionKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing sessionKey"})
		return
	}
	limit := 80
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := s.tools.SessionsHistory(r.Context(), sessionKey, limit, true)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt < messages[j].CreatedAt
	})
	if messages == nil {
		messages = []gateway.HistoryMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messages": messages})
}

// handleSend routes a message either into the session transcript or out over
// a delivery channel such as telegram, mirroring where the conversation last
// took place.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.RequireGatewayToken(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	var body struct {
		SessionKey      string `json:"sessionKey"`
		Message         string `json:"message"`
		Channel         string `json:"channel"`
		LastChannel     string `json:"lastChannel"`
		DeliveryContext struct {
			Channel   string `json:"channel"`
			To        string `json:"to"`
			AccountID string `json:"accountId"`
		} `json:"deliveryContext"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid body"})
		return
	}
	if body.SessionKey == "" || strings.TrimSpace(body.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing sessionKey or message"})
		return
	}

	isTelegram := body.DeliveryContext.Channel == "telegram" ||
		body.Channel == "telegram" || body.LastChannel == "telegram"

	var raw json.RawMessage
	var err error
	if isTelegram {
		target := strings.TrimPrefix(body.DeliveryContext.To, "telegram:")
		raw, err = s.tools.MessageSend(r.Context(), "telegram", target, body.DeliveryContext.AccountID, body.Message)
	} else {
		raw, err = s.tools.SessionsSend(r.Context(), body.SessionKey, body.Message)
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	var parsed map[string]json.RawMessage
	result := json.RawMessage(raw)
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr == nil {
		if r, ok := parsed["result"]; ok {
			result = r
		} else if d, ok := parsed["details"]; ok {
			result = d
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

// handleStream fans local board events out to one UI subscriber with a
// periodic ping to keep intermediaries from closing the socket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("stream accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	sub := s.bus.Subscribe(16)
	if sub == nil {
		return
	}
	defer s.bus.Unsubscribe(sub)

	ctx := ws.CloseRead(r.Context())

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	if err := wsjson.Write(ctx, ws, map[string]string{"type": "ping"}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := wsjson.Write(ctx, ws, map[string]string{"type": "ping"}); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, ws, ev); err != nil {
				return
			}
		}
	}
}
