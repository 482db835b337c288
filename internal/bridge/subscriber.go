// ABOUTME: Per-subscriber session fan-out over WebSocket
// ABOUTME: One upstream gateway connection, reconciler, and poll timer per subscriber

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/clawboard/internal/gateway"
	"github.com/2389/clawboard/internal/protocol"
)

// downstreamMessage is the wire shape of every message sent to a subscriber.
type downstreamMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

type sessionsPayload struct {
	Sessions []protocol.SessionSummary `json:"sessions"`
}

// subscriber serializes writes to one downstream socket. Chat events and
// enriched session batches are written from different goroutines.
type subscriber struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func (sub *subscriber) send(ctx context.Context, msg downstreamMessage) error {
	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	return wsjson.Write(ctx, sub.ws, msg)
}

// handleSubscribe runs the full per-subscriber lifecycle: accept, dial a
// dedicated upstream connection, poll while ready, and fan events out to
// this subscriber only. The subscriber's disconnect tears everything down.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("ws accept failed", "error", err)
		return
	}
	sub := &subscriber{ws: ws}
	defer ws.Close(websocket.StatusNormalClosure, "")

	// downstream close is detected via the read side; we never expect
	// inbound messages
	ctx := ws.CloseRead(r.Context())

	token, err := s.cfg.RequireGatewayToken()
	if err != nil {
		// exactly one error event, no upstream dial
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sub.send(writeCtx, downstreamMessage{Type: "error", Message: err.Error()})
		ws.Close(websocket.StatusPolicyViolation, "missing gateway token")
		return
	}

	conn, err := gateway.Dial(ctx, gateway.ConnConfig{
		URL:        s.cfg.Gateway.WSURL,
		Token:      token,
		Identity:   s.identity,
		ClientID:   "clawboard",
		ClientMode: "backend",
		Role:       "operator",
		Scopes:     []string{"operator.read"},
		Logger:     s.logger,
	})
	if err != nil {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sub.send(writeCtx, downstreamMessage{Type: "error", Message: err.Error()})
		return
	}
	defer conn.Close()

	reconciler := gateway.NewReconciler(s.tools, s.logger)

	ticker := time.NewTicker(s.cfg.Gateway.PollInterval)
	defer ticker.Stop()

	// enrichment runs per batch in its own goroutine so a slow history
	// fetch never stalls chat delivery; joined before returning
	var enrich sync.WaitGroup
	defer enrich.Wait()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := conn.RequestSessions(ctx); err != nil {
				if errors.Is(err, gateway.ErrNotReady) {
					continue // skipped tick, not an error
				}
				s.logger.Debug("session poll failed", "error", err)
			}

		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case gateway.KindReady:
				// first poll immediately rather than waiting a full tick
				if err := conn.RequestSessions(ctx); err != nil && !errors.Is(err, gateway.ErrNotReady) {
					s.logger.Debug("initial session poll failed", "error", err)
				}

			case gateway.KindSessions:
				enrich.Add(1)
				go func(batch []protocol.SessionSummary) {
					defer enrich.Done()
					merged := reconciler.Apply(ctx, batch)
					if err := sub.send(ctx, downstreamMessage{
						Type:    "sessions",
						Payload: sessionsPayload{Sessions: merged},
					}); err != nil {
						s.logger.Debug("sessions delivery failed", "error", err)
					}
				}(ev.Sessions)

			case gateway.KindChat:
				if err := sub.send(ctx, downstreamMessage{
					Type:    "chat",
					Payload: json.RawMessage(ev.Chat),
				}); err != nil {
					return
				}

			case gateway.KindError:
				writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = sub.send(writeCtx, downstreamMessage{Type: "error", Message: ev.Err.Error()})
				cancel()
				return
			}
		}
	}
}
