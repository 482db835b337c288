// ABOUTME: Upstream gateway connection state machine over WebSocket
// ABOUTME: One reader goroutine per connection feeding a bounded typed event channel

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/clawboard/internal/identity"
	"github.com/2389/clawboard/internal/protocol"
)

// State of a gateway connection. Closed is reachable from every state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateReady
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned by RequestSessions before the handshake completes.
// Callers polling on a timer treat it as a skipped tick.
var ErrNotReady = errors.New("gateway connection not ready")

// EventKind discriminates events surfaced by a Conn.
type EventKind int

const (
	// KindReady fires once when the handshake completes.
	KindReady EventKind = iota
	// KindSessions carries the summaries of a sessions.list response.
	KindSessions
	// KindChat carries a chat event payload verbatim.
	KindChat
	// KindError carries a transport or auth failure. The connection is
	// closed when it fires.
	KindError
)

// Event is one item on a Conn's event channel.
type Event struct {
	Kind     EventKind
	Sessions []protocol.SessionSummary
	Chat     json.RawMessage
	Err      error
}

// ConnConfig configures one upstream connection.
type ConnConfig struct {
	URL      string
	Token    string
	Identity *identity.Identity

	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string

	Logger *slog.Logger
}

// Conn owns one upstream transport session. It is created in the
// AwaitingChallenge state by Dial and driven entirely by its reader
// goroutine; the owner consumes Events and calls RequestSessions.
type Conn struct {
	cfg    ConnConfig
	ws     *websocket.Conn
	logger *slog.Logger

	state  atomic.Int32
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial opens the upstream transport with the bearer token header and starts
// the reader goroutine. It fails fast without dialing when no token is
// configured. The context bounds the dial only; the connection itself lives
// until Close.
func Dial(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("dialing gateway: %w", errMissingToken)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)

	ws, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:    cfg,
		ws:     ws,
		logger: cfg.Logger.With("component", "gateway"),
		events: make(chan Event, 32),
		ctx:    connCtx,
		cancel: cancel,
	}
	c.state.Store(int32(StateAwaitingChallenge))

	go c.readLoop()
	return c, nil
}

var errMissingToken = errors.New("missing gateway token")

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Events returns the connection's event channel. It is closed when the
// connection ends for any reason.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// RequestSessions sends a sessions.list request. It returns ErrNotReady
// before the handshake completes; the response arrives as a KindSessions
// event rather than a return value.
func (c *Conn) RequestSessions(ctx context.Context) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	return c.write(ctx, protocol.NewSessionsListRequest(uuid.New().String()))
}

// Close tears the connection down. It is idempotent and safe to call from
// any goroutine; the reader goroutine exits and the event channel closes.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

func (c *Conn) write(ctx context.Context, frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, frame)
}

// readLoop is the single reader goroutine. All state transitions happen
// here, so they need no locking beyond the atomic state word.
func (c *Conn) readLoop() {
	defer close(c.events)
	defer c.Close()

	connectSent := false

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.State() != StateClosed && c.ctx.Err() == nil {
				c.logger.Warn("gateway connection lost", "error", err)
				c.emit(Event{Kind: KindError, Err: err})
			}
			c.state.Store(int32(StateClosed))
			return
		}

		frame, ok := protocol.ParseFrame(data)
		if !ok {
			c.logger.Debug("dropping malformed frame", "bytes", len(data))
			continue
		}

		switch {
		case frame.Type == protocol.FrameEvent && frame.Event == protocol.EventConnectChallenge:
			if connectSent {
				c.logger.Warn("ignoring repeated connect challenge")
				continue
			}
			connectSent = true
			if err := c.sendConnect(frame.ChallengePayload()); err != nil {
				c.logger.Error("handshake failed", "error", err)
				c.emit(Event{Kind: KindError, Err: err})
				return
			}

		case frame.IsHelloOK():
			c.state.Store(int32(StateReady))
			c.logger.Debug("gateway handshake complete", "device_id", c.cfg.Identity.DeviceID)
			c.emit(Event{Kind: KindReady})

		case frame.Type == protocol.FrameResponse:
			if sessions, ok := frame.SessionsPayload(); ok {
				c.emit(Event{Kind: KindSessions, Sessions: sessions})
			}

		case frame.Type == protocol.FrameEvent && frame.Event == protocol.EventChat:
			c.emit(Event{Kind: KindChat, Chat: frame.Payload})
		}
	}
}

// sendConnect builds and sends the signed connect request in response to the
// server's challenge. Called at most once per connection.
func (c *Conn) sendConnect(challenge protocol.Challenge) error {
	c.state.Store(int32(StateAuthenticating))

	frame, err := protocol.BuildConnectRequest(c.cfg.Identity, &challenge, protocol.ConnectOptions{
		ClientID:   c.cfg.ClientID,
		ClientMode: c.cfg.ClientMode,
		Role:       c.cfg.Role,
		Scopes:     c.cfg.Scopes,
		Token:      c.cfg.Token,
	})
	if err != nil {
		return fmt.Errorf("building connect request: %w", err)
	}
	if err := c.write(c.ctx, frame); err != nil {
		return fmt.Errorf("sending connect request: %w", err)
	}
	return nil
}

// emit delivers an event, giving up when the connection context is done so
// teardown never blocks on a full channel.
func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
