// ABOUTME: Bridge server wiring: routes, lifecycle, and graceful shutdown
// ABOUTME: Owns the store, event bus, tools client, and device identity

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/clawboard/internal/config"
	"github.com/2389/clawboard/internal/events"
	"github.com/2389/clawboard/internal/gateway"
	"github.com/2389/clawboard/internal/identity"
	"github.com/2389/clawboard/internal/store"
)

// Server is the downstream HTTP/WebSocket surface of the bridge.
type Server struct {
	cfg      *config.Config
	store    store.Store
	bus      *events.Bus
	identity *identity.Identity
	tools    *gateway.ToolsClient
	logger   *slog.Logger
}

// New creates a bridge server. The tools client is constructed even when the
// token is missing; every gateway-touching handler re-checks the token and
// fails fast instead.
func New(cfg *config.Config, st store.Store, id *identity.Identity, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		bus:      events.New(),
		identity: id,
		tools:    gateway.NewToolsClient(cfg.Gateway.URL, cfg.Gateway.Token),
		logger:   logger.With("component", "bridge"),
	}
}

// Bus exposes the local event bus, mainly for tests.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Handler returns the complete route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// session fan-out
	mux.HandleFunc("GET /ws", s.handleSubscribe)

	// kanban board
	mux.HandleFunc("GET /api/cards", s.handleListCards)
	mux.HandleFunc("POST /api/cards", s.handleCreateCard)
	mux.HandleFunc("GET /api/cards/{id}", s.handleGetCard)
	mux.HandleFunc("PATCH /api/cards/{id}", s.handleUpdateCard)
	mux.HandleFunc("DELETE /api/cards/{id}", s.handleDeleteCard)
	mux.HandleFunc("GET /api/cards/{id}/comments", s.handleListComments)
	mux.HandleFunc("POST /api/cards/{id}/comments", s.handleAddComment)
	mux.HandleFunc("GET /api/sessions/{id}/logs", s.handleListSessionLogs)
	mux.HandleFunc("POST /api/sessions/{id}/logs", s.handleAddSessionLog)

	// gateway-touching paths
	mux.HandleFunc("GET /api/gateway/sync", s.handleSync)
	mux.HandleFunc("GET /api/gateway/history", s.handleHistory)
	mux.HandleFunc("POST /api/gateway/send", s.handleSend)

	// local board events
	mux.HandleFunc("GET /api/stream", s.handleStream)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

// Run serves until the context is canceled, then shuts down gracefully and
// releases the event bus.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.HTTPAddr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge server listening", "addr", s.cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.bus.Close()
		if err != nil {
			return fmt.Errorf("bridge server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down bridge server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	s.bus.Close()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"device_id": s.identity.DeviceID,
	})
}
