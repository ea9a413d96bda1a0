// Package server exposes the chat application over HTTP: login, the chat
// page, the streaming /ask endpoint, the settings page that manages tools
// and agent options, and operational endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/mcpchat/pkg/agent"
	"github.com/kadirpekel/mcpchat/pkg/config"
	"github.com/kadirpekel/mcpchat/pkg/logger"
	"github.com/kadirpekel/mcpchat/pkg/provision"
	"github.com/kadirpekel/mcpchat/pkg/registry"
	"github.com/kadirpekel/mcpchat/pkg/userconfig"
)

// Server wires the HTTP surface to the agent lifecycle and user settings.
type Server struct {
	cfg          *config.Config
	store        userconfig.Store
	manager      *agent.Manager
	materializer *provision.Materializer
	registry     *registry.Client
	checkpoints  agent.CheckpointStore
	sessions     *SessionManager
	logger       *slog.Logger

	httpServer *http.Server
}

// New assembles a Server from its collaborators. The agent starts out
// uninitialized; login triggers the first initialization.
func New(cfg *config.Config, store userconfig.Store, materializer *provision.Materializer, registryClient *registry.Client) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		manager:      agent.NewManager(),
		materializer: materializer,
		registry:     registryClient,
		checkpoints:  agent.NewMemoryCheckpointStore(),
		sessions:     NewSessionManager(cfg.Auth.SessionSecret),
		logger:       logger.GetLogger(),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLogin)
	r.Get("/logout", s.handleLogout)
	r.Post("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.Middleware)
		r.Get("/", s.handleIndex)
		r.Post("/ask", s.handleAsk)
		r.Get("/settings", s.handleSettingsPage)
		r.Post("/settings", s.handleSettings)
		r.Post("/reset", s.handleReset)
	})

	return r
}

// Start runs the HTTP server until the context is cancelled, then drains
// in-flight requests and closes the live agent.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP shutdown did not complete cleanly", "error", err)
		}
		if err := s.manager.Replace(nil); err != nil {
			s.logger.Warn("Failed to close agent on shutdown", "error", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
