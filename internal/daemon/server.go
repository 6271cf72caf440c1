package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/taskora/chatcore/internal/api"
	"github.com/taskora/chatcore/internal/config"
	"github.com/taskora/chatcore/internal/status"
	"github.com/taskora/chatcore/internal/transport"
	"github.com/taskora/chatcore/internal/ws"
	"go.uber.org/zap"
)

// Server manages the HTTP lifecycle for an instance daemon. It serves
// the WebSocket endpoint and a health probe.
type Server struct {
	http     *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer binds the daemon's listen address and mounts the routes.
func NewServer(
	p Params,
	logger *zap.Logger,
	core *api.Core,
	subs transport.Subscriber,
	hub *ws.Hub,
	machine *status.Machine,
	cfg *config.Config,
) (*Server, error) {
	addr := p.ListenAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", ws.MakeHandler(core, subs, hub, logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": string(machine.Current()),
		})
	})

	return &Server{
		http:     &http.Server{Handler: r},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown", zap.Error(err))
	}
}
