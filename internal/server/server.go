// Package server exposes the live account over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/server/handler"
	"github.com/alanyoungcy/quantbot/internal/server/middleware"
	"github.com/alanyoungcy/quantbot/internal/server/ws"
)

const healthPath = "/api/health"

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables authentication when set.
	APIKey string
	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Account *handler.AccountHandler
	Orders  *handler.OrderHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *slog.Logger
}

// NewServer registers every route and wraps the router in the middleware
// chain. hub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	r := mux.NewRouter()
	r.HandleFunc(healthPath, handlers.Health.HealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", handlers.Status.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/account", handlers.Account.GetAccount).Methods(http.MethodGet)
	api.HandleFunc("/net_values", handlers.Account.ListNetValues).Methods(http.MethodGet)
	api.HandleFunc("/orders", handlers.Orders.ListOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", handlers.Orders.GetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", handlers.Orders.CancelOrder).Methods(http.MethodDelete)

	if hub != nil {
		r.HandleFunc("/ws", hub.HandleWS).Methods(http.MethodGet)
	}

	var h http.Handler = r
	h = middleware.Auth(cfg.APIKey, healthPath)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router: r,
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}
