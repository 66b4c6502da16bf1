// Package api serves the relay's HTTP surface: health, room inspection,
// ICE server hand-out, departure beacons and the admin JSON-RPC socket.
// The signaling routes are mounted on the same mux.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/database"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/signaling"
	"github.com/mikeyg42/videolify/internal/turnserver"
)

// CredentialIssuer hands out TURN credentials. *turnserver.Server
// satisfies it.
type CredentialIssuer interface {
	Credentials(userID string, ttl time.Duration) (username, password string)
	Stats() turnserver.Stats
}

// Deps are the collaborators the API reports on. Hub is required; the rest
// disable their endpoints when nil.
type Deps struct {
	Hub        *signaling.Hub
	Attendance *database.Store
	TURN       CredentialIssuer
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	cfg        *config.Config
	deps       Deps
	limiter    *RateLimiter
	admin      *AdminRPC
	logger     *zap.Logger
	started    time.Time
}

func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	logger = logging.Named(logger, "api")
	s := &Server{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		deps:    deps,
		limiter: NewRateLimiter(cfg.Server.APIRateLimit, cfg.Server.APIRateWindow),
		logger:  logger,
		started: time.Now(),
	}
	s.admin = NewAdminRPC(deps.Hub, cfg.Server.AdminToken, cfg.Server.AllowedOrigins, logger)

	deps.Hub.RegisterRoutes(s.mux)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.limiter.Middleware(s.handleRooms))
	s.mux.HandleFunc("GET /api/rooms/{id}", s.limiter.Middleware(s.handleRoom))
	s.mux.HandleFunc("GET /api/ice-servers", s.limiter.Middleware(s.handleICEServers))
	s.mux.HandleFunc("POST /api/calls/{room}/leave", s.limiter.Middleware(s.handleLeave))
	s.mux.Handle("GET /api/admin/rpc", s.admin)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsMiddleware(cfg.Server.AllowedOrigins, s.mux),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler is the full handler chain, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.logger.Info("starting api server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground serves until Shutdown; errors other than a clean close
// are logged.
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// websockets are not tracked by net/http and close with the process.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	s.limiter.Close()
	s.admin.Close()
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware echoes allow-listed origins and answers preflights.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
