package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/control"
	"github.com/mackeh/sitelock/internal/logging"
)

// LockRequest is the body of POST /api/lock. TTL is in whole seconds and
// optional.
type LockRequest struct {
	TTL string `json:"ttl,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the admin API.
type Server struct {
	cfg      config.ServerConfig
	ctrl     *control.Controller
	hub      *Hub
	fallback http.Handler
	logger   *zap.Logger
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithFallback serves h for every path the API does not claim, typically
// the gated reverse proxy.
func WithFallback(h http.Handler) Option {
	return func(s *Server) { s.fallback = h }
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// New builds the admin API around ctrl. The event hub is registered as a
// controller observer.
func New(cfg config.ServerConfig, ctrl *control.Controller, opts ...Option) *Server {
	s := &Server{cfg: cfg, ctrl: ctrl, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	s.hub = NewHub(s.logger)
	ctrl.AddObserver(s.hub)
	s.routes()
	return s
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	auth := s.cfg.Auth
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	s.mux.HandleFunc("GET /api/status", AuthMiddleware(auth, RoleViewer, s.handleStatus))
	s.mux.HandleFunc("POST /api/lock", AuthMiddleware(auth, RoleOperator, s.handleLock))
	s.mux.HandleFunc("POST /api/unlock", AuthMiddleware(auth, RoleOperator, s.handleUnlock))
	s.mux.HandleFunc("GET /api/ws", AuthMiddleware(auth, RoleViewer, s.hub.ServeWS))
	s.mux.Handle("GET /metrics", AuthMiddleware(auth, RoleViewer, promhttp.Handler().ServeHTTP))
	if s.fallback != nil {
		s.mux.Handle("/", s.fallback)
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = config.DefaultServerAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	res, err := s.ctrl.TriggerLock(r.Context(), req.TTL)
	if err != nil {
		code := http.StatusInternalServerError
		if control.IsValidationError(err) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}
	writeResult(w, res)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.TriggerUnlock(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, res)
}

// writeResult answers 200 on success and 409 when the lock was already in
// the requested state or the backend refused.
func writeResult(w http.ResponseWriter, res control.Result) {
	code := http.StatusOK
	if !res.Success {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
