// Package server exposes the router over HTTP: key reads and writes under
// /v1/kv, the routing snapshot under /v1/cluster, and health endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/health"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/devrev/quorumkv/internal/router"
	pb "github.com/devrev/quorumkv/pkg/proto"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// KV is the router surface the server needs.
type KV interface {
	Get(ctx context.Context, key []byte) (router.Result, error)
	Put(ctx context.Context, key, value []byte, opts ...router.WriteOption) (router.Result, error)
	Delete(ctx context.Context, key []byte, opts ...router.WriteOption) (router.Result, error)
	Snapshot(ctx context.Context) (*model.Snapshot, error)
}

// Config holds HTTP server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	MaxValueSize    int64
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// KVResponse is the body of a successful key operation.
type KVResponse struct {
	Code    kverrors.ResultCode `json:"code"`
	Key     string              `json:"key"`
	Value   []byte              `json:"value,omitempty"`
	Version uint64              `json:"version"`
}

// Server is the client-facing HTTP server.
type Server struct {
	cfg        Config
	kv         KV
	health     *health.Checker
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
}

// New builds the server and its routes.
func New(cfg Config, kv KV, checker *health.Checker, logger *zap.Logger) *Server {
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = 1 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		kv:     kv,
		health: checker,
		router: mux.NewRouter(),
		logger: logger,
	}
	s.routes()

	mws := []Middleware{Recovery(logger), RequestID, Logging(logger)}
	if cfg.RateLimitRPS > 0 {
		mws = append(mws, RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, logger))
	}
	if cfg.RequestTimeout > 0 {
		mws = append(mws, Timeout(cfg.RequestTimeout))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      Chain(s.router, mws...),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	if s.health != nil {
		s.router.HandleFunc("/health", s.health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/kv/{key:.+}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/kv/{key:.+}", s.handlePut).Methods(http.MethodPut)
	v1.HandleFunc("/kv/{key:.+}", s.handleDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/cluster/snapshot", s.handleSnapshot).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Code:      kverrors.ResultNotFound,
			Message:   "no such endpoint",
			RequestID: RequestIDFrom(r.Context()),
		})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
			Code:      kverrors.ResultInvalidArgument,
			Message:   fmt.Sprintf("method %s not allowed", r.Method),
			RequestID: RequestIDFrom(r.Context()),
		})
	})
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	res, err := s.kv.Get(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, KVResponse{Code: res.Code, Key: key, Value: res.Value, Version: res.Version})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, kverrors.InvalidArgument(
				fmt.Sprintf("value exceeds %d bytes", s.cfg.MaxValueSize), nil))
			return
		}
		s.writeError(w, r, kverrors.InvalidArgument("failed to read body", err))
		return
	}

	res, err := s.kv.Put(r.Context(), []byte(key), value, s.writeOptions(r)...)
	s.writeResult(w, r, key, res, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	res, err := s.kv.Delete(r.Context(), []byte(key), s.writeOptions(r)...)
	s.writeResult(w, r, key, res, err)
}

func (s *Server) writeOptions(r *http.Request) []router.WriteOption {
	if k := r.Header.Get(headerIdempotencyKey); k != "" {
		return []router.WriteOption{router.WithIdempotencyKey(k)}
	}
	return nil
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, key string, res router.Result, err error) {
	if res.Replayed {
		w.Header().Set(headerReplayed, "true")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, KVResponse{Code: res.Code, Key: key, Version: res.Version})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.kv.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pb.SnapshotFromModel(snap))
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
