// Package debugapi exposes a read-only HTTP and WebSocket surface over
// a durable worker's oplog, for operators debugging a worker's replay
// history without attaching a live session. It never mutates the
// store and never drives a replay cursor; GrowthWatcher-based tailing
// is the only thing it shares with the live worker-hosting path.
package debugapi

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golemrt/durable/internal/authgate"
	"github.com/golemrt/durable/internal/durablestore"
	"github.com/golemrt/durable/internal/oplog"
)

// Config tunes the debug surface's defaults and rate limits.
type Config struct {
	Addr string

	// DefaultChunk/MaxChunk bound how many entries a single /oplog
	// list request returns when the caller omits or over-requests n.
	DefaultChunk uint64
	MaxChunk     uint64

	RateReqPerSec float64
	RateBurst     int
}

// DefaultConfig returns sane defaults for a self-hosted deployment.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:          addr,
		DefaultChunk:  256,
		MaxChunk:      1024,
		RateReqPerSec: 20,
		RateBurst:     40,
	}
}

// Store is the subset of oplog.Store this package depends on. Kept as
// a narrow local interface so tests can supply an in-memory double
// without pulling in durablestore's SQLite machinery.
type Store interface {
	Read(ctx context.Context, worker oplog.WorkerID, start oplog.Index, n uint64) ([]oplog.IndexedEntry, error)
	GetPayloadOfEntry(ctx context.Context, worker oplog.WorkerID, entry oplog.Entry) ([]byte, bool, error)
}

// Server serves the debug oplog-search and tail endpoints.
type Server struct {
	cfg     Config
	store   Store
	decoder oplog.PayloadDecoder
	watch   *durablestore.GrowthWatcher
	limiter *tenantLimiter
	authKey *ecdsa.PublicKey
	log     *slog.Logger
	mux     *http.ServeMux
	http    *http.Server
}

// New builds a debug API server. watch may be nil, in which case the
// tail endpoint upgrades the connection but closes it immediately with
// a message explaining growth notifications are unavailable. authKey
// may be nil, disabling the operator-token check — only appropriate
// for loopback-only deployments.
func New(cfg Config, store Store, decoder oplog.PayloadDecoder, watch *durablestore.GrowthWatcher, authKey *ecdsa.PublicKey, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultChunk == 0 {
		cfg.DefaultChunk = 256
	}
	if cfg.MaxChunk == 0 {
		cfg.MaxChunk = 1024
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		decoder: decoder,
		watch:   watch,
		limiter: newTenantLimiter(cfg.RateReqPerSec, cfg.RateBurst),
		authKey: authKey,
		log:     log,
		mux:     http.NewServeMux(),
	}

	// The limiter wraps each route rather than the mux so that the
	// {namespace} path value is already set when it runs.
	s.mux.Handle("GET /oplog/{namespace}/{worker}", s.limiter.middleware(http.HandlerFunc(s.handleList)))
	s.mux.Handle("GET /oplog/{namespace}/{worker}/tail", s.limiter.middleware(http.HandlerFunc(s.handleTail)))

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.authMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// authMiddleware rejects requests lacking a valid operator bearer token.
// A nil authKey disables the check entirely.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.authKey == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tok == "" {
			writeError(w, http.StatusUnauthorized, "missing operator bearer token")
			return
		}
		if _, err := authgate.ValidateOperatorToken(s.authKey, tok); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid operator token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe runs the debug HTTP server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func parseUintQuery(r *http.Request, key string, def uint64) uint64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
