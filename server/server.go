// Package server is a self-hosted MLflare tracking service. It accepts the
// SDK's init/log/finish calls, persists them through a store.Store and serves
// read and live-stream endpoints for runs.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/mlflare/mlflare-go/observe"
	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/store/memory"
)

const (
	DefaultAddr = "127.0.0.1:8787"

	defaultHeartbeat = 15 * time.Second
	maxBodyBytes     = 1 << 20
)

type Config struct {
	Addr  string
	Store store.Store
	// Token is the bearer token every /sdk and /api request must carry.
	// Empty disables auth for loopback clients only.
	Token             string
	TracerProvider    trace.TracerProvider
	Observer          observe.Sink
	HeartbeatInterval time.Duration
}

type Server struct {
	cfg    Config
	stream *eventStream
	mux    *http.ServeMux
	http   *http.Server
	once   sync.Once
}

func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Store == nil {
		log.Println("no store configured, runs are kept in memory")
		cfg.Store = memory.New()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	s := &Server{
		cfg:    cfg,
		stream: newEventStream(),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, wrapped in otelhttp when a tracer
// provider is configured.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	if s.cfg.TracerProvider == nil {
		return s.mux
	}
	return otelhttp.NewHandler(s.mux, "mlflare.server", otelhttp.WithTracerProvider(s.cfg.TracerProvider))
}

func (s *Server) Addr() string { return s.cfg.Addr }

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.http.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	log.Printf("🚀 MLflare tracking server listening on http://%s", ln.Addr())

	select {
	case <-ctx.Done():
		log.Println("⏳ Shutdown signal received, gracefully stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.stream.closeAll()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️  HTTP shutdown error: %v", err)
		}
		log.Println("✅ Server stopped")
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.stream.closeAll()
		outErr = s.http.Shutdown(shutdownCtx)
		if outErr != nil {
			log.Printf("⚠️  Server close error: %v", outErr)
		}
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/sdk/init", s.require(s.handleInit))
	s.mux.HandleFunc("/sdk/log", s.require(s.handleLog))
	s.mux.HandleFunc("/sdk/finish", s.require(s.handleFinish))

	s.mux.HandleFunc("/api/v1/runs", s.require(s.handleRuns))
	s.mux.HandleFunc("/api/v1/runs/", s.require(s.handleRunSubresources))
}

func (s *Server) require(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticate(r); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		h(w, r)
	}
}

func (s *Server) authenticate(r *http.Request) error {
	if s.cfg.Token == "" {
		if isLocalRequest(r.RemoteAddr) {
			return nil
		}
		return fmt.Errorf("auth is disabled for non-local clients")
	}
	key := extractAPIKey(r)
	if key == "" {
		return fmt.Errorf("missing API token")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Token)) != 1 {
		return fmt.Errorf("invalid API token")
	}
	return nil
}

// extractAPIKey reads the bearer token, or the api_key query parameter for
// browser clients that cannot set headers on streams.
func extractAPIKey(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if key := strings.TrimSpace(r.URL.Query().Get("api_key")); key != "" {
		return key
	}
	return ""
}

func isLocalRequest(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	return true
}

func storeStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func splitPath(path string) []string {
	raw := strings.Split(strings.Trim(path, "/"), "/")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
