// Package rpc exposes the sync orchestrator to local UI processes over a
// JSON-RPC 2.0 endpoint plus a server-sent-events notice stream. The server
// binds to loopback by default and, outside development environments,
// refuses to start without an auth token.
package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"audioplayer/syncd/internal/app"
	"audioplayer/syncd/internal/platform/ratelimiter"
	"audioplayer/syncd/internal/session"
	"audioplayer/syncd/pkg/models"
)

// DefaultAddr is the loopback address the RPC server binds when none is
// configured.
const DefaultAddr = "127.0.0.1:8737"

// Service is the slice of the orchestrator the RPC surface drives.
type Service interface {
	SetIdentifier(ctx context.Context, npub string) error
	ProvideSecret(ctx context.Context, secret string) error
	StartSession(ctx context.Context) error
	EnterViewMode()
	OnForeground(ctx context.Context) error
	RecordPlayback(entry models.HistoryEntry) error
	Logout() error
	State() session.State
	StateNotice() string
	SessionID() string
	Entries() []models.HistoryEntry
	Notices() *app.NoticeHub
}

type Server struct {
	httpServer  *http.Server
	service     Service
	rpcToken    string
	requireRPC  bool
	limiter     *ratelimiter.MapLimiter
	streams     *streamLimiter
	idempotency *idempotencyCache
}

// NewServer builds a server for addr. Token policy comes from the
// environment: SYNCD_RPC_TOKEN carries the token, SYNCD_REQUIRE_RPC_TOKEN
// overrides the default, and the default is fail-closed unless SYNCD_ENV
// names a development environment.
func NewServer(addr string, svc Service) (*Server, error) {
	requireRPC := requiresRPCToken()
	rpcToken, err := resolveRPCToken()
	if err != nil {
		return nil, err
	}
	if requireRPC && rpcToken == "" {
		return nil, errors.New("SYNCD_RPC_TOKEN is required unless SYNCD_REQUIRE_RPC_TOKEN=false or SYNCD_ENV is test/development/local")
	}
	return newServer(addr, svc, rpcToken, requireRPC), nil
}

func newServer(addr string, svc Service, rpcToken string, requireRPC bool) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:     svc,
		rpcToken:    rpcToken,
		requireRPC:  requireRPC,
		limiter:     newRPCRateLimiter(loadRPCRateLimitConfig()),
		streams:     newStreamLimiter(loadStreamLimitConfig()),
		idempotency: newIdempotencyCache(),
	}
	if s.rpcToken == "" && !s.requireRPC {
		slog.Default().Warn("SYNCD_RPC_TOKEN is not set; RPC auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleStream)
	return s
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// applyCORS admits loopback origins only. Requests without an Origin header
// (curl, native UI shells) pass through untouched.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, X-Syncd-RPC-Token, X-Syncd-Idempotency-Key")
	return true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" && !s.requireRPC {
		return true
	}
	if s.extractToken(r) != s.rpcToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("X-Syncd-RPC-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func requiresRPCToken() bool {
	if v, ok := parseBoolEnv("SYNCD_REQUIRE_RPC_TOKEN"); ok {
		if !v && !isNonProdEnv() {
			// Fail-closed in production-like environments.
			return true
		}
		return v
	}
	return !isNonProdEnv()
}

func isNonProdEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("SYNCD_ENV"))) {
	case "test", "testing", "dev", "development", "local":
		return true
	default:
		return false
	}
}

func isAllowedOrigin(raw string) bool {
	if raw == "null" {
		allowNull, _ := parseBoolEnv("SYNCD_ALLOW_NULL_ORIGIN")
		return allowNull
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func parseBoolEnv(name string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func resolveRPCToken() (string, error) {
	token := strings.TrimSpace(os.Getenv("SYNCD_RPC_TOKEN"))
	rotate := strings.EqualFold(token, "auto")
	if !rotate {
		if v, ok := parseBoolEnv("SYNCD_RPC_TOKEN_ROTATE_ON_START"); ok && v {
			rotate = true
		}
	}
	if rotate {
		generated, err := generateRPCToken()
		if err != nil {
			return "", err
		}
		token = generated
		_ = os.Setenv("SYNCD_RPC_TOKEN", token)
		if err := persistRPCToken(token); err != nil {
			return "", err
		}
	}
	return token, nil
}

func generateRPCToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rpc_" + hex.EncodeToString(buf), nil
}

func persistRPCToken(token string) error {
	pathValue := strings.TrimSpace(os.Getenv("SYNCD_RPC_TOKEN_FILE"))
	if pathValue == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(pathValue), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pathValue, []byte(token), 0o600)
}
