// Package gateway exposes the orchestrator over HTTP: the /ingest and
// /stream WebSocket endpoints plus the JSON actor API consumed by the edge
// request layer.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/dennismeister93/switchboard/internal/endpoint"
	"github.com/dennismeister93/switchboard/internal/paths"
	"github.com/dennismeister93/switchboard/internal/session"
)

type Server struct {
	Registry *session.Registry
	Logger   *log.Logger
	// IngestSoftTimeout logs a warning when an ingest connection stays open
	// longer than this without a terminal event. Zero disables the check;
	// the wrapper's own idle timeout remains the enforcement point.
	IngestSoftTimeout time.Duration

	upgrader websocket.Upgrader
}

func New(registry *session.Registry, logger *log.Logger) *Server {
	return &Server{
		Registry: registry,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ingest", s.handleIngest)
	mux.HandleFunc("GET /stream", s.handleStream)

	mux.HandleFunc("POST /sessions/{sessionId}/prepare", s.handlePrepare)
	mux.HandleFunc("POST /sessions/{sessionId}/initiate", s.handleInitiate)
	mux.HandleFunc("POST /sessions/{sessionId}/executions", s.handleStartExecution)
	mux.HandleFunc("POST /sessions/{sessionId}/queue", s.handleEnqueueExecution)
	mux.HandleFunc("GET /sessions/{sessionId}/executions/{executionId}", s.handleGetExecution)
	mux.HandleFunc("GET /sessions/{sessionId}/metadata", s.handleGetMetadata)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

var newTSNetServer = func(ep endpoint.Endpoint, stateDir string, tsLogf func(format string, args ...any)) tsnetServer {
	return &tsnet.Server{
		Dir:      stateDir,
		Hostname: ep.TSNetHostname,
		Logf:     tsLogf,
	}
}

func tsnetLogf(logger *log.Logger) func(format string, args ...any) {
	if logger == nil {
		return nil
	}
	tsLogger := logger.With("subsystem", "tsnet")
	return func(format string, args ...any) {
		msg := strings.TrimSpace(fmt.Sprintf(format, args...))
		if msg == "" {
			return
		}
		tsLogger.Debug(msg)
	}
}

// Serve runs the handler on the resolved endpoint until ctx is cancelled,
// then shuts down gracefully.
func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger) error {
	listener, cleanup, err := listen(ep, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer func() {
			_ = cleanup()
		}()
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving orchestrator API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("orchestrator API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("orchestrator API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, logger *log.Logger) (net.Listener, func() error, error) {
	if ep.Scheme == "unix" {
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		return listener, nil, nil
	}

	if ep.Scheme == "tsnet" {
		stateDir, err := paths.TSNetStateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tsnet state directory: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create tsnet state directory: %w", err)
		}
		server := newTSNetServer(ep, stateDir, tsnetLogf(logger))
		listener, err := server.Listen("tcp", ep.Address)
		if err != nil {
			_ = server.Close()
			return nil, nil, fmt.Errorf("start tsnet listener for %q: %w", ep.Address, err)
		}
		return listener, server.Close, nil
	}

	listener, err := net.Listen("tcp", ep.Address)
	if err != nil {
		return nil, nil, err
	}
	return listener, nil, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) logWarn(msg string, kv ...any) {
	if s.Logger != nil {
		s.Logger.Warn(msg, kv...)
	}
}

func (s *Server) logInfo(msg string, kv ...any) {
	if s.Logger != nil {
		s.Logger.Info(msg, kv...)
	}
}
