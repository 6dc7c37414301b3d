// Package wrapper implements the in-sandbox supervisor. It exposes a small
// HTTP API on its allocated port, runs the coding-agent binary as a
// subprocess, and forwards the agent's line-delimited JSON output to the
// orchestrator's /ingest endpoint.
package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Port        int
	SessionID   string
	UserID      string
	IngestURL   string
	IngestToken string
	AgentBinary string
	IdleTimeout time.Duration
	Logger      *log.Logger
}

// Supervisor serves /job/start and /job/prompt and owns at most one agent
// job at a time. A second /job/start while a job runs is rejected; the
// orchestrator serializes executions, so this only happens on operator error.
type Supervisor struct {
	cfg Config

	mu  sync.Mutex
	job *job
}

func New(cfg Config) *Supervisor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Supervisor{cfg: cfg}
}

type startRequest struct {
	ExecutionID string `json:"executionId"`
	SessionID   string `json:"sessionId"`
	Mode        string `json:"mode"`
	Model       string `json:"model,omitempty"`
	Workspace   string `json:"workspace"`
	PromptPath  string `json:"promptPath"`
	IngestURL   string `json:"ingestUrl"`
	IngestToken string `json:"ingestToken"`
}

type promptRequest struct {
	ExecutionID string `json:"executionId"`
	PromptPath  string `json:"promptPath"`
	IngestToken string `json:"ingestToken"`
}

func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /job/start", s.handleJobStart)
	mux.HandleFunc("POST /job/prompt", s.handleJobPrompt)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Run serves the wrapper API until ctx is cancelled. The running job, if
// any, is terminated on the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen on wrapper port %d: %w", s.cfg.Port, err)
	}
	defer listener.Close()
	s.logInfo("wrapper listening", "session_id", s.cfg.SessionID, "port", s.cfg.Port)

	httpServer := &http.Server{
		Handler:           s.Handler(),
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
		s.stopJob()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Supervisor) handleJobStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExecutionID == "" || req.Workspace == "" || req.IngestURL == "" {
		writeResult(w, http.StatusBadRequest, "missing executionId, workspace or ingestUrl")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != nil && !s.job.finished() {
		writeResult(w, http.StatusConflict, "a job is already running")
		return
	}

	j, err := startJob(s.cfg, req)
	if err != nil {
		s.logWarn("job start failed", "execution_id", req.ExecutionID, "error", err)
		writeResult(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.job = j
	s.logInfo("job started", "execution_id", req.ExecutionID, "job_id", j.id)
	writeResult(w, http.StatusOK, "")
}

func (s *Supervisor) handleJobPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	j := s.job
	s.mu.Unlock()
	if j == nil || j.finished() {
		writeResult(w, http.StatusConflict, "no running job")
		return
	}

	if err := j.deliverPrompt(req); err != nil {
		s.logWarn("prompt delivery failed", "execution_id", req.ExecutionID, "error", err)
		writeResult(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, http.StatusOK, "")
}

func (s *Supervisor) stopJob() {
	s.mu.Lock()
	j := s.job
	s.mu.Unlock()
	if j != nil {
		j.stop()
	}
}

func writeResult(w http.ResponseWriter, status int, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    status == http.StatusOK,
		"error": errMsg,
	})
}

func (s *Supervisor) logInfo(msg string, kv ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(msg, kv...)
	}
}

func (s *Supervisor) logWarn(msg string, kv ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warn(msg, kv...)
	}
}
