package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dennismeister93/switchboard/internal/launch"
	"github.com/dennismeister93/switchboard/internal/session"
)

// The actor API is a small JSON surface consumed by a trusted edge layer;
// authentication and balance checks happen before requests arrive here. The
// user id rides on a header the edge layer always sets.
const userHeader = "X-Switchboard-User"

func (s *Server) actorFor(r *http.Request) *session.Actor {
	return s.Registry.ActorFor(r.Header.Get(userHeader), r.PathValue("sessionId"))
}

type prepareRequest struct {
	Workspace     string            `json:"workspace"`
	GitURL        string            `json:"gitUrl,omitempty"`
	GitToken      string            `json:"gitToken,omitempty"`
	AgentToken    string            `json:"agentToken,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
	SetupCommands []string          `json:"setupCommands,omitempty"`
	DefaultMode   string            `json:"defaultMode,omitempty"`
	DefaultModel  string            `json:"defaultModel,omitempty"`
	DefaultPrompt string            `json:"defaultPrompt,omitempty"`
	OrgID         string            `json:"orgId,omitempty"`
	BotID         string            `json:"botId,omitempty"`
	KiloSessionID string            `json:"kiloSessionId,omitempty"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	actor := s.actorFor(r)
	meta := actor.Prepare(session.Metadata{
		Workspace:     req.Workspace,
		GitURL:        req.GitURL,
		GitToken:      req.GitToken,
		AgentToken:    req.AgentToken,
		Secrets:       req.Secrets,
		SetupCommands: req.SetupCommands,
		DefaultMode:   req.DefaultMode,
		DefaultModel:  req.DefaultModel,
		DefaultPrompt: req.DefaultPrompt,
		OrgID:         req.OrgID,
		BotID:         req.BotID,
		KiloSessionID: req.KiloSessionID,
	})
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	actor := s.actorFor(r)
	initiated := actor.TryInitiate()
	writeJSON(w, http.StatusOK, map[string]bool{"initiated": initiated})
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	s.startOrEnqueue(w, r, false)
}

func (s *Server) handleEnqueueExecution(w http.ResponseWriter, r *http.Request) {
	s.startOrEnqueue(w, r, true)
}

func (s *Server) startOrEnqueue(w http.ResponseWriter, r *http.Request, enqueueOnly bool) {
	var req launch.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if req.ExecutionID == "" {
		req.ExecutionID = session.NewExecutionID()
	}

	actor := s.actorFor(r)
	var (
		res session.StartResult
		err error
	)
	if enqueueOnly {
		res, err = actor.EnqueueExecution(r.Context(), req)
	} else {
		res, err = actor.StartExecutionV2(r.Context(), req)
	}
	if err != nil {
		switch {
		case errors.Is(err, session.ErrExecutionInProgress):
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Reason: "EXECUTION_IN_PROGRESS"})
		case errors.Is(err, session.ErrNotPrepared):
			writeJSON(w, http.StatusPreconditionFailed, errorBody{Error: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.Registry.LookupSessionID(r.PathValue("sessionId"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown session"})
		return
	}
	ex, err := actor.GetExecution(r.PathValue("executionId"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.Registry.LookupSessionID(r.PathValue("sessionId"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown session"})
		return
	}
	meta := actor.GetMetadata()
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata":          meta,
		"activeExecutionId": actor.ActiveExecutionID(),
	})
}
