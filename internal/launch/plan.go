// Package launch turns start and follow-up requests into concrete sandbox
// launch plans: which workspace preparation to run, how to invoke the
// wrapper, and which ports and credentials it gets.
package launch

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// RequestKind distinguishes the three ways an execution can start.
type RequestKind string

const (
	KindInitiate         RequestKind = "initiate"
	KindInitiatePrepared RequestKind = "initiatePrepared"
	KindFollowup         RequestKind = "followup"
)

// TokenOverrides lets a follow-up carry refreshed credentials. Overrides are
// merged into a copy of session metadata when the plan is built; stored
// metadata is only updated when the plan is committed.
type TokenOverrides struct {
	GitToken   string `json:"gitToken,omitempty"`
	AgentToken string `json:"agentToken,omitempty"`
}

// StartRequest is what the request layer hands to the actor.
type StartRequest struct {
	Kind          RequestKind    `json:"kind"`
	ExecutionID   string         `json:"executionId"`
	Prompt        string         `json:"prompt"`
	Mode          string         `json:"mode,omitempty"`
	Model         string         `json:"model,omitempty"`
	StreamingMode string         `json:"streamingMode,omitempty"`
	Overrides     TokenOverrides `json:"overrides,omitempty"`
}

// SessionInfo is the slice of session metadata the builder needs. The actor
// copies it out of its stored metadata so the builder never mutates actor
// state.
type SessionInfo struct {
	SessionID     string
	UserID        string
	Initiated     bool
	Workspace     string
	GitURL        string
	GitToken      string
	AgentToken    string
	SetupCommands []string
	Secrets       map[string]string
	DefaultMode   string
	DefaultModel  string
	KiloSessionID string
}

// PrepareContext describes first-run workspace initialization.
type PrepareContext struct {
	GitURL        string            `json:"gitUrl"`
	GitToken      string            `json:"gitToken"`
	SetupCommands []string          `json:"setupCommands,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
}

// Plan is a fully-resolved launch: everything needed to start (or prompt) a
// wrapper without consulting actor state again. Plans serialize into queued
// commands, so they must round-trip through JSON.
type Plan struct {
	ExecutionID   string          `json:"executionId"`
	SessionID     string          `json:"sessionId"`
	UserID        string          `json:"userId"`
	Kind          RequestKind     `json:"kind"`
	ShouldPrepare bool            `json:"shouldPrepare"`
	Prepare       *PrepareContext `json:"prepare,omitempty"`
	Workspace     string          `json:"workspace"`
	Prompt        string          `json:"prompt"`
	PromptPath    string          `json:"promptPath"`
	Mode          string          `json:"mode"`
	Model         string          `json:"model,omitempty"`
	StreamingMode string          `json:"streamingMode"`
	IngestToken   string          `json:"ingestToken"`
	AgentToken    string          `json:"agentToken,omitempty"`
}

// Builder resolves requests against session metadata.
type Builder struct {
	WrapperBinary  string
	AgentBinary    string
	IngestBaseURL  string
	NewIngestToken func() (string, error)
}

// Build produces a Plan. ShouldPrepare is true only for a first run: resume
// and follow-up plans reference the existing workspace.
func (b Builder) Build(req StartRequest, info SessionInfo) (Plan, error) {
	if strings.TrimSpace(info.SessionID) == "" {
		return Plan{}, errors.New("missing session id")
	}
	if strings.TrimSpace(req.ExecutionID) == "" {
		return Plan{}, errors.New("missing execution id")
	}
	if b.NewIngestToken == nil {
		return Plan{}, errors.New("builder has no ingest token source")
	}

	// Token overrides apply to a copy; the caller's metadata is untouched
	// until the plan is committed.
	resolved := info
	if tok := strings.TrimSpace(req.Overrides.GitToken); tok != "" {
		resolved.GitToken = tok
	}
	if tok := strings.TrimSpace(req.Overrides.AgentToken); tok != "" {
		resolved.AgentToken = tok
	}

	ingestToken, err := b.NewIngestToken()
	if err != nil {
		return Plan{}, fmt.Errorf("generate ingest token: %w", err)
	}

	mode := strings.TrimSpace(req.Mode)
	if mode == "" {
		mode = resolved.DefaultMode
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = resolved.DefaultModel
	}
	streamingMode := strings.TrimSpace(req.StreamingMode)
	if streamingMode == "" {
		streamingMode = "live"
	}

	plan := Plan{
		ExecutionID:   req.ExecutionID,
		SessionID:     resolved.SessionID,
		UserID:        resolved.UserID,
		Kind:          req.Kind,
		ShouldPrepare: req.Kind == KindInitiate && !resolved.Initiated,
		Workspace:     resolved.Workspace,
		Prompt:        req.Prompt,
		PromptPath:    path.Join(resolved.Workspace, ".switchboard", "prompts", req.ExecutionID+".md"),
		Mode:          mode,
		Model:         model,
		StreamingMode: streamingMode,
		IngestToken:   ingestToken,
		AgentToken:    resolved.AgentToken,
	}
	if plan.ShouldPrepare {
		plan.Prepare = &PrepareContext{
			GitURL:        resolved.GitURL,
			GitToken:      resolved.GitToken,
			SetupCommands: append([]string(nil), resolved.SetupCommands...),
			Secrets:       copyStringMap(resolved.Secrets),
		}
	}
	return plan, nil
}

// WrapperCommand builds the wrapper argv. The session id, port, user id and
// bearer token all ride on the command line: a wrapper must be fully
// identifiable from `listProcesses` output alone for crash recovery.
func (b Builder) WrapperCommand(plan Plan, port int) []string {
	return []string{
		b.WrapperBinary,
		SessionMarker, plan.SessionID,
		PortMarker, strconv.Itoa(port),
		"--user", plan.UserID,
		"--ingest-url", b.IngestBaseURL,
		"--ingest-token", plan.IngestToken,
		"--agent-binary", b.AgentBinary,
	}
}

// WrapperEnv builds the wrapper environment for a plan.
func (b Builder) WrapperEnv(plan Plan) map[string]string {
	env := map[string]string{
		"SWITCHBOARD_SESSION_ID":   plan.SessionID,
		"SWITCHBOARD_USER_ID":      plan.UserID,
		"SWITCHBOARD_EXECUTION_ID": plan.ExecutionID,
		"SWITCHBOARD_WORKSPACE":    plan.Workspace,
	}
	if plan.AgentToken != "" {
		env["AGENT_API_TOKEN"] = plan.AgentToken
	}
	if plan.Prepare != nil {
		for key, value := range plan.Prepare.Secrets {
			env[key] = value
		}
	}
	return env
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
