package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dennismeister93/switchboard/internal/launch"
	"github.com/dennismeister93/switchboard/internal/sandbox"
	"github.com/dennismeister93/switchboard/internal/store"
)

var (
	ErrExecutionInProgress = errors.New("execution already in progress")
	ErrUnknownExecution    = errors.New("unknown execution")
	ErrIngestTokenMismatch = errors.New("ingest token mismatch")
	ErrNotPrepared         = errors.New("session has not been prepared")
)

// StartResult is the outcome of StartExecutionV2: the execution either got
// the active slot immediately or was enqueued behind the current one.
type StartResult struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

const (
	StartStatusStarted = "started"
	StartStatusQueued  = "queued"
)

// Actor owns all mutable state for one (user, session) pair. Every public
// method serializes on a single mutex, including the sandbox and wrapper I/O
// performed while launching: a second command for the same session waits
// behind the first instead of racing it. Actors for different sessions are
// fully independent.
type Actor struct {
	SessionID string
	UserID    string

	Store       *store.Store
	Sandbox     sandbox.Sandbox
	Builder     launch.Builder
	Ports       launch.PortAllocator
	Logger      *log.Logger
	StartupWait time.Duration
	QueueMaxAge time.Duration
	// EventRetention prunes event rows older than this when the session goes
	// idle. Zero disables the sweep.
	EventRetention time.Duration

	// newWrapperClient is a test seam; nil means sandbox.NewWrapperClient.
	newWrapperClient func(port int) *sandbox.WrapperClient

	// onExecutionAdded lets the registry index executions across actors.
	onExecutionAdded func(executionID string, a *Actor)

	mu          sync.Mutex
	metadata    Metadata
	executions  map[string]*Execution
	activeID    string
	subscribers map[int]subscriber
	nextSubID   int
}

type subscriber struct {
	ch     chan store.Event
	filter store.Filter
}

// Prepare upserts session metadata and stamps PreparedAt on first call.
// Calling it again refreshes the mutable fields but keeps the original
// timestamps, so retries from the request layer are harmless.
func (a *Actor) Prepare(meta Metadata) Metadata {
	a.mu.Lock()
	defer a.mu.Unlock()

	meta.SessionID = a.SessionID
	meta.UserID = a.UserID
	meta.PreparedAt = a.metadata.PreparedAt
	meta.InitiatedAt = a.metadata.InitiatedAt
	meta.UpstreamBranch = a.metadata.UpstreamBranch
	if meta.PreparedAt == nil {
		now := time.Now().UTC()
		meta.PreparedAt = &now
	}
	if meta.Version == 0 {
		meta.Version = a.metadata.Version
	}
	a.metadata = meta
	a.logInfo("session prepared", "session_id", a.SessionID, "user_id", a.UserID)
	return a.metadata
}

// TryInitiate stamps InitiatedAt exactly once. Subsequent calls are no-ops,
// which protects against double-initiate races from the request layer.
func (a *Actor) TryInitiate() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tryInitiateLocked()
}

func (a *Actor) tryInitiateLocked() bool {
	if a.metadata.InitiatedAt != nil {
		return false
	}
	now := time.Now().UTC()
	a.metadata.InitiatedAt = &now
	return true
}

// GetMetadata returns a copy of the session metadata.
func (a *Actor) GetMetadata() Metadata {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metadata
}

// GetExecution returns a copy of the execution record.
func (a *Actor) GetExecution(executionID string) (Execution, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ex, ok := a.executions[executionID]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	return *ex, nil
}

// ActiveExecutionID returns the id holding the active slot, or "".
func (a *Actor) ActiveExecutionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeID
}

// StartExecutionV2 starts an execution if the session is idle, otherwise
// enqueues the fully-built launch plan behind the active one. Queuing instead
// of rejecting lets follow-ups serialize deterministically without
// client-side retry loops. A duplicate executionId is the one hard conflict.
func (a *Actor) StartExecutionV2(ctx context.Context, req launch.StartRequest) (StartResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.metadata.PreparedAt == nil {
		return StartResult{}, ErrNotPrepared
	}
	if _, exists := a.executions[req.ExecutionID]; exists {
		return StartResult{}, fmt.Errorf("%w: execution %s already submitted", ErrExecutionInProgress, req.ExecutionID)
	}

	plan, err := a.Builder.Build(req, a.sessionInfoLocked())
	if err != nil {
		return StartResult{}, err
	}

	if a.activeID != "" {
		if err := a.enqueuePlanLocked(ctx, plan); err != nil {
			return StartResult{}, err
		}
		return StartResult{ExecutionID: plan.ExecutionID, Status: StartStatusQueued}, nil
	}

	a.addExecutionLocked(plan)
	a.activeID = plan.ExecutionID
	if err := a.launchPlanLocked(ctx, plan); err != nil {
		a.failExecutionLocked(plan.ExecutionID, err)
		return StartResult{}, err
	}
	return StartResult{ExecutionID: plan.ExecutionID, Status: StartStatusStarted}, nil
}

// EnqueueExecution builds a plan and enqueues it without competing for the
// active slot. On an idle session the queue drains right away; terminal
// events are the only other drain trigger, so without this an idle enqueue
// would sit until some unrelated execution finished.
func (a *Actor) EnqueueExecution(ctx context.Context, req launch.StartRequest) (StartResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.metadata.PreparedAt == nil {
		return StartResult{}, ErrNotPrepared
	}
	if _, exists := a.executions[req.ExecutionID]; exists {
		return StartResult{}, fmt.Errorf("%w: execution %s already submitted", ErrExecutionInProgress, req.ExecutionID)
	}

	plan, err := a.Builder.Build(req, a.sessionInfoLocked())
	if err != nil {
		return StartResult{}, err
	}
	if err := a.enqueuePlanLocked(ctx, plan); err != nil {
		return StartResult{}, err
	}
	if a.activeID == "" {
		a.drainQueueLocked(ctx)
	}
	return StartResult{ExecutionID: plan.ExecutionID, Status: StartStatusQueued}, nil
}

// HandleIngestOpen authenticates a wrapper's /ingest connection. On the first
// accept for a pending execution it transitions to running and takes the
// active slot; reconnects to an already-running execution are accepted as-is.
func (a *Actor) HandleIngestOpen(executionID, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ex, ok := a.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	if token == "" || token != ex.IngestToken {
		return ErrIngestTokenMismatch
	}

	if ex.Status == StatusPending {
		now := time.Now().UTC()
		ex.Status = StatusRunning
		ex.StartedAt = &now
		a.activeID = ex.ID
		a.logInfo("execution running", "session_id", a.SessionID, "execution_id", ex.ID)
	}
	return nil
}

// HandleIngestEvent appends one normalized wrapper event, broadcasts it to
// matching stream subscribers, and applies terminal handling. Storage errors
// propagate so the gateway can refuse the frame instead of acknowledging a
// lost event.
func (a *Actor) HandleIngestEvent(ctx context.Context, executionID, eventType string, data json.RawMessage, timestamp int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ex, ok := a.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}

	if timestamp == 0 {
		timestamp = time.Now().UTC().UnixMilli()
	}
	payload := string(data)
	if payload == "" {
		payload = "{}"
	}

	ev := store.Event{
		ExecutionID: executionID,
		SessionID:   a.SessionID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   timestamp,
	}
	id, err := a.Store.AppendEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	ev.ID = id
	a.broadcastLocked(ev)

	out, terminal := parseTerminal(eventType, data)
	if !terminal {
		return nil
	}
	if !ex.recordTerminal(out, time.Now().UTC()) {
		a.logInfo("duplicate terminal event ignored",
			"session_id", a.SessionID, "execution_id", executionID, "stream_event_type", eventType)
		return nil
	}

	if out.status == StatusCompleted && out.branch != "" {
		a.metadata.UpstreamBranch = out.branch
	}
	a.logInfo("execution finished",
		"session_id", a.SessionID, "execution_id", executionID, "status", string(out.status))

	if a.activeID == executionID {
		a.activeID = ""
	}
	a.drainQueueLocked(ctx)
	return nil
}

// Subscribe registers a filtered live subscription and returns the matching
// history in one atomic step. Because appends also run under the actor lock,
// the snapshot plus registration cannot miss or duplicate an event.
func (a *Actor) Subscribe(ctx context.Context, filter store.Filter) ([]store.Event, <-chan store.Event, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	history, err := a.Store.QueryEvents(ctx, a.SessionID, filter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query event history: %w", err)
	}

	updates := make(chan store.Event, 128)
	subID := a.nextSubID
	a.nextSubID++
	if a.subscribers == nil {
		a.subscribers = map[int]subscriber{}
	}
	a.subscribers[subID] = subscriber{ch: updates, filter: filter}

	unsubscribe := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		sub, ok := a.subscribers[subID]
		if !ok {
			return
		}
		delete(a.subscribers, subID)
		close(sub.ch)
	}
	return history, updates, unsubscribe, nil
}

func (a *Actor) broadcastLocked(ev store.Event) {
	for subID, sub := range a.subscribers {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop it rather than stall the actor.
			delete(a.subscribers, subID)
			close(sub.ch)
			a.logWarn("dropped slow event subscriber", "session_id", a.SessionID)
		}
	}
}

func (a *Actor) sessionInfoLocked() launch.SessionInfo {
	return launch.SessionInfo{
		SessionID:     a.SessionID,
		UserID:        a.UserID,
		Initiated:     a.metadata.Initiated(),
		Workspace:     a.metadata.Workspace,
		GitURL:        a.metadata.GitURL,
		GitToken:      a.metadata.GitToken,
		AgentToken:    a.metadata.AgentToken,
		SetupCommands: a.metadata.SetupCommands,
		Secrets:       a.metadata.Secrets,
		DefaultMode:   a.metadata.DefaultMode,
		DefaultModel:  a.metadata.DefaultModel,
		KiloSessionID: a.metadata.KiloSessionID,
	}
}

func (a *Actor) addExecutionLocked(plan launch.Plan) {
	if a.executions == nil {
		a.executions = map[string]*Execution{}
	}
	a.executions[plan.ExecutionID] = &Execution{
		ID:            plan.ExecutionID,
		SessionID:     a.SessionID,
		Mode:          plan.Mode,
		StreamingMode: plan.StreamingMode,
		IngestToken:   plan.IngestToken,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if a.onExecutionAdded != nil {
		a.onExecutionAdded(plan.ExecutionID, a)
	}
}

func (a *Actor) failExecutionLocked(executionID string, cause error) {
	if ex, ok := a.executions[executionID]; ok {
		now := time.Now().UTC()
		ex.recordTerminal(terminalOutcome{status: StatusFailed, message: cause.Error()}, now)
	}
	if a.activeID == executionID {
		a.activeID = ""
	}
	a.logWarn("execution launch failed",
		"session_id", a.SessionID, "execution_id", executionID, "error", cause)
}

func (a *Actor) enqueuePlanLocked(ctx context.Context, plan launch.Plan) error {
	if _, err := a.Store.DeleteExpired(ctx, a.SessionID, a.QueueMaxAge); err != nil {
		return fmt.Errorf("expire stale queue entries: %w", err)
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode launch plan: %w", err)
	}
	if _, err := a.Store.Enqueue(ctx, a.SessionID, plan.ExecutionID, string(raw)); err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	a.addExecutionLocked(plan)
	a.logInfo("execution queued", "session_id", a.SessionID, "execution_id", plan.ExecutionID)
	return nil
}

// drainQueueLocked hands the active slot to the oldest queued command. Plans
// that fail to launch are marked failed and the drain moves on, so one broken
// follow-up cannot wedge the whole queue.
func (a *Actor) drainQueueLocked(ctx context.Context) {
	if _, err := a.Store.DeleteExpired(ctx, a.SessionID, a.QueueMaxAge); err != nil {
		a.logWarn("expire stale queue entries", "session_id", a.SessionID, "error", err)
	}

	for a.activeID == "" {
		cmd, err := a.Store.PeekOldest(ctx, a.SessionID)
		if err != nil {
			a.logWarn("peek command queue", "session_id", a.SessionID, "error", err)
			return
		}
		if cmd == nil {
			a.sweepEventsLocked(ctx)
			return
		}

		var plan launch.Plan
		if err := json.Unmarshal([]byte(cmd.MessageJSON), &plan); err != nil {
			a.logWarn("discarding undecodable queued command",
				"session_id", a.SessionID, "queue_id", cmd.ID, "error", err)
			if err := a.Store.DequeueByID(ctx, cmd.ID); err != nil {
				a.logWarn("dequeue command", "session_id", a.SessionID, "queue_id", cmd.ID, "error", err)
				return
			}
			continue
		}

		if err := a.Store.DequeueByID(ctx, cmd.ID); err != nil {
			a.logWarn("dequeue command", "session_id", a.SessionID, "queue_id", cmd.ID, "error", err)
			return
		}

		if _, ok := a.executions[plan.ExecutionID]; !ok {
			a.addExecutionLocked(plan)
		}
		a.activeID = plan.ExecutionID
		if err := a.launchPlanLocked(ctx, plan); err != nil {
			a.failExecutionLocked(plan.ExecutionID, err)
			continue
		}
		a.logInfo("queued execution launched",
			"session_id", a.SessionID, "execution_id", plan.ExecutionID)
	}
}

func (a *Actor) sweepEventsLocked(ctx context.Context) {
	if a.EventRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-a.EventRetention).UnixMilli()
	removed, err := a.Store.DeleteEventsBefore(ctx, a.SessionID, cutoff)
	if err != nil {
		a.logWarn("event retention sweep", "session_id", a.SessionID, "error", err)
		return
	}
	if removed > 0 {
		a.logInfo("pruned old events", "session_id", a.SessionID, "removed", removed)
	}
}

// launchPlanLocked drives a plan to a started wrapper job: workspace prep on
// first run, prompt file write, wrapper reuse or launch, then the job-start
// call. The actor lock stays held throughout so launches never interleave.
func (a *Actor) launchPlanLocked(ctx context.Context, plan launch.Plan) error {
	if plan.ShouldPrepare {
		if err := a.prepareWorkspaceLocked(ctx, plan); err != nil {
			return err
		}
		a.tryInitiateLocked()
	}

	if err := a.Sandbox.WriteFile(ctx, plan.PromptPath, []byte(plan.Prompt)); err != nil {
		return fmt.Errorf("write prompt file: %w", err)
	}

	port, running, err := launch.FindSessionWrapper(ctx, a.Sandbox, a.SessionID)
	if err != nil {
		return err
	}
	if !running {
		port, err = a.Ports.FindAvailablePort(ctx, a.Sandbox, a.SessionID)
		if err != nil {
			return err
		}
		_, err = a.Sandbox.StartProcess(ctx, sandbox.StartProcessRequest{
			Command: a.Builder.WrapperCommand(plan, port),
			Env:     a.Builder.WrapperEnv(plan),
			Workdir: plan.Workspace,
		})
		if err != nil {
			return fmt.Errorf("start wrapper process: %w", err)
		}
		a.logInfo("wrapper launched",
			"session_id", a.SessionID, "execution_id", plan.ExecutionID, "port", port)
	}

	client := a.wrapperClient(port)
	if running && plan.Kind == launch.KindFollowup {
		err = client.SendPrompt(ctx, sandbox.JobPromptRequest{
			ExecutionID: plan.ExecutionID,
			PromptPath:  plan.PromptPath,
			IngestToken: plan.IngestToken,
		})
		if err != nil {
			return fmt.Errorf("send follow-up prompt: %w", err)
		}
		a.commitPlanTokensLocked(plan)
		return nil
	}

	err = client.StartJob(ctx, sandbox.JobStartRequest{
		ExecutionID: plan.ExecutionID,
		SessionID:   plan.SessionID,
		Mode:        plan.Mode,
		Model:       plan.Model,
		Workspace:   plan.Workspace,
		PromptPath:  plan.PromptPath,
		IngestURL:   a.Builder.IngestBaseURL,
		IngestToken: plan.IngestToken,
	}, a.startupWait())
	if err != nil {
		return fmt.Errorf("start wrapper job: %w", err)
	}
	a.commitPlanTokensLocked(plan)
	return nil
}

// commitPlanTokensLocked rotates stored credentials from a plan's overrides.
// Called only after the wrapper accepted the job: a failed launch must not
// rotate the session's tokens.
func (a *Actor) commitPlanTokensLocked(plan launch.Plan) {
	if plan.AgentToken != "" {
		a.metadata.AgentToken = plan.AgentToken
	}
	if plan.Prepare != nil && plan.Prepare.GitToken != "" {
		a.metadata.GitToken = plan.Prepare.GitToken
	}
}

// prepareWorkspaceLocked clones the repository and runs the session's setup
// commands inside the sandbox.
func (a *Actor) prepareWorkspaceLocked(ctx context.Context, plan launch.Plan) error {
	prep := plan.Prepare
	if prep == nil {
		return nil
	}

	if prep.GitURL != "" {
		res, err := a.Sandbox.Exec(ctx, sandbox.ExecRequest{
			Command: []string{"git", "clone", authenticatedCloneURL(prep.GitURL, prep.GitToken), plan.Workspace},
		})
		if err != nil {
			return fmt.Errorf("clone workspace: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("clone workspace: git exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}

	for _, command := range prep.SetupCommands {
		res, err := a.Sandbox.Exec(ctx, sandbox.ExecRequest{
			Command: []string{"sh", "-c", command},
			Env:     prep.Secrets,
			Workdir: plan.Workspace,
		})
		if err != nil {
			return fmt.Errorf("setup command %q: %w", command, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("setup command %q exited %d: %s", command, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

func (a *Actor) wrapperClient(port int) *sandbox.WrapperClient {
	if a.newWrapperClient != nil {
		return a.newWrapperClient(port)
	}
	return sandbox.NewWrapperClient(port)
}

func (a *Actor) startupWait() time.Duration {
	if a.StartupWait > 0 {
		return a.StartupWait
	}
	return 30 * time.Second
}

// authenticatedCloneURL embeds a token into an https clone URL. Non-https
// URLs and empty tokens pass through unchanged.
func authenticatedCloneURL(gitURL, token string) string {
	if token == "" {
		return gitURL
	}
	parsed, err := url.Parse(gitURL)
	if err != nil || parsed.Scheme != "https" {
		return gitURL
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String()
}

func (a *Actor) logInfo(msg string, kv ...any) {
	if a.Logger != nil {
		a.Logger.Info(msg, kv...)
	}
}

func (a *Actor) logWarn(msg string, kv ...any) {
	if a.Logger != nil {
		a.Logger.Warn(msg, kv...)
	}
}
