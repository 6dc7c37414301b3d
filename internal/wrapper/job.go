package wrapper

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// job supervises one agent subprocess: it feeds prompts on stdin, forwards
// output lines as ingest events, enforces the idle timeout, and reports the
// final exit as a terminal event.
type job struct {
	id          string
	executionID string
	workspace   string
	cfg         Config

	cmd          *exec.Cmd
	stdin        io.WriteCloser
	sink         *ingestSink
	lastActivity atomic.Int64
	branch       atomic.Value
	done         chan struct{}

	mu sync.Mutex
}

// ingestSink is a write-serialized WebSocket to the orchestrator's /ingest.
type ingestSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func dialIngest(ingestURL, executionID, token string) (*ingestSink, error) {
	u, err := url.Parse(ingestURL)
	if err != nil {
		return nil, fmt.Errorf("parse ingest url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ingest"
	u.RawQuery = url.Values{
		"executionId": {executionID},
		"token":       {token},
	}.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial ingest for execution %s: %w", executionID, err)
	}
	return &ingestSink{conn: conn}, nil
}

func (is *ingestSink) send(eventType string, data any) error {
	is.mu.Lock()
	defer is.mu.Unlock()
	frame := map[string]any{
		"streamEventType": eventType,
		"data":            data,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
	}
	return is.conn.WriteJSON(frame)
}

func (is *ingestSink) close() {
	is.mu.Lock()
	defer is.mu.Unlock()
	_ = is.conn.Close()
}

func startJob(cfg Config, req startRequest) (*job, error) {
	prompt, err := os.ReadFile(req.PromptPath)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}

	sink, err := dialIngest(req.IngestURL, req.ExecutionID, req.IngestToken)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--mode", req.Mode,
		"--workspace", req.Workspace,
		"--session", req.SessionID,
		"--json",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	cmd := exec.Command(cfg.AgentBinary, args...)
	cmd.Dir = req.Workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		sink.close()
		return nil, fmt.Errorf("open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sink.close()
		return nil, fmt.Errorf("open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sink.close()
		return nil, fmt.Errorf("open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		sink.close()
		return nil, fmt.Errorf("start agent %s: %w", cfg.AgentBinary, err)
	}

	j := &job{
		id:          uuid.NewString(),
		executionID: req.ExecutionID,
		workspace:   req.Workspace,
		cfg:         cfg,
		cmd:         cmd,
		stdin:       stdin,
		sink:        sink,
		done:        make(chan struct{}),
	}
	j.touch()

	if _, err := stdin.Write(append(prompt, '\n')); err != nil {
		j.stop()
		return nil, fmt.Errorf("write prompt to agent: %w", err)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go j.pumpLines(stdout, &pumps)
	go j.pumpLines(stderr, &pumps)
	go j.watchIdle()
	go j.awaitExit(&pumps)
	return j, nil
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (j *job) touch() {
	j.lastActivity.Store(time.Now().UnixNano())
}

func (j *job) stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cmd.Process != nil {
		_ = j.cmd.Process.Kill()
	}
}

// deliverPrompt feeds a follow-up prompt to the running agent and re-points
// the event stream at the new execution's ingest connection.
func (j *job) deliverPrompt(req promptRequest) error {
	prompt, err := os.ReadFile(req.PromptPath)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}

	sink, err := dialIngest(j.cfg.IngestURL, req.ExecutionID, req.IngestToken)
	if err != nil {
		return err
	}

	j.mu.Lock()
	old := j.sink
	j.sink = sink
	j.executionID = req.ExecutionID
	j.mu.Unlock()
	old.close()

	j.touch()
	if _, err := j.stdin.Write(append(prompt, '\n')); err != nil {
		return fmt.Errorf("write prompt to agent: %w", err)
	}
	return nil
}

func (j *job) currentSink() *ingestSink {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sink
}

// pumpLines forwards each line of agent output as an ingest event. Lines
// that parse as an event envelope pass through with their own type;
// everything else becomes a plain output event.
func (j *job) pumpLines(r io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		j.touch()
		eventType, data := normalizeLine(line)
		if branch := branchFromData(data); branch != "" {
			j.branch.Store(branch)
		}
		if err := j.currentSink().send(eventType, data); err != nil {
			j.logWarn("forward event", "job_id", j.id, "error", err)
		}
	}
}

type lineEnvelope struct {
	StreamEventType string          `json:"streamEventType"`
	Type            string          `json:"type"`
	Data            json.RawMessage `json:"data"`
}

func normalizeLine(line string) (string, any) {
	var env lineEnvelope
	if err := json.Unmarshal([]byte(line), &env); err == nil {
		eventType := env.StreamEventType
		if eventType == "" {
			eventType = env.Type
		}
		if eventType != "" {
			if len(env.Data) > 0 {
				return eventType, json.RawMessage(env.Data)
			}
			return eventType, json.RawMessage(line)
		}
	}
	return "output", map[string]string{"line": line}
}

func branchFromData(data any) string {
	raw, ok := data.(json.RawMessage)
	if !ok {
		return ""
	}
	var body struct {
		CurrentBranch string `json:"currentBranch"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.CurrentBranch
}

// watchIdle kills the agent when no output arrives for the configured idle
// timeout and reports it as a fatal error event.
func (j *job) watchIdle() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, j.lastActivity.Load()))
			if idle < j.cfg.IdleTimeout {
				continue
			}
			j.logWarn("agent idle timeout, killing", "job_id", j.id, "idle", idle)
			err := j.currentSink().send("error", map[string]any{
				"fatal":   true,
				"message": fmt.Sprintf("agent produced no output for %s", j.cfg.IdleTimeout),
			})
			if err != nil {
				j.logWarn("report idle timeout", "job_id", j.id, "error", err)
			}
			j.stop()
			return
		}
	}
}

// awaitExit waits for the agent to exit, then emits the terminal complete
// event with the exit code and the workspace's current branch.
func (j *job) awaitExit(pumps *sync.WaitGroup) {
	pumps.Wait()
	err := j.cmd.Wait()
	close(j.done)

	exitCode := 0
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	data := map[string]any{"exitCode": exitCode}
	if branch := j.currentBranch(); branch != "" {
		data["currentBranch"] = branch
	}
	if sendErr := j.currentSink().send("complete", data); sendErr != nil {
		j.logWarn("report completion", "job_id", j.id, "error", sendErr)
	}
	j.currentSink().close()
	j.logInfo("job finished", "job_id", j.id, "exit_code", exitCode)
}

// currentBranch prefers the branch the agent reported; otherwise it asks git.
func (j *job) currentBranch() string {
	if v, ok := j.branch.Load().(string); ok && v != "" {
		return v
	}
	out, err := exec.Command("git", "-C", j.workspace, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (j *job) logInfo(msg string, kv ...any) {
	if j.cfg.Logger != nil {
		j.cfg.Logger.Info(msg, kv...)
	}
}

func (j *job) logWarn(msg string, kv ...any) {
	if j.cfg.Logger != nil {
		j.cfg.Logger.Warn(msg, kv...)
	}
}
