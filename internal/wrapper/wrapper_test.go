package wrapper

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ingestRecorder collects frames a wrapper sends to /ingest.
type ingestRecorder struct {
	mu     sync.Mutex
	frames []recordedFrame
	server *httptest.Server
}

type recordedFrame struct {
	ExecutionID string
	Token       string
	EventType   string
	Data        json.RawMessage
}

func newIngestRecorder(t *testing.T) *ingestRecorder {
	t.Helper()
	rec := &ingestRecorder{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ingest", func(w http.ResponseWriter, r *http.Request) {
		executionID := r.URL.Query().Get("executionId")
		token := r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame struct {
				StreamEventType string          `json:"streamEventType"`
				Data            json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			rec.mu.Lock()
			rec.frames = append(rec.frames, recordedFrame{
				ExecutionID: executionID,
				Token:       token,
				EventType:   frame.StreamEventType,
				Data:        frame.Data,
			})
			rec.mu.Unlock()
		}
	})
	rec.server = httptest.NewServer(mux)
	t.Cleanup(rec.server.Close)
	return rec
}

func (rec *ingestRecorder) snapshot() []recordedFrame {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]recordedFrame(nil), rec.frames...)
}

func (rec *ingestRecorder) waitFor(t *testing.T, eventType string, timeout time.Duration) recordedFrame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, f := range rec.snapshot() {
			if f.EventType == eventType {
				return f
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q frame within %s; got %+v", eventType, timeout, rec.snapshot())
	return recordedFrame{}
}

// writeAgentScript creates a stand-in agent binary that reads one prompt
// line and emits one structured event.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	return path
}

func writePrompt(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	return path
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestNormalizeLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType string
	}{
		{"envelope with streamEventType", `{"streamEventType":"kilocode","data":{"x":1}}`, "kilocode"},
		{"envelope with type", `{"type":"message.updated","data":{}}`, "message.updated"},
		{"bare json without type", `{"foo":"bar"}`, "output"},
		{"plain text", "compiling...", "output"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eventType, _ := normalizeLine(tc.line)
			if eventType != tc.wantType {
				t.Fatalf("got %q, want %q", eventType, tc.wantType)
			}
		})
	}
}

func TestBranchFromData(t *testing.T) {
	if b := branchFromData(json.RawMessage(`{"currentBranch":"main"}`)); b != "main" {
		t.Fatalf("got %q", b)
	}
	if b := branchFromData(json.RawMessage(`{"other":1}`)); b != "" {
		t.Fatalf("expected empty, got %q", b)
	}
	if b := branchFromData(map[string]string{"line": "x"}); b != "" {
		t.Fatalf("expected empty for non-envelope data, got %q", b)
	}
}

func TestJobStartValidation(t *testing.T) {
	s := New(Config{Port: 0})
	handler := s.Handler()

	if w := postJSON(t, handler, "/job/start", startRequest{}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty start request: %d", w.Code)
	}
	if w := postJSON(t, handler, "/job/prompt", promptRequest{ExecutionID: "e"}); w.Code != http.StatusConflict {
		t.Fatalf("prompt without job: %d", w.Code)
	}
}

func TestJobRunsAgentAndReportsCompletion(t *testing.T) {
	rec := newIngestRecorder(t)
	agent := writeAgentScript(t, `read prompt
echo "{\"streamEventType\":\"output\",\"data\":{\"line\":\"working on: $prompt\"}}"
exit 0`)
	prompt := writePrompt(t, "fix the bug")

	s := New(Config{AgentBinary: agent, IngestURL: rec.server.URL, IdleTimeout: 30 * time.Second})
	w := postJSON(t, s.Handler(), "/job/start", startRequest{
		ExecutionID: "exec_1",
		SessionID:   "sess_1",
		Mode:        "code",
		Workspace:   t.TempDir(),
		PromptPath:  prompt,
		IngestURL:   rec.server.URL,
		IngestToken: "tok-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("job start: %d %s", w.Code, w.Body.String())
	}

	out := rec.waitFor(t, "output", 5*time.Second)
	if out.ExecutionID != "exec_1" || out.Token != "tok-1" {
		t.Fatalf("output frame identity: %+v", out)
	}
	var line struct {
		Line string `json:"line"`
	}
	if err := json.Unmarshal(out.Data, &line); err != nil {
		t.Fatalf("decode output data: %v", err)
	}
	if line.Line != "working on: fix the bug" {
		t.Fatalf("prompt did not reach agent stdin: %q", line.Line)
	}

	complete := rec.waitFor(t, "complete", 5*time.Second)
	var body struct {
		ExitCode *int `json:"exitCode"`
	}
	if err := json.Unmarshal(complete.Data, &body); err != nil {
		t.Fatalf("decode complete data: %v", err)
	}
	if body.ExitCode == nil || *body.ExitCode != 0 {
		t.Fatalf("exit code: %v", body.ExitCode)
	}
}

func TestJobNonZeroExit(t *testing.T) {
	rec := newIngestRecorder(t)
	agent := writeAgentScript(t, `read prompt
exit 3`)
	prompt := writePrompt(t, "p")

	s := New(Config{AgentBinary: agent, IngestURL: rec.server.URL, IdleTimeout: 30 * time.Second})
	w := postJSON(t, s.Handler(), "/job/start", startRequest{
		ExecutionID: "exec_1",
		SessionID:   "sess_1",
		Mode:        "code",
		Workspace:   t.TempDir(),
		PromptPath:  prompt,
		IngestURL:   rec.server.URL,
		IngestToken: "tok-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("job start: %d", w.Code)
	}

	complete := rec.waitFor(t, "complete", 5*time.Second)
	var body struct {
		ExitCode *int `json:"exitCode"`
	}
	if err := json.Unmarshal(complete.Data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ExitCode == nil || *body.ExitCode != 3 {
		t.Fatalf("exit code: %v", body.ExitCode)
	}
}

func TestIdleTimeoutKillsAgent(t *testing.T) {
	rec := newIngestRecorder(t)
	agent := writeAgentScript(t, `read prompt
sleep 60`)
	prompt := writePrompt(t, "p")

	s := New(Config{AgentBinary: agent, IngestURL: rec.server.URL, IdleTimeout: 1500 * time.Millisecond})
	w := postJSON(t, s.Handler(), "/job/start", startRequest{
		ExecutionID: "exec_1",
		SessionID:   "sess_1",
		Mode:        "code",
		Workspace:   t.TempDir(),
		PromptPath:  prompt,
		IngestURL:   rec.server.URL,
		IngestToken: "tok-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("job start: %d", w.Code)
	}

	frame := rec.waitFor(t, "error", 10*time.Second)
	var body struct {
		Fatal   bool   `json:"fatal"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(frame.Data, &body); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if !body.Fatal || body.Message == "" {
		t.Fatalf("idle error frame: %+v", body)
	}
}

func TestSecondJobStartConflicts(t *testing.T) {
	rec := newIngestRecorder(t)
	agent := writeAgentScript(t, `read prompt
sleep 30`)
	prompt := writePrompt(t, "p")

	s := New(Config{AgentBinary: agent, IngestURL: rec.server.URL, IdleTimeout: 60 * time.Second})
	req := startRequest{
		ExecutionID: "exec_1",
		SessionID:   "sess_1",
		Mode:        "code",
		Workspace:   t.TempDir(),
		PromptPath:  prompt,
		IngestURL:   rec.server.URL,
		IngestToken: "tok-1",
	}
	if w := postJSON(t, s.Handler(), "/job/start", req); w.Code != http.StatusOK {
		t.Fatalf("first start: %d", w.Code)
	}
	defer s.stopJob()

	req.ExecutionID = "exec_2"
	if w := postJSON(t, s.Handler(), "/job/start", req); w.Code != http.StatusConflict {
		t.Fatalf("second start: %d", w.Code)
	}
}

func TestFollowupPromptSwitchesExecution(t *testing.T) {
	rec := newIngestRecorder(t)
	agent := writeAgentScript(t, `while read prompt; do
  echo "{\"streamEventType\":\"output\",\"data\":{\"line\":\"got: $prompt\"}}"
done`)
	first := writePrompt(t, "first")

	s := New(Config{AgentBinary: agent, IngestURL: rec.server.URL, IdleTimeout: 30 * time.Second})
	w := postJSON(t, s.Handler(), "/job/start", startRequest{
		ExecutionID: "exec_1",
		SessionID:   "sess_1",
		Mode:        "code",
		Workspace:   t.TempDir(),
		PromptPath:  first,
		IngestURL:   rec.server.URL,
		IngestToken: "tok-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}
	defer s.stopJob()
	rec.waitFor(t, "output", 5*time.Second)

	followup := writePrompt(t, "second")
	w = postJSON(t, s.Handler(), "/job/prompt", promptRequest{
		ExecutionID: "exec_2",
		PromptPath:  followup,
		IngestToken: "tok-2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("prompt: %d %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range rec.snapshot() {
			if f.ExecutionID == "exec_2" && f.EventType == "output" {
				if f.Token != "tok-2" {
					t.Fatalf("follow-up frame token: %q", f.Token)
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no output for exec_2; frames: %+v", rec.snapshot())
}
