package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// JobStartRequest asks a wrapper to launch the agent binary.
type JobStartRequest struct {
	ExecutionID string `json:"executionId"`
	SessionID   string `json:"sessionId"`
	Mode        string `json:"mode"`
	Model       string `json:"model,omitempty"`
	Workspace   string `json:"workspace"`
	PromptPath  string `json:"promptPath"`
	IngestURL   string `json:"ingestUrl"`
	IngestToken string `json:"ingestToken"`
}

// JobPromptRequest delivers a follow-up prompt to a running wrapper.
type JobPromptRequest struct {
	ExecutionID string `json:"executionId"`
	PromptPath  string `json:"promptPath"`
	IngestToken string `json:"ingestToken"`
}

type jobResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WrapperClient talks to the small HTTP API every wrapper exposes on its
// allocated port. BaseURL customization exists for tests; production callers
// target localhost inside the sandbox network namespace.
type WrapperClient struct {
	BaseURL string
	Client  *http.Client
}

func NewWrapperClient(port int) *WrapperClient {
	return &WrapperClient{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// StartJob launches an agent job. The wrapper may still be booting when the
// orchestrator first calls this, so the call retries until the deadline.
func (c *WrapperClient) StartJob(ctx context.Context, req JobStartRequest, startupWait time.Duration) error {
	deadline := time.Now().Add(startupWait)
	for {
		err := c.post(ctx, "/job/start", req)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wrapper did not accept job start within %s: %w", startupWait, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// SendPrompt delivers a follow-up prompt to an already-running wrapper.
func (c *WrapperClient) SendPrompt(ctx context.Context, req JobPromptRequest) error {
	return c.post(ctx, "/job/prompt", req)
}

func (c *WrapperClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode wrapper request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("wrapper request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wrapper %s returned status %d: %s", path, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var decoded jobResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode wrapper %s response: %w", path, err)
	}
	if !decoded.OK {
		return fmt.Errorf("wrapper %s rejected request: %s", path, decoded.Error)
	}
	return nil
}
