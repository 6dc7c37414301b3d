// Package client is the public Go client for the switchboard orchestrator:
// the JSON actor API plus the /stream WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dennismeister93/switchboard/internal/endpoint"
	"github.com/dennismeister93/switchboard/internal/launch"
	"github.com/dennismeister93/switchboard/internal/session"
)

// ErrConflict is returned when the orchestrator rejects a start with
// EXECUTION_IN_PROGRESS.
var ErrConflict = errors.New("execution already in progress")

const userHeader = "X-Switchboard-User"

// Client talks to one orchestrator endpoint on behalf of one user.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/switchboard.sock
// - absolute unix socket path
// - http://host:port
//
// If host is empty, SWITCHBOARD_HOST is used, then the default unix socket.
func New(host, userID string) (*Client, error) {
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	if ep.Scheme == "tsnet" {
		return nil, errors.New("tsnet:// endpoints are listen-only; use http://<hostname>")
	}

	c := &Client{userID: userID}
	if ep.Scheme == "unix" {
		socketPath := ep.Address
		c.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
		c.baseURL = "http://switchboard"
		c.http = &http.Client{
			Transport: &http.Transport{DialContext: c.dial},
			Timeout:   30 * time.Second,
		}
		return c, nil
	}

	c.baseURL = ep.BaseURL
	c.http = &http.Client{Timeout: 30 * time.Second}
	return c, nil
}

// PrepareRequest mirrors the session metadata accepted by prepare.
type PrepareRequest struct {
	Workspace     string            `json:"workspace"`
	GitURL        string            `json:"gitUrl,omitempty"`
	GitToken      string            `json:"gitToken,omitempty"`
	AgentToken    string            `json:"agentToken,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
	SetupCommands []string          `json:"setupCommands,omitempty"`
	DefaultMode   string            `json:"defaultMode,omitempty"`
	DefaultModel  string            `json:"defaultModel,omitempty"`
	DefaultPrompt string            `json:"defaultPrompt,omitempty"`
}

func (c *Client) Prepare(ctx context.Context, sessionID string, req PrepareRequest) (session.Metadata, error) {
	var meta session.Metadata
	err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/prepare", req, &meta)
	return meta, err
}

func (c *Client) Initiate(ctx context.Context, sessionID string) (bool, error) {
	var body struct {
		Initiated bool `json:"initiated"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/initiate", struct{}{}, &body)
	return body.Initiated, err
}

// StartExecution submits a start or follow-up request. The result reports
// whether the execution started immediately or was queued.
func (c *Client) StartExecution(ctx context.Context, sessionID string, req launch.StartRequest) (session.StartResult, error) {
	var res session.StartResult
	err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/executions", req, &res)
	return res, err
}

// EnqueueExecution queues a request without competing for the active slot.
func (c *Client) EnqueueExecution(ctx context.Context, sessionID string, req launch.StartRequest) (session.StartResult, error) {
	var res session.StartResult
	err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/queue", req, &res)
	return res, err
}

func (c *Client) GetExecution(ctx context.Context, sessionID, executionID string) (session.Execution, error) {
	var ex session.Execution
	err := c.doJSON(ctx, http.MethodGet, "/sessions/"+sessionID+"/executions/"+executionID, nil, &ex)
	return ex, err
}

// SessionState is the metadata view returned by the orchestrator.
type SessionState struct {
	Metadata          session.Metadata `json:"metadata"`
	ActiveExecutionID string           `json:"activeExecutionId"`
}

func (c *Client) GetMetadata(ctx context.Context, sessionID string) (SessionState, error) {
	var state SessionState
	err := c.doJSON(ctx, http.MethodGet, "/sessions/"+sessionID+"/metadata", nil, &state)
	return state, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.userID != "" {
		req.Header.Set(userHeader, c.userID)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Reason == "EXECUTION_IN_PROGRESS" {
			return fmt.Errorf("%w: %s", ErrConflict, apiErr.Error)
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
