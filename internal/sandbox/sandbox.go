// Package sandbox defines the interface the orchestrator consumes from the
// sandbox runtime. The runtime itself (VM provisioning, image plumbing) is a
// separate system; this package only models the operations the session
// orchestrator needs: process launch/listing, exec, and workspace file IO.
package sandbox

import (
	"context"
	"errors"
)

var (
	ErrProcessNotFound = errors.New("sandbox process not found")
	ErrFileNotFound    = errors.New("sandbox file not found")
)

// ProcessState mirrors the lifecycle states the runtime reports.
type ProcessState string

const (
	ProcessStarting ProcessState = "starting"
	ProcessRunning  ProcessState = "running"
	ProcessStopped  ProcessState = "stopped"
)

// ProcessInfo describes one process inside the sandbox. Cmdline is the full
// command line as launched; wrapper processes embed discovery markers there.
type ProcessInfo struct {
	PID     int
	Cmdline string
	State   ProcessState
}

// StartProcessRequest launches a long-lived process inside the sandbox.
type StartProcessRequest struct {
	Command []string
	Env     map[string]string
	Workdir string
}

// ExecRequest runs a short command to completion (workspace prep, setup
// commands).
type ExecRequest struct {
	Command []string
	Env     map[string]string
	Workdir string
}

// ExecResult carries the outcome of an Exec call.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox is the collaborator interface for one isolated execution
// environment. Implementations are expected to be safe for concurrent use:
// the process list is shared across sessions within one sandbox.
type Sandbox interface {
	StartProcess(ctx context.Context, req StartProcessRequest) (ProcessInfo, error)
	ListProcesses(ctx context.Context) ([]ProcessInfo, error)
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}
