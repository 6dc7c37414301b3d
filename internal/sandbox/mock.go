package sandbox

import (
	"context"
	"strings"
	"sync"
)

// Mock is an in-memory Sandbox for tests. Failure toggles let callers
// exercise launch-failure paths without a real runtime.
type Mock struct {
	mu        sync.RWMutex
	nextPID   int
	processes []ProcessInfo
	files     map[string][]byte
	execLog   []ExecRequest

	FailStart bool
	FailExec  bool
	ExecCode  int
}

func NewMock() *Mock {
	return &Mock{
		nextPID: 100,
		files:   make(map[string][]byte),
	}
}

func (m *Mock) StartProcess(_ context.Context, req StartProcessRequest) (ProcessInfo, error) {
	if m.FailStart {
		return ProcessInfo{}, ErrProcessNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPID++
	info := ProcessInfo{
		PID:     m.nextPID,
		Cmdline: strings.Join(req.Command, " "),
		State:   ProcessRunning,
	}
	m.processes = append(m.processes, info)
	return info, nil
}

func (m *Mock) ListProcesses(_ context.Context) ([]ProcessInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ProcessInfo(nil), m.processes...), nil
}

func (m *Mock) Exec(_ context.Context, req ExecRequest) (ExecResult, error) {
	if m.FailExec {
		return ExecResult{ExitCode: 1, Stderr: "exec failed"}, ErrProcessNotFound
	}

	m.mu.Lock()
	m.execLog = append(m.execLog, req)
	m.mu.Unlock()

	return ExecResult{ExitCode: m.ExecCode}, nil
}

func (m *Mock) ReadFile(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[path]
	if !ok {
		return nil, ErrFileNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Mock) WriteFile(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[path] = append([]byte(nil), data...)
	return nil
}

// AddProcess seeds the process table, simulating wrappers launched by other
// sessions in the same sandbox.
func (m *Mock) AddProcess(cmdline string, state ProcessState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPID++
	m.processes = append(m.processes, ProcessInfo{PID: m.nextPID, Cmdline: cmdline, State: state})
}

// ExecCalls returns the Exec requests observed so far.
func (m *Mock) ExecCalls() []ExecRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ExecRequest(nil), m.execLog...)
}
