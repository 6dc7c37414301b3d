package launch

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/dennismeister93/switchboard/internal/sandbox"
)

// Wrapper processes advertise themselves through argv markers so they can be
// rediscovered after an orchestrator restart by scanning the sandbox process
// list.
const (
	SessionMarker = "--agent-session"
	PortMarker    = "--wrapper-port"
)

const maxDynamicPort = 65535

// PortAllocator picks TCP ports for wrapper processes. The preferred port is
// a deterministic hash of the session id, so the same session lands on the
// same port whenever it is free.
type PortAllocator struct {
	BasePort  int
	PortRange int
}

// PreferredPort derives the session's stable preferred port.
func (a PortAllocator) PreferredPort(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return a.BasePort + int(h.Sum32())%a.PortRange
}

// FindAvailablePort returns the preferred port when free, otherwise the first
// free port scanning forward through the configured range and then beyond it.
// Only exhaustion of the dynamic port space is an error.
func (a PortAllocator) FindAvailablePort(ctx context.Context, sb sandbox.Sandbox, sessionID string) (int, error) {
	used, err := usedWrapperPorts(ctx, sb)
	if err != nil {
		return 0, err
	}

	preferred := a.PreferredPort(sessionID)
	if !used[preferred] {
		return preferred, nil
	}

	top := a.BasePort + a.PortRange
	for port := preferred + 1; port < top; port++ {
		if !used[port] {
			return port, nil
		}
	}
	for port := a.BasePort; port < preferred; port++ {
		if !used[port] {
			return port, nil
		}
	}
	for port := top; port <= maxDynamicPort; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free wrapper port for session %s: dynamic port space exhausted", sessionID)
}

// FindSessionWrapper reports the port of an already-running wrapper for the
// session, if any. Used to route follow-up prompts to a live wrapper instead
// of launching a second one.
func FindSessionWrapper(ctx context.Context, sb sandbox.Sandbox, sessionID string) (int, bool, error) {
	procs, err := sb.ListProcesses(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("list sandbox processes: %w", err)
	}
	for _, proc := range procs {
		if proc.State != sandbox.ProcessRunning && proc.State != sandbox.ProcessStarting {
			continue
		}
		if markerValue(proc.Cmdline, SessionMarker) != sessionID {
			continue
		}
		if port, ok := parsePortMarker(proc.Cmdline); ok {
			return port, true, nil
		}
	}
	return 0, false, nil
}

func usedWrapperPorts(ctx context.Context, sb sandbox.Sandbox) (map[int]bool, error) {
	procs, err := sb.ListProcesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sandbox processes: %w", err)
	}

	used := make(map[int]bool)
	for _, proc := range procs {
		if proc.State != sandbox.ProcessRunning && proc.State != sandbox.ProcessStarting {
			continue
		}
		if port, ok := parsePortMarker(proc.Cmdline); ok {
			used[port] = true
		}
	}
	return used, nil
}

// markerValue extracts the value following a marker flag from a command
// line. It tolerates arbitrary surrounding arguments.
func markerValue(cmdline, marker string) string {
	fields := strings.Fields(cmdline)
	for i, field := range fields {
		if field == marker && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func parsePortMarker(cmdline string) (int, bool) {
	raw := markerValue(cmdline, PortMarker)
	if raw == "" {
		return 0, false
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}
