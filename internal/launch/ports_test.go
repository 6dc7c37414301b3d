package launch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/dennismeister93/switchboard/internal/sandbox"
)

func wrapperCmdline(sessionID string, port int) string {
	return fmt.Sprintf("/usr/local/bin/switchboard-wrapper %s %s %s %d", SessionMarker, sessionID, PortMarker, port)
}

func TestPreferredPortDeterministic(t *testing.T) {
	alloc := PortAllocator{BasePort: 42000, PortRange: 512}

	first := alloc.PreferredPort("sess_abc")
	second := alloc.PreferredPort("sess_abc")
	if first != second {
		t.Fatalf("preferred port not stable: %d vs %d", first, second)
	}
	if first < 42000 || first >= 42512 {
		t.Fatalf("preferred port %d outside configured range", first)
	}
}

func TestFindAvailablePortPrefersHash(t *testing.T) {
	alloc := PortAllocator{BasePort: 42000, PortRange: 512}
	mock := sandbox.NewMock()

	port, err := alloc.FindAvailablePort(context.Background(), mock, "sess_abc")
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if port != alloc.PreferredPort("sess_abc") {
		t.Fatalf("got port %d, want preferred %d", port, alloc.PreferredPort("sess_abc"))
	}
}

func TestFindAvailablePortSkipsUsed(t *testing.T) {
	alloc := PortAllocator{BasePort: 42000, PortRange: 512}
	mock := sandbox.NewMock()

	preferred := alloc.PreferredPort("sess_abc")
	mock.AddProcess(wrapperCmdline("sess_other", preferred), sandbox.ProcessRunning)

	port, err := alloc.FindAvailablePort(context.Background(), mock, "sess_abc")
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if port == preferred {
		t.Fatalf("allocated port %d already in use", port)
	}
}

func TestFindAvailablePortIgnoresStoppedProcesses(t *testing.T) {
	alloc := PortAllocator{BasePort: 42000, PortRange: 512}
	mock := sandbox.NewMock()

	preferred := alloc.PreferredPort("sess_abc")
	mock.AddProcess(wrapperCmdline("sess_other", preferred), sandbox.ProcessStopped)

	port, err := alloc.FindAvailablePort(context.Background(), mock, "sess_abc")
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if port != preferred {
		t.Fatalf("stopped process should not reserve port: got %d, want %d", port, preferred)
	}
}

func TestFindAvailablePortWrapsBelowPreferred(t *testing.T) {
	alloc := PortAllocator{BasePort: 42000, PortRange: 4}
	mock := sandbox.NewMock()

	preferred := alloc.PreferredPort("sess_abc")
	// Occupy preferred through the top of the range; the scan must wrap to
	// the bottom before spilling past the range.
	for port := preferred; port < alloc.BasePort+alloc.PortRange; port++ {
		mock.AddProcess(wrapperCmdline("other", port), sandbox.ProcessRunning)
	}

	port, err := alloc.FindAvailablePort(context.Background(), mock, "sess_abc")
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if preferred > alloc.BasePort {
		if port < alloc.BasePort || port >= preferred {
			t.Fatalf("expected wrapped port in [%d,%d), got %d", alloc.BasePort, preferred, port)
		}
	} else if port != alloc.BasePort+alloc.PortRange {
		t.Fatalf("expected overflow port %d, got %d", alloc.BasePort+alloc.PortRange, port)
	}
}

func TestFindAvailablePortOverflowsRange(t *testing.T) {
	alloc := PortAllocator{BasePort: 42000, PortRange: 3}
	mock := sandbox.NewMock()

	for port := alloc.BasePort; port < alloc.BasePort+alloc.PortRange; port++ {
		mock.AddProcess(wrapperCmdline("other", port), sandbox.ProcessRunning)
	}

	port, err := alloc.FindAvailablePort(context.Background(), mock, "sess_abc")
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if port != alloc.BasePort+alloc.PortRange {
		t.Fatalf("expected first port past range %d, got %d", alloc.BasePort+alloc.PortRange, port)
	}
}

func TestFindSessionWrapper(t *testing.T) {
	mock := sandbox.NewMock()
	mock.AddProcess(wrapperCmdline("sess_live", 42007), sandbox.ProcessRunning)
	mock.AddProcess(wrapperCmdline("sess_dead", 42008), sandbox.ProcessStopped)
	mock.AddProcess("/usr/bin/sshd -D", sandbox.ProcessRunning)

	port, found, err := FindSessionWrapper(context.Background(), mock, "sess_live")
	if err != nil {
		t.Fatalf("FindSessionWrapper: %v", err)
	}
	if !found || port != 42007 {
		t.Fatalf("got (%d,%v), want (42007,true)", port, found)
	}

	_, found, err = FindSessionWrapper(context.Background(), mock, "sess_dead")
	if err != nil {
		t.Fatalf("FindSessionWrapper: %v", err)
	}
	if found {
		t.Fatal("stopped wrapper should not be reported as live")
	}

	_, found, err = FindSessionWrapper(context.Background(), mock, "sess_missing")
	if err != nil {
		t.Fatalf("FindSessionWrapper: %v", err)
	}
	if found {
		t.Fatal("unknown session should not match any wrapper")
	}
}

func TestMarkerValueToleratesExtraArgs(t *testing.T) {
	cmdline := "/bin/wrapper --verbose " + SessionMarker + " sess_x --foo bar " + PortMarker + " 42100 --trailing"
	if got := markerValue(cmdline, SessionMarker); got != "sess_x" {
		t.Fatalf("session marker: got %q", got)
	}
	port, ok := parsePortMarker(cmdline)
	if !ok || port != 42100 {
		t.Fatalf("port marker: got (%d,%v)", port, ok)
	}

	if _, ok := parsePortMarker("/bin/wrapper " + PortMarker + " not-a-number"); ok {
		t.Fatal("non-numeric port should not parse")
	}
	if _, ok := parsePortMarker("/bin/wrapper " + PortMarker); ok {
		t.Fatal("dangling marker should not parse")
	}
	if strings.Contains(wrapperCmdline("s", 1), "  ") {
		t.Fatal("test cmdline helper produced double spaces")
	}
}
