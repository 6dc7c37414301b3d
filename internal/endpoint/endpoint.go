package endpoint

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Endpoint describes where the orchestrator listens or where a client dials.
type Endpoint struct {
	Scheme        string
	Address       string
	BaseURL       string
	TSNetHostname string
}

func defaultListenEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), "switchboard")
	}
	sock := filepath.Join(runtimeDir, "switchboard", "switchboard.sock")
	return Endpoint{
		Scheme:  "unix",
		Address: sock,
		BaseURL: "http://unix",
	}
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

// Resolve resolves a client-side endpoint.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listenDefault bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv("SWITCHBOARD_HOST"))
	}
	if value == "" {
		return defaultListenEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listenDefault {
			return Endpoint{}, fmt.Errorf("tsnet endpoints are listen-only, got %q", value)
		}
		hostPort := strings.TrimPrefix(value, "tsnet://")
		if hostPort == "" {
			return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q", value)
		}
		hostname := hostPort
		address := ":443"
		if host, port, err := net.SplitHostPort(hostPort); err == nil {
			hostname = host
			address = ":" + port
		}
		if hostname == "" {
			return Endpoint{}, fmt.Errorf("tsnet endpoint %q is missing a hostname", value)
		}
		return Endpoint{
			Scheme:        "tsnet",
			Address:       address,
			BaseURL:       "http://" + hostname,
			TSNetHostname: hostname,
		}, nil
	case strings.HasPrefix(value, "http://"):
		return Endpoint{Scheme: "http", Address: strings.TrimPrefix(value, "http://"), BaseURL: value}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, tsnet://hostname[:port], or absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}
