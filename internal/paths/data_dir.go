package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DataBaseDir resolves where switchboard keeps durable data, primarily the
// session database. $XDG_DATA_HOME wins, then the home data directory, with
// $XDG_RUNTIME_DIR as a last resort for homeless environments.
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "switchboard"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "switchboard"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "share", "switchboard"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "switchboard"), nil
	}
	return "", errors.New("unable to resolve data directory from XDG data/runtime or home")
}

// SessionDBPath returns the default path of the session event/queue database.
func SessionDBPath() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "sessions.db"), nil
}
