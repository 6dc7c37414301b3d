package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves where switchboard keeps rebuildable state, such as
// tsnet node keys. $XDG_STATE_HOME wins, then the home state directory, with
// $XDG_RUNTIME_DIR as a last resort.
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "switchboard"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "switchboard"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "switchboard"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "switchboard"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

func TSNetStateDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tsnet"), nil
}
