package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for understudy state.
// Preference order:
// 1. $XDG_STATE_HOME/understudy
// 2. ~/.local/state/understudy
// 3. $XDG_RUNTIME_DIR/understudy
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "understudy"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "understudy"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "understudy"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "understudy"), nil
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

// ScratchBaseDir resolves the default base directory for session scratch
// workspaces. Sandbox runs materialize session state beneath it.
func ScratchBaseDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "scratch"), nil
}

// TLSDir returns the default directory for understudy TLS material.
// Uses $XDG_CONFIG_HOME/understudy/tls or ~/.config/understudy/tls.
func TLSDir() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "understudy", "tls"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "understudy", "tls"), nil
}
