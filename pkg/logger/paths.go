/* pkg/logger/paths.go */

package logger

import (
	"os"
	"path/filepath"
	"runtime"
)

const logFileName = "runnerforge.log"

// PlatformLogPaths returns candidate log paths in order of priority for the platform.
func PlatformLogPaths() []string {
	if p := os.Getenv("RUNNERFORGE_LOG_FILE"); p != "" {
		return []string{p}
	}

	var paths []string
	if runtime.GOOS == "linux" {
		paths = append(paths, filepath.Join("/var/log/runnerforge", logFileName))
	}
	if state := xdgStateHome(); state != "" {
		paths = append(paths, filepath.Join(state, "runnerforge", logFileName))
	}
	return append(paths, filepath.Join(os.TempDir(), "runnerforge", logFileName))
}

func xdgStateHome() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state")
}
