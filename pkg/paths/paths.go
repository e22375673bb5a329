package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvLogDir = "BROWSERPOOL_LOG_DIR"

	appDir = ".browserpool"
)

// LogsBaseDir returns the directory daemon logs are written under.
func LogsBaseDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return filepath.Join(appDir, "logs")
}

// LogsDir returns the log directory for one component.
func LogsDir(component string) string {
	base := LogsBaseDir()
	component = strings.TrimSpace(component)
	if component == "" {
		return base
	}
	return filepath.Join(base, component)
}

// UserConfigPath returns ~/.browserpool/config.yaml, or "" when the home
// directory is unknown.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, appDir, "config.yaml")
}

// ProjectConfigPath returns ./.browserpool/config.yaml.
func ProjectConfigPath() string {
	return filepath.Join(appDir, "config.yaml")
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
