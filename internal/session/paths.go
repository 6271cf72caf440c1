package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatcore, or the CHATCORE_HOME override.
func BaseDir() string {
	if dir := os.Getenv("CHATCORE_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatcore")
}

// Dir returns the instance-specific data directory.
func Dir(instance string) string {
	return filepath.Join(BaseDir(), "instances", instance)
}

// DBPath returns the chat store database path for an instance.
func DBPath(instance string) string {
	return filepath.Join(Dir(instance), "chat.db")
}

// LockPath returns the lock file path for an instance.
func LockPath(instance string) string {
	return filepath.Join(Dir(instance), "LOCK")
}

// LogDir returns the log directory for an instance.
func LogDir(instance string) string {
	return filepath.Join(Dir(instance), "logs")
}

// LogPath returns the daemon log file path for an instance.
func LogPath(instance string) string {
	return filepath.Join(LogDir(instance), "chatd.log")
}

// ConfigPath returns the per-instance config file path.
func ConfigPath(instance string) string {
	return filepath.Join(Dir(instance), "config.toml")
}

// EnsureDir creates the instance directory tree with owner-only
// permissions.
func EnsureDir(instance string) error {
	dirs := []string{
		Dir(instance),
		LogDir(instance),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
