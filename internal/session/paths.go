package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.mentorchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mentorchat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// CredentialsPath returns the credentials file path for a session.
func CredentialsPath(name string) string {
	return filepath.Join(Dir(name), "credentials.toml")
}

// ArchiveDBPath returns the local message archive path.
func ArchiveDBPath(name string) string {
	return filepath.Join(Dir(name), "archive.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "mentorchatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
