package datadir

import (
	"os"
	"path/filepath"
)

// Base returns the chatwatch data directory. CHATWATCH_DATA_DIR overrides
// the default ~/.chatwatch.
func Base() string {
	if dir := os.Getenv("CHATWATCH_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatwatch")
}

// Ensure creates the base directory and its log subdirectory.
func Ensure(base string) error {
	if err := os.MkdirAll(base, 0700); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(base, "logs"), 0700)
}

// ConfigPath returns the TOML config file path.
func ConfigPath(base string) string {
	return filepath.Join(base, "config.toml")
}

// DBPath returns the snapshot database path.
func DBPath(base string) string {
	return filepath.Join(base, "chatwatch.db")
}

// CredentialsDBPath returns the platform credentials database path.
func CredentialsDBPath(base string) string {
	return filepath.Join(base, "credentials.db")
}

// StatusPath returns the cross-process status register file path.
func StatusPath(base string) string {
	return filepath.Join(base, "status.json")
}

// LogPath returns the daemon log file path.
func LogPath(base string) string {
	return filepath.Join(base, "logs", "chatwatchd.log")
}
