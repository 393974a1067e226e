package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wppcrm.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wppcrm")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// SocketPath returns the daemon's UDS socket path inside dataDir.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, "crmd.sock")
}

// AppDBPath returns the app-owned crm.db path.
func AppDBPath(dataDir string) string {
	return filepath.Join(dataDir, "crm.db")
}

// MediaDir returns the root of the filesystem object store.
func MediaDir(dataDir string) string {
	return filepath.Join(dataDir, "media")
}

// LogDir returns the log directory.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "crmd.log")
}

// KeystoreRoot returns the directory holding one keystore per session.
func KeystoreRoot(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}

// EnsureDir creates the data directory tree with proper permissions.
func EnsureDir(dataDir string) error {
	dirs := []string{
		dataDir,
		LogDir(dataDir),
		KeystoreRoot(dataDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
