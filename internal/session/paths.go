package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.threadsync, or $THREADSYNC_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("THREADSYNC_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".threadsync")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// QueueDBPath returns the bbolt file holding queued sends, drafts and
// pending read receipts.
func QueueDBPath(name string) string {
	return filepath.Join(Dir(name), "queue.db")
}

// DocumentsDBPath returns the sqlite file backing the local document store.
func DocumentsDBPath(name string) string {
	return filepath.Join(Dir(name), "documents.db")
}

// MediaDir holds attachments copied out of the sender's device paths by the
// local uploader.
func MediaDir(name string) string {
	return filepath.Join(Dir(name), "media")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "threadsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), MediaDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
