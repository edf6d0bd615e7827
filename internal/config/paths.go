// Package config provides configuration loading and path management for the
// CLI and daemon. All client state lives under a single home directory,
// overridable with HAPPY_HOME_DIR.
package config

import (
	"os"
	"path/filepath"
)

// Paths contains the standard locations for Happy client state.
type Paths struct {
	Home        string // ~/.happy
	Logs        string // ~/.happy/logs
	Spool       string // ~/.happy/spool (offline message spool per session)
	DaemonState string // ~/.happy/daemon.json
	DaemonLock  string // ~/.happy/daemon.lock
	Credentials string // ~/.happy/credentials.json
	Settings    string // ~/.happy/settings.json
}

// GetPaths returns the standard paths, honoring HAPPY_HOME_DIR.
func GetPaths() *Paths {
	home := os.Getenv("HAPPY_HOME_DIR")
	if home == "" {
		home = filepath.Join(userHome(), ".happy")
	}
	return &Paths{
		Home:        home,
		Logs:        filepath.Join(home, "logs"),
		Spool:       filepath.Join(home, "spool"),
		DaemonState: filepath.Join(home, "daemon.json"),
		DaemonLock:  filepath.Join(home, "daemon.lock"),
		Credentials: filepath.Join(home, "credentials.json"),
		Settings:    filepath.Join(home, "settings.json"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Home, p.Logs, p.Spool} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// SessionSpoolPath returns the offline spool file for a session tag.
func (p *Paths) SessionSpoolPath(tag string) string {
	return filepath.Join(p.Spool, tag+".json")
}

func userHome() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.Getenv("HOME")
}
