package config

import (
	"os"
	"path/filepath"
)

// xdgDir returns $env/sixseven, falling back to ~/<fallback...>/sixseven.
func xdgDir(env string, fallback ...string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(append([]string{home}, fallback...)...)
	}
	return filepath.Join(base, "sixseven"), nil
}

// ConfigDir defaults to ~/.config/sixseven/.
func ConfigDir() (string, error) { return xdgDir("XDG_CONFIG_HOME", ".config") }

// DataDir holds the SQLite database. Defaults to ~/.local/share/sixseven/.
func DataDir() (string, error) { return xdgDir("XDG_DATA_HOME", ".local", "share") }

// StateDir holds traces. Defaults to ~/.local/state/sixseven/.
func StateDir() (string, error) { return xdgDir("XDG_STATE_HOME", ".local", "state") }

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// CredentialsPath returns the path to the credentials file.
func CredentialsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.toml"), nil
}

// DefaultTracePath is used when tracing is on and no trace_file is set.
func DefaultTracePath() string {
	if d, err := StateDir(); err == nil {
		return filepath.Join(d, "traces.json")
	}
	return "sixseven-traces.json"
}
