package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "CHATSYNC_CONFIG"
	EnvBackendURL = "CHATSYNC_BACKEND_URL"
	EnvStateDir   = "CHATSYNC_STATE_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // CHATSYNC_CONFIG: override config file path
	BackendURL string // CHATSYNC_BACKEND_URL: backend base URL
	StateDir   string // CHATSYNC_STATE_DIR: directory for the cache db and session
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies them.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BackendURL: os.Getenv(EnvBackendURL),
		StateDir:   os.Getenv(EnvStateDir),
	}
}
