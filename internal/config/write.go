package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteDefault when the target file exists.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the content written by "config init". Every setting is
// present as a commented-out default so users can discover each option
// without reading docs.
const configTemplate = `# chatsync configuration
# Uncomment and modify to override defaults.

# Directory for the cache database and the session file.
# state_dir = "~/.local/share/chatsync"

[backend]
# Base URL of the backend project, e.g. "https://project.example.co".
url = ""
# Realtime endpoint. Derived from url when empty.
# realtime_url = ""
# Public (anon) API key sent with every request.
# api_key = ""
# token_file = ""
# request_timeout = "30s"
# user_agent = "chatsync/0.1"
# Largest realtime frame accepted.
# max_frame_size = "1MiB"

[cache]
# db_path = ""
# max_entries = 5000
# deep_clean_budget = 1000
# deep_clean_window = "168h"
# How long past its TTL an entry may still be served while revalidating.
# max_stale = "24h"
# message_ttl = "24h"
# room_ttl = "10m"
# user_ttl = "30m"
# membership_ttl = "5m"
# Background optimize interval; "0" disables it.
# optimize_interval = "10m"
# write_queue_size = 1024

[reconcile]
# How far apart an optimistic send and its server echo may be.
# match_window = "5s"

[channel]
# base_delay = "3s"
# max_delay = "30s"
# max_attempts = 5
# "0" disables the health check.
# health_interval = "30s"
# subscribe_timeout = "10s"

[prefetch]
# Background fetches per second.
# rate = 5.0
# burst = 2
# page_size = 50

[logging]
# log_level = "info"
# Log format: auto (json when stderr is not a terminal), text, json
# log_format = "auto"
`

// WriteDefault writes the commented default config to path. It refuses to
// overwrite an existing file. The write is atomic and parent directories
// are created as needed.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	slog.Info("creating config file", "path", path)

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temp file in the same directory and
// renames it over path, so readers never observe a partial file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
