package config

import "sync"

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. The watch command reloads the file on change and
// publishes the result here; its cache optimizer reads the interval back
// through Config on every cycle.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot. Thread-safe (read lock).
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path. Thread-safe without locking because
// the path is immutable after construction.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config. Thread-safe (write lock).
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file and publishes it. On error the current
// config is kept and the error returned.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := LoadOrDefault(h.path)
	if err != nil {
		return nil, err
	}

	h.Update(cfg)

	return cfg, nil
}
