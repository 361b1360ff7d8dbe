package corestore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Config is the read-mostly project configuration (spec §6.3
// <project>/config.json): repositories, schedules, paths, integrations.
// It is parsed with JSON5 (github.com/yosuke-furukawa/json5) so a
// human-edited file may carry comments and trailing commas, matching
// the teacher's loader.go pattern of being forgiving about hand-written
// config while machine-written state stays strict JSON.
type Config struct {
	Repositories map[string]any `json:"repositories"`
	Schedules    map[string]any `json:"schedules"`
	Paths        map[string]any `json:"paths"`
	Integrations map[string]any `json:"integrations"`
}

func newConfig() *Config {
	return &Config{
		Repositories: make(map[string]any),
		Schedules:    make(map[string]any),
		Paths:        make(map[string]any),
		Integrations: make(map[string]any),
	}
}

// ConfigStore is the process singleton for the read-mostly config file.
// Like StateStore it re-reads on mtime change, but it never writes back
// on its own — config is operator-edited.
type ConfigStore struct {
	path string

	mu        sync.RWMutex
	cache     *Config
	lastMtime time.Time
}

// NewConfigStore loads (or default-initializes) the config file at path.
func NewConfigStore(path string) (*ConfigStore, error) {
	c := &ConfigStore{path: path, cache: newConfig()}
	if err := c.loadLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ConfigStore) loadLocked() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.cache = newConfig()
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", c.path, err)
	}
	if cfg.Repositories == nil {
		cfg.Repositories = make(map[string]any)
	}
	if cfg.Schedules == nil {
		cfg.Schedules = make(map[string]any)
	}
	if cfg.Paths == nil {
		cfg.Paths = make(map[string]any)
	}
	if cfg.Integrations == nil {
		cfg.Integrations = make(map[string]any)
	}
	c.cache = &cfg

	if info, statErr := os.Stat(c.path); statErr == nil {
		c.lastMtime = info.ModTime()
	}
	return nil
}

func (c *ConfigStore) refreshIfStale() {
	info, err := os.Stat(c.path)
	if err != nil {
		return
	}
	if info.ModTime().After(c.lastMtime) {
		_ = c.loadLocked()
	}
}

// Snapshot returns the current config, re-reading first if the on-disk
// mtime has advanced (spec §4.2 "Read path").
func (c *ConfigStore) Snapshot() *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshIfStale()
	return c.cache
}

// Section returns a named top-level section's contents.
func (c *ConfigStore) Section(name string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshIfStale()
	switch name {
	case "repositories":
		return c.cache.Repositories
	case "schedules":
		return c.cache.Schedules
	case "paths":
		return c.cache.Paths
	case "integrations":
		return c.cache.Integrations
	default:
		return nil
	}
}

// Bootstrap writes a default-skeleton config file if none exists yet,
// using plain JSON (first write, nothing to preserve comments in).
func Bootstrap(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(newConfig(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
