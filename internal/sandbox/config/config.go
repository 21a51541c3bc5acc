// Package config loads, validates and caches sandbox configuration.
package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	appErr "boxguard/pkg/errors"
	"boxguard/pkg/utils/logger"

	"go.uber.org/zap"
)

// ResourceLimits holds the coarse per-class resource ceilings.
type ResourceLimits struct {
	CPULimits    int `json:"cpu_limits"`
	MemoryLimits int `json:"memory_limits"`
	DiskLimits   int `json:"disk_limits"`
}

// Monitoring controls the background monitor.
type Monitoring struct {
	Enabled         bool   `json:"enabled"`
	RefreshInterval int    `json:"refresh_interval"` // milliseconds
	LogLevel        string `json:"log_level"`
}

// Config is the sandbox subsystem configuration.
type Config struct {
	Timeout            int            `json:"timeout"`
	MaxMemory          int64          `json:"max_memory"`
	MaxProcesses       int            `json:"max_processes"`
	AllowedPaths       []string       `json:"allowed_paths"`
	BlockedProcesses   []string       `json:"blocked_processes"`
	NetworkAccess      bool           `json:"network_access"`
	RegistryAccess     bool           `json:"registry_access"`
	FileAccess         bool           `json:"file_access"`
	IsolationLevel     string         `json:"isolation_level"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	ResourceLimits     ResourceLimits `json:"resource_limits"`
	Monitoring         Monitoring     `json:"monitoring"`

	// Extra preserves keys the schema does not know about so a round-trip
	// through load/save does not discard them.
	Extra map[string]json.RawMessage `json:"-"`
}

// Default returns the hard-coded baseline configuration.
func Default() Config {
	return Config{
		Timeout:            30,
		MaxMemory:          512 * 1024 * 1024,
		MaxProcesses:       20,
		AllowedPaths:       []string{},
		BlockedProcesses:   []string{},
		NetworkAccess:      false,
		RegistryAccess:     true,
		FileAccess:         true,
		IsolationLevel:     "medium",
		MaxConcurrentTasks: 3,
		ResourceLimits: ResourceLimits{
			CPULimits:    50,
			MemoryLimits: 1024,
			DiskLimits:   2048,
		},
		Monitoring: Monitoring{
			Enabled:         true,
			RefreshInterval: 500,
			LogLevel:        "INFO",
		},
	}
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	out := c
	out.AllowedPaths = append([]string(nil), c.AllowedPaths...)
	out.BlockedProcesses = append([]string(nil), c.BlockedProcesses...)
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// knownKeys are the top-level keys consumed by the schema; everything else
// lands in Extra.
var knownKeys = map[string]struct{}{
	"timeout": {}, "max_memory": {}, "max_processes": {},
	"allowed_paths": {}, "blocked_processes": {},
	"network_access": {}, "registry_access": {}, "file_access": {},
	"isolation_level": {}, "max_concurrent_tasks": {},
	"resource_limits": {}, "monitoring": {},
}

// merge decodes raw JSON over a copy of the defaults. File values override
// defaults field by field; keys outside the schema are preserved in Extra.
func merge(defaults Config, raw []byte) (Config, error) {
	out := defaults.Clone()
	if err := json.Unmarshal(raw, &out); err != nil {
		return Config{}, appErr.Wrapf(err, appErr.ConfigParseError, "parse config: %v", err)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Config{}, appErr.Wrapf(err, appErr.ConfigParseError, "parse config: %v", err)
	}
	for key, value := range generic {
		if _, ok := knownKeys[key]; ok {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[key] = value
	}
	return out, nil
}

// Validate checks numeric fields and aggregates all violations instead of
// failing on the first.
func Validate(cfg Config) error {
	var violations []string
	if cfg.Timeout <= 0 {
		violations = append(violations, "timeout must be a positive integer")
	}
	if cfg.MaxMemory <= 0 {
		violations = append(violations, "max_memory must be a positive integer")
	}
	if cfg.MaxProcesses <= 0 {
		violations = append(violations, "max_processes must be a positive integer")
	}
	if len(violations) == 0 {
		return nil
	}
	return appErr.New(appErr.ConfigValidationError).WithDetail("violations", violations)
}

type cacheEntry struct {
	cfg     Config
	modTime time.Time
}

// Store loads configuration from a fixed search list and caches it keyed by
// resolved path, invalidating an entry once the file's mtime advances.
type Store struct {
	searchPaths []string
	defaults    Config

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// DefaultSearchPaths is the fixed lookup order used when Load is called
// without an explicit path.
var DefaultSearchPaths = []string{
	"config/sandbox_config.json",
	"sandbox/sandbox_config.json",
}

// NewStore creates a config store. A nil searchPaths uses DefaultSearchPaths.
func NewStore(searchPaths []string) *Store {
	if searchPaths == nil {
		searchPaths = DefaultSearchPaths
	}
	return &Store{
		searchPaths: searchPaths,
		defaults:    Default(),
		cache:       make(map[string]cacheEntry),
	}
}

// Load resolves path (or the first existing file in the search list) and
// returns the defaults merged with the file contents. A missing file yields
// the defaults; a malformed file is an error, never silently discarded.
func (s *Store) Load(ctx context.Context, path string) (Config, error) {
	if path == "" {
		path = s.findConfigFile()
	}
	if path == "" {
		logger.Warn(ctx, "no config file found, using defaults")
		return s.defaults.Clone(), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Config{}, appErr.Wrapf(err, appErr.ConfigReadError, "stat config %s: %v", path, err)
	}

	s.mu.Lock()
	entry, ok := s.cache[path]
	s.mu.Unlock()
	if ok && !info.ModTime().After(entry.modTime) {
		return entry.cfg.Clone(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, appErr.Wrapf(err, appErr.ConfigReadError, "read config %s: %v", path, err)
	}
	cfg, err := merge(s.defaults, raw)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, appErr.Wrapf(err, appErr.ConfigValidationError, "config %s rejected: %v", path, err)
	}

	s.mu.Lock()
	s.cache[path] = cacheEntry{cfg: cfg, modTime: info.ModTime()}
	s.mu.Unlock()

	logger.Info(ctx, "config loaded", zap.String("path", path))
	return cfg.Clone(), nil
}

// Reload drops the cache entry for path (all entries if path is empty) and
// loads again.
func (s *Store) Reload(ctx context.Context, path string) (Config, error) {
	s.mu.Lock()
	if path == "" {
		s.cache = make(map[string]cacheEntry)
	} else {
		delete(s.cache, path)
	}
	s.mu.Unlock()
	return s.Load(ctx, path)
}

func (s *Store) findConfigFile() string {
	for _, path := range s.searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Adaptive derives a load-scaled configuration. Three discrete bands with
// breakpoints at 0.3 and 0.7: low load raises the concurrency ceiling and
// CPU allowance and relaxes the refresh interval, high load tightens all
// three.
func (s *Store) Adaptive(ctx context.Context, loadFactor float64) (Config, error) {
	cfg, err := s.Load(ctx, "")
	if err != nil {
		return Config{}, err
	}
	switch {
	case loadFactor < 0.3:
		cfg.MaxConcurrentTasks = 5
		cfg.ResourceLimits.CPULimits = 70
		cfg.Monitoring.RefreshInterval = 300
	case loadFactor < 0.7:
		cfg.MaxConcurrentTasks = 3
		cfg.ResourceLimits.CPULimits = 50
		cfg.Monitoring.RefreshInterval = 500
	default:
		cfg.MaxConcurrentTasks = 2
		cfg.ResourceLimits.CPULimits = 30
		cfg.Monitoring.RefreshInterval = 1000
	}
	return cfg, nil
}
