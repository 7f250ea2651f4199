// lookahead.go
// Package lookahead provides an interactive code completion session engine:
// providers fan out candidates into a ranked list while a controller drives
// the session phases for an editor, a language server or a terminal UI.
package lookahead

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"maps"
	"sync"
)

// =============================================================================
// Configuration Loading
// =============================================================================

// envFileName is the optional dotenv file read from the working directory.
const envFileName = ".env"

// LoadConfig layers the configuration: defaults, then the first config file
// that parses, then LOOKAHEAD_* environment overrides. Validation repairs what
// it can in place. When no usable file exists the defaults are written to the
// primary location. Problems are reported wrapped in ErrConfig together with a
// usable configuration.
func LoadConfig(logger *stdslog.Logger) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	cfg := DefaultConfig()
	var problems []error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
		problems = append(problems, pathErr)
	}

	fileCfg, source, readErrs := firstFileConfig(logger, primaryPath, secondaryPath)
	problems = append(problems, readErrs...)
	if fileCfg != nil {
		mergeFileConfig(&cfg, fileCfg)
		logger.Info("Loaded config", "path", source)
	} else if target := firstNonEmpty(primaryPath, secondaryPath); target != "" {
		logger.Info("No usable config file found, writing defaults", "path", target)
		if err := WriteDefaultConfig(target, DefaultConfig(), logger); err != nil {
			problems = append(problems, err)
		}
	}

	envCfg, envErr := envFileConfig(envFileName, logger)
	if envErr != nil {
		logger.Warn("Ignoring malformed environment overrides", "error", envErr)
		problems = append(problems, envErr)
	}
	mergeFileConfig(&cfg, envCfg)

	if err := cfg.Validate(logger); err != nil {
		problems = append(problems, err)
		if recheck := cfg.Validate(logger); recheck != nil {
			logger.Error("Configuration could not be repaired, using defaults", "error", recheck)
			cfg = DefaultConfig()
		}
	}

	if len(problems) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(problems...))
	}
	return cfg, nil
}

// firstFileConfig returns the first config file among paths that parses.
// Files that exist but cannot be read or parsed are reported and skipped.
func firstFileConfig(logger *stdslog.Logger, paths ...string) (*FileConfig, string, []error) {
	var errs []error
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		logger.Debug("Attempting to load config", "path", path)
		fc, err := readFileConfig(path, logger)
		if err != nil {
			logger.Warn("Skipping unusable config file", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		if fc != nil {
			return fc, path, errs
		}
	}
	return nil, "", errs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// Engine Service
// =============================================================================

// Engine owns the resources shared by every controller of a process: the
// configuration, the provider caches, selection statistics and the registry
// of open documents.
type Engine struct {
	config   Config
	configMu sync.RWMutex

	memoryCache *MemoryCache
	stats       *StatsStore // nil when statistics are disabled or unavailable.

	docsMu sync.RWMutex
	docs   map[string]string

	logger *stdslog.Logger
}

// NewEngine loads the configuration and creates an engine. A non-nil error
// wrapping ErrConfig is returned together with a usable engine.
func NewEngine(ctx context.Context, logger *stdslog.Logger) (*Engine, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	cfg, configErr := LoadConfig(logger)
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		logger.Error("Fatal error during initial config load", "error", configErr)
		return nil, configErr
	}
	e, err := NewEngineWithConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return e, configErr
}

// NewEngineWithConfig creates an engine with a specific config. Failing to
// open the statistics store only disables statistics.
func NewEngineWithConfig(ctx context.Context, cfg Config, logger *stdslog.Logger) (*Engine, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Engine")
	if err := cfg.Validate(serviceLogger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}

	e := &Engine{
		config:      cfg,
		memoryCache: NewMemoryCache(0, serviceLogger),
		docs:        make(map[string]string),
		logger:      serviceLogger,
	}
	if cfg.StatsEnabled {
		path := cfg.StatsPath
		if path == "" {
			var err error
			if path, err = DefaultStatsPath(); err != nil {
				serviceLogger.Warn("Selection statistics disabled", "error", err)
			}
		}
		if path != "" {
			stats, err := OpenStatsStore(ctx, path, serviceLogger)
			if err != nil {
				serviceLogger.Warn("Selection statistics disabled", "path", path, "error", err)
			} else {
				e.stats = stats
			}
		}
	}
	return e, nil
}

// Close releases the caches and the statistics store.
func (e *Engine) Close() error {
	e.logger.Info("Closing completion engine")
	e.memoryCache.Close()
	if e.stats != nil {
		return e.stats.Close()
	}
	return nil
}

// UpdateConfig atomically replaces the configuration. Provider changes apply
// to controllers created afterwards.
func (e *Engine) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(e.logger); err != nil {
		e.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}
	e.configMu.Lock()
	e.config = newConfig
	e.configMu.Unlock()

	e.logger.Info("Engine configuration updated",
		stdslog.Group("new_config",
			stdslog.String("log_level", newConfig.LogLevel),
			stdslog.String("dispatch_mode", newConfig.DispatchMode),
			stdslog.Int("item_limit", newConfig.ItemLimit),
			stdslog.Int("max_preferred_count", newConfig.MaxPreferredCount),
			stdslog.Int("first_refresh_ms", newConfig.FirstRefreshMs),
			stdslog.Int("refresh_interval_ms", newConfig.RefreshIntervalMs),
			stdslog.Bool("auto_insert", newConfig.AutoInsert),
			stdslog.Any("providers", newConfig.Providers),
		),
	)
	return nil
}

// GetCurrentConfig returns a thread-safe copy of the current configuration.
func (e *Engine) GetCurrentConfig() Config {
	e.configMu.RLock()
	defer e.configMu.RUnlock()
	cfgCopy := e.config
	if cfgCopy.Providers != nil {
		cfgCopy.Providers = append([]string(nil), cfgCopy.Providers...)
	}
	return cfgCopy
}

// MemoryCache returns the provider result cache.
func (e *Engine) MemoryCache() *MemoryCache { return e.memoryCache }

// StatsEntries returns the number of recorded selections, or zero without a store.
func (e *Engine) StatsEntries() int {
	if e.stats == nil {
		return 0
	}
	return e.stats.Len()
}

// InvalidateMemoryCache drops every cached provider result.
func (e *Engine) InvalidateMemoryCache() {
	e.logger.Debug("Invalidating provider memory cache")
	e.memoryCache.Clear()
}

// SetDocument registers or updates an open document.
func (e *Engine) SetDocument(id, text string) {
	e.docsMu.Lock()
	e.docs[id] = text
	e.docsMu.Unlock()
}

// RemoveDocument forgets a closed document.
func (e *Engine) RemoveDocument(id string) {
	e.docsMu.Lock()
	delete(e.docs, id)
	e.docsMu.Unlock()
}

// Documents returns a snapshot of the open documents.
func (e *Engine) Documents() map[string]string {
	e.docsMu.RLock()
	defer e.docsMu.RUnlock()
	return maps.Clone(e.docs)
}

// OpenDocuments returns the number of registered documents.
func (e *Engine) OpenDocuments() int {
	e.docsMu.RLock()
	defer e.docsMu.RUnlock()
	return len(e.docs)
}

// Providers builds the providers named by the current configuration, in order.
func (e *Engine) Providers() []Provider {
	cfg := e.GetCurrentConfig()
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		switch name {
		case ProviderScope:
			providers = append(providers, NewScopeProvider(e.memoryCache, cfg.MemoryCacheTTL, e.logger))
		case ProviderKeywords:
			providers = append(providers, KeywordProvider{})
		case ProviderWords:
			providers = append(providers, WordProvider{Documents: e.Documents})
		default:
			e.logger.Warn("Unknown provider in configuration, skipping", "provider", name)
		}
	}
	return providers
}

// NewController creates a controller bound to this engine. Unset fields of
// opts are filled from the engine; view replaces opts.View when non-nil.
func (e *Engine) NewController(view View, opts ControllerOptions) *Controller {
	if view != nil {
		opts.View = view
	}
	if opts.Config == nil {
		opts.Config = e.GetCurrentConfig
	}
	if opts.Providers == nil {
		opts.Providers = e.Providers()
	}
	if opts.Logger == nil {
		opts.Logger = e.logger
	}
	if e.stats != nil {
		if opts.Stats == nil {
			opts.Stats = e.stats
		}
		if opts.Recorder == nil {
			opts.Recorder = e.stats
		}
	}
	return NewController(opts)
}
