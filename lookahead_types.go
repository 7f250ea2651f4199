// lookahead/lookahead_types.go
// Contains configuration and shared type definitions used throughout the lookahead package.
package lookahead

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	DispatchSync  = "sync"  // Producers run inline on the coordinating goroutine.
	DispatchAsync = "async" // Producers run on worker goroutines.

	ProviderScope    = "scope"    // Type-checked Go scope identifiers.
	ProviderKeywords = "keywords" // Go keywords and predeclared identifiers.
	ProviderWords    = "words"    // Identifier-like words found in the buffer.

	defaultLogLevel               = "info"
	defaultItemLimit              = 1000 // Hard retention budget per session.
	defaultMaxPreferredCount      = 5
	defaultFirstRefreshMs         = 100 // Merge span until the first refresh.
	defaultRefreshIntervalMs      = 300 // Merge span after the first refresh.
	defaultInsertSingleItemMs     = 300 // Freeze release delay after the first item.
	defaultAutoInsertTimeoutMs    = 2000
	defaultSyncMinTimeoutMs       = 300
	defaultQueueSize              = 64
	defaultMaxConcurrentProviders = 4
	defaultRepeatWindowMs         = 2000
	defaultMemoryCacheTTLSecs     = 300
	defaultConfigFileName         = "config.json"
	configDirName                 = "lookahead"
	statsFileName                 = "stats.db"

	// Retry constants
	maxRetries = 3
	retryDelay = 200 * time.Millisecond
)

func knownProvider(name string) bool {
	switch name {
	case ProviderScope, ProviderKeywords, ProviderWords:
		return true
	}
	return false
}

// Config holds the active configuration for the completion engine.
type Config struct {
	LogLevel               string        `json:"log_level"`
	DispatchMode           string        `json:"dispatch_mode" validate:"omitempty,oneof=sync async"`
	ItemLimit              int           `json:"item_limit" validate:"gte=0"`
	MaxPreferredCount      int           `json:"max_preferred_count" validate:"gte=0"`
	FirstRefreshMs         int           `json:"first_refresh_ms" validate:"gte=0"`
	RefreshIntervalMs      int           `json:"refresh_interval_ms" validate:"gte=0"`
	InsertSingleItemMs     int           `json:"insert_single_item_ms" validate:"gte=0"`
	AutoInsertTimeoutMs    int           `json:"auto_insert_timeout_ms" validate:"gte=0"`
	SyncMinTimeoutMs       int           `json:"sync_min_timeout_ms" validate:"gte=0"`
	QueueSize              int           `json:"queue_size" validate:"gte=0"`
	MaxConcurrentProviders int           `json:"max_concurrent_providers" validate:"gte=0"`
	RepeatWindowMs         int           `json:"repeat_window_ms" validate:"gte=0"`
	SortAlphabetically     bool          `json:"sort_alphabetically"`
	AutoInsert             bool          `json:"auto_insert"`
	MemoryCacheTTLSeconds  int           `json:"memory_cache_ttl_seconds" validate:"gte=0"`
	StatsEnabled           bool          `json:"stats_enabled"`
	StatsPath              string        `json:"stats_path"` // Empty selects the user cache dir.
	Providers              []string      `json:"providers"`
	MemoryCacheTTL         time.Duration `json:"-"` // Derived duration, not from file.
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	LogLevel               *string   `json:"log_level"`
	DispatchMode           *string   `json:"dispatch_mode"`
	ItemLimit              *int      `json:"item_limit"`
	MaxPreferredCount      *int      `json:"max_preferred_count"`
	FirstRefreshMs         *int      `json:"first_refresh_ms"`
	RefreshIntervalMs      *int      `json:"refresh_interval_ms"`
	InsertSingleItemMs     *int      `json:"insert_single_item_ms"`
	AutoInsertTimeoutMs    *int      `json:"auto_insert_timeout_ms"`
	SyncMinTimeoutMs       *int      `json:"sync_min_timeout_ms"`
	QueueSize              *int      `json:"queue_size"`
	MaxConcurrentProviders *int      `json:"max_concurrent_providers"`
	RepeatWindowMs         *int      `json:"repeat_window_ms"`
	SortAlphabetically     *bool     `json:"sort_alphabetically"`
	AutoInsert             *bool     `json:"auto_insert"`
	MemoryCacheTTLSeconds  *int      `json:"memory_cache_ttl_seconds"`
	StatsEnabled           *bool     `json:"stats_enabled"`
	StatsPath              *string   `json:"stats_path"`
	Providers              *[]string `json:"providers"`
}

// DefaultConfig returns a new instance of the default configuration.
func DefaultConfig() Config {
	return Config{
		LogLevel:               defaultLogLevel,
		DispatchMode:           DispatchAsync,
		ItemLimit:              defaultItemLimit,
		MaxPreferredCount:      defaultMaxPreferredCount,
		FirstRefreshMs:         defaultFirstRefreshMs,
		RefreshIntervalMs:      defaultRefreshIntervalMs,
		InsertSingleItemMs:     defaultInsertSingleItemMs,
		AutoInsertTimeoutMs:    defaultAutoInsertTimeoutMs,
		SyncMinTimeoutMs:       defaultSyncMinTimeoutMs,
		QueueSize:              defaultQueueSize,
		MaxConcurrentProviders: defaultMaxConcurrentProviders,
		RepeatWindowMs:         defaultRepeatWindowMs,
		SortAlphabetically:     false,
		AutoInsert:             true,
		MemoryCacheTTLSeconds:  defaultMemoryCacheTTLSecs,
		MemoryCacheTTL:         time.Duration(defaultMemoryCacheTTLSecs) * time.Second,
		StatsEnabled:           true,
		Providers:              []string{ProviderScope, ProviderKeywords, ProviderWords},
	}
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON key names so messages match the config file.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	def := DefaultConfig()

	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		for _, fe := range fieldErrs {
			validationErrors = append(validationErrors, fmt.Errorf("%s: value %v fails '%s' constraint", fe.Namespace(), fe.Value(), fe.Tag()))
		}
	}

	positive := func(name string, v *int, fallback int) {
		if *v <= 0 {
			logger.Warn("Config validation: value is not positive, applying default.", "key", name, "configured_value", *v, "default", fallback)
			*v = fallback
		}
	}
	positive("item_limit", &c.ItemLimit, def.ItemLimit)
	positive("max_preferred_count", &c.MaxPreferredCount, def.MaxPreferredCount)
	positive("first_refresh_ms", &c.FirstRefreshMs, def.FirstRefreshMs)
	positive("refresh_interval_ms", &c.RefreshIntervalMs, def.RefreshIntervalMs)
	positive("insert_single_item_ms", &c.InsertSingleItemMs, def.InsertSingleItemMs)
	positive("auto_insert_timeout_ms", &c.AutoInsertTimeoutMs, def.AutoInsertTimeoutMs)
	positive("sync_min_timeout_ms", &c.SyncMinTimeoutMs, def.SyncMinTimeoutMs)
	positive("queue_size", &c.QueueSize, def.QueueSize)
	positive("max_concurrent_providers", &c.MaxConcurrentProviders, def.MaxConcurrentProviders)
	positive("repeat_window_ms", &c.RepeatWindowMs, def.RepeatWindowMs)
	positive("memory_cache_ttl_seconds", &c.MemoryCacheTTLSeconds, def.MemoryCacheTTLSeconds)
	c.MemoryCacheTTL = time.Duration(c.MemoryCacheTTLSeconds) * time.Second

	if c.ItemLimit < 2*c.MaxPreferredCount {
		validationErrors = append(validationErrors, fmt.Errorf("item_limit %d must be at least twice max_preferred_count %d", c.ItemLimit, c.MaxPreferredCount))
		c.ItemLimit = def.ItemLimit
		c.MaxPreferredCount = def.MaxPreferredCount
	}

	switch c.DispatchMode {
	case DispatchSync, DispatchAsync:
	case "":
		logger.Warn("Config validation: dispatch_mode is empty, applying default.", "default", def.DispatchMode)
		c.DispatchMode = def.DispatchMode
	default:
		c.DispatchMode = def.DispatchMode
	}

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
		c.LogLevel = defaultLogLevel
	}

	if c.Providers == nil {
		logger.Warn("Config validation: providers list is nil, applying default.", "default", def.Providers)
		c.Providers = append([]string(nil), def.Providers...)
	}
	for _, name := range c.Providers {
		if !knownProvider(name) {
			logger.Warn("Config validation: unknown provider will be skipped.", "provider", name)
		}
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

func (c Config) firstRefresh() time.Duration {
	return time.Duration(c.FirstRefreshMs) * time.Millisecond
}

func (c Config) refreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

func (c Config) insertSingleItemSpan() time.Duration {
	return time.Duration(c.InsertSingleItemMs) * time.Millisecond
}

func (c Config) repeatWindow() time.Duration {
	return time.Duration(c.RepeatWindowMs) * time.Millisecond
}

// syncTimeout is the bounded wait granted to a synchronous attempt started at start.
func (c Config) syncTimeout(start time.Time) time.Duration {
	remaining := time.Duration(c.AutoInsertTimeoutMs)*time.Millisecond - time.Since(start)
	floor := time.Duration(c.SyncMinTimeoutMs) * time.Millisecond
	if remaining < floor {
		return floor
	}
	return remaining
}

// =============================================================================
// Completion Types
// =============================================================================

// CompletionKind tags the flavour of completion requested.
type CompletionKind int

const (
	KindBasic CompletionKind = iota
	KindSmart
)

func (k CompletionKind) String() string {
	switch k {
	case KindBasic:
		return "basic"
	case KindSmart:
		return "smart"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ItemKind describes what a candidate denotes; it maps onto LSP completion item kinds.
type ItemKind int

const (
	ItemText ItemKind = iota
	ItemKeyword
	ItemVariable
	ItemConstant
	ItemFunction
	ItemMethod
	ItemField
	ItemType
	ItemPackage
)

// InsertPolicy controls whether a lone candidate may be inserted without showing the list.
type InsertPolicy int

const (
	PolicyDefault InsertPolicy = iota // Insert when it is the only start match.
	PolicyNeverInsert
	PolicyAlwaysInsert
)

// Invocation describes one user (or auto-popup) request for completion.
type Invocation struct {
	Surface  EditingSurface
	Kind     CompletionKind
	Explicit bool // User asked; explicit invocations run the synchronous fast path.
	Time     int  // Requested invocation count; zero means 1 for explicit, 0 for auto-popup.
}

// Outcome reports the state of the session after an Invoke or Resume call.
type Outcome struct {
	SessionID       string
	Phase           PhaseTag
	InvocationCount int
	List            RankedList
	Inserted        *Candidate // Set when a lone candidate was inserted automatically.
	Incomplete      bool       // Producers are still running in the background.
	Hint            string     // Informational message, e.g. "No suggestions".
}
