// lookahead/lookahead_utils.go
// Utility helpers: config files, log levels, URIs, LSP position conversion, retry and terminal output.
package lookahead

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

// ============================================================================
// Terminal Colors
// ============================================================================

var (
	ColorGreen  = color.New(color.FgGreen, color.Bold)
	ColorYellow = color.New(color.FgYellow)
	ColorBlue   = color.New(color.FgBlue)
	ColorRed    = color.New(color.FgRed, color.Bold)
	ColorCyan   = color.New(color.FgCyan)
	ColorFaint  = color.New(color.Faint)
)

// PrettyPrint prints colored text to stderr.
func PrettyPrint(c *color.Color, text string) {
	if c == nil {
		fmt.Fprint(os.Stderr, text)
		return
	}
	c.Fprint(os.Stderr, text)
}

// ============================================================================
// Log Levels
// ============================================================================

// ParseLogLevel converts a level name to a slog level.
func ParseLogLevel(levelStr string) (stdslog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return stdslog.LevelDebug, nil
	case "info":
		return stdslog.LevelInfo, nil
	case "warn", "warning":
		return stdslog.LevelWarn, nil
	case "error", "err":
		return stdslog.LevelError, nil
	default:
		return stdslog.LevelInfo, fmt.Errorf("%w: invalid log level %q", ErrInvalidConfig, levelStr)
	}
}

// ============================================================================
// Configuration Files
// ============================================================================

// GetConfigPaths returns the primary (XDG or OS config dir) and secondary (~/.config) config file paths.
func GetConfigPaths(logger *stdslog.Logger) (primary, secondary string, err error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	var errs []error
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		primary = filepath.Join(xdg, configDirName, defaultConfigFileName)
	} else if dir, dirErr := os.UserConfigDir(); dirErr == nil {
		primary = filepath.Join(dir, configDirName, defaultConfigFileName)
	} else {
		errs = append(errs, fmt.Errorf("user config dir: %w", dirErr))
	}
	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		secondary = filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	} else {
		errs = append(errs, fmt.Errorf("user home dir: %w", homeErr))
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: cannot determine config location: %w", ErrConfig, errors.Join(errs...))
	}
	logger.Debug("Resolved config paths", "primary", primary, "secondary", secondary)
	return primary, secondary, nil
}

// readFileConfig parses the JSON config file at path. It returns nil without
// error when the file does not exist; an empty file sets nothing.
func readFileConfig(path string, logger *stdslog.Logger) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading config file %s: %w", ErrConfig, path, err)
	}
	var fc FileConfig
	if len(bytes.TrimSpace(data)) == 0 {
		logger.Warn("Config file exists but is empty, ignoring.", "path", path)
		return &fc, nil
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: parsing config file JSON %s: %w", ErrConfig, path, err)
	}
	return &fc, nil
}

// mergeFileConfig overlays the fields set in fc onto cfg.
func mergeFileConfig(cfg *Config, fc *FileConfig) {
	if fc == nil {
		return
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.DispatchMode, fc.DispatchMode)
	setInt(&cfg.ItemLimit, fc.ItemLimit)
	setInt(&cfg.MaxPreferredCount, fc.MaxPreferredCount)
	setInt(&cfg.FirstRefreshMs, fc.FirstRefreshMs)
	setInt(&cfg.RefreshIntervalMs, fc.RefreshIntervalMs)
	setInt(&cfg.InsertSingleItemMs, fc.InsertSingleItemMs)
	setInt(&cfg.AutoInsertTimeoutMs, fc.AutoInsertTimeoutMs)
	setInt(&cfg.SyncMinTimeoutMs, fc.SyncMinTimeoutMs)
	setInt(&cfg.QueueSize, fc.QueueSize)
	setInt(&cfg.MaxConcurrentProviders, fc.MaxConcurrentProviders)
	setInt(&cfg.RepeatWindowMs, fc.RepeatWindowMs)
	setBool(&cfg.SortAlphabetically, fc.SortAlphabetically)
	setBool(&cfg.AutoInsert, fc.AutoInsert)
	setInt(&cfg.MemoryCacheTTLSeconds, fc.MemoryCacheTTLSeconds)
	setBool(&cfg.StatsEnabled, fc.StatsEnabled)
	setString(&cfg.StatsPath, fc.StatsPath)
	if fc.Providers != nil {
		cfg.Providers = append([]string(nil), (*fc.Providers)...)
	}
	cfg.MemoryCacheTTL = time.Duration(cfg.MemoryCacheTTLSeconds) * time.Second
}

// WriteDefaultConfig writes cfg as indented JSON to path, creating parent directories.
func WriteDefaultConfig(path string, cfg Config, logger *stdslog.Logger) error {
	if logger == nil {
		logger = stdslog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("%w: creating config dir: %w", ErrConfig, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal default config: %w", ErrConfig, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("%w: writing default config: %w", ErrConfig, err)
	}
	logger.Info("Wrote default configuration", "path", path)
	return nil
}

// envPrefix prefixes every environment override.
const envPrefix = "LOOKAHEAD_"

// envFileConfig loads an optional .env file and collects the LOOKAHEAD_*
// variables as a FileConfig, so they merge like a config file. Malformed
// values are reported and left unset.
func envFileConfig(envFile string, logger *stdslog.Logger) (*FileConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to load env file", "path", envFile, "error", err)
		}
	}
	var errs []error
	str := func(key string) *string {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			return &v
		}
		return nil
	}
	num := func(key string) *int {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return nil
		}
		return &n
	}
	flag := func(key string) *bool {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return nil
		}
		return &b
	}
	fc := &FileConfig{
		LogLevel:               str("LOG_LEVEL"),
		DispatchMode:           str("DISPATCH_MODE"),
		ItemLimit:              num("ITEM_LIMIT"),
		MaxPreferredCount:      num("MAX_PREFERRED_COUNT"),
		FirstRefreshMs:         num("FIRST_REFRESH_MS"),
		RefreshIntervalMs:      num("REFRESH_INTERVAL_MS"),
		InsertSingleItemMs:     num("INSERT_SINGLE_ITEM_MS"),
		AutoInsertTimeoutMs:    num("AUTO_INSERT_TIMEOUT_MS"),
		SyncMinTimeoutMs:       num("SYNC_MIN_TIMEOUT_MS"),
		QueueSize:              num("QUEUE_SIZE"),
		MaxConcurrentProviders: num("MAX_CONCURRENT_PROVIDERS"),
		RepeatWindowMs:         num("REPEAT_WINDOW_MS"),
		SortAlphabetically:     flag("SORT_ALPHABETICALLY"),
		AutoInsert:             flag("AUTO_INSERT"),
		MemoryCacheTTLSeconds:  num("MEMORY_CACHE_TTL_SECONDS"),
		StatsEnabled:           flag("STATS_ENABLED"),
		StatsPath:              str("STATS_PATH"),
	}
	if v, ok := os.LookupEnv(envPrefix + "PROVIDERS"); ok {
		var providers []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				providers = append(providers, p)
			}
		}
		fc.Providers = &providers
	}
	if len(errs) > 0 {
		return fc, fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return fc, nil
}

// ============================================================================
// URI Helpers
// ============================================================================

// ValidateAndGetFilePath converts a file:// URI (or a plain path) to a clean absolute path.
func ValidateAndGetFilePath(uri string, logger *stdslog.Logger) (string, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	if uri == "" {
		return "", fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}
	path := uri
	if strings.Contains(uri, "://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
		}
		if parsed.Scheme != "file" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, parsed.Scheme)
		}
		path = parsed.Path
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	logger.Debug("Resolved document path", "uri", uri, "path", abs)
	return abs, nil
}

// ============================================================================
// LSP Position Conversion Helpers
// ============================================================================

// LSPPosition is a 0-based line/character offset (UTF-16).
type LSPPosition struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// LspPositionToBytePosition converts 0-based LSP line/character (UTF-16) to
// 1-based Go line/column (bytes) and 0-based byte offset.
func LspPositionToBytePosition(content []byte, lspPos LSPPosition) (line, col, byteOffset int, err error) {
	if content == nil {
		return 0, 0, -1, fmt.Errorf("%w: file content is nil", ErrPositionConversion)
	}
	targetLine := int(lspPos.Line)
	targetUTF16Char := int(lspPos.Character)

	currentLine := 0
	currentByteOffset := 0
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), len(content)+1)
	for scanner.Scan() {
		lineTextBytes := scanner.Bytes()
		lineLengthBytes := len(lineTextBytes)
		if currentLine == targetLine {
			byteOffsetInLine, convErr := Utf16OffsetToBytes(lineTextBytes, targetUTF16Char)
			if convErr != nil {
				if !errors.Is(convErr, ErrPositionOutOfRange) {
					return 0, 0, -1, fmt.Errorf("failed converting UTF16 to byte offset on line %d: %w", currentLine, convErr)
				}
				stdslog.Warn("UTF16 offset out of range, clamping to line end", "line", targetLine, "char", targetUTF16Char, "error", convErr)
				byteOffsetInLine = lineLengthBytes
			}
			return currentLine + 1, byteOffsetInLine + 1, currentByteOffset + byteOffsetInLine, nil
		}
		currentByteOffset += lineLengthBytes + 1
		currentLine++
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, -1, fmt.Errorf("%w: error scanning file content: %w", ErrPositionConversion, err)
	}

	// Cursor on the line after the last line of content.
	if currentLine == targetLine {
		if targetUTF16Char == 0 {
			if currentByteOffset > len(content) {
				currentByteOffset = len(content)
			}
			return currentLine + 1, 1, currentByteOffset, nil
		}
		return 0, 0, -1, fmt.Errorf("%w: invalid character offset %d on line %d (after last line with content)", ErrPositionOutOfRange, targetUTF16Char, targetLine)
	}
	return 0, 0, -1, fmt.Errorf("%w: LSP line %d not found in file (total lines scanned %d)", ErrPositionOutOfRange, targetLine, currentLine)
}

// Utf16OffsetToBytes converts a 0-based UTF-16 offset within a line to a 0-based byte offset.
func Utf16OffsetToBytes(line []byte, utf16Offset int) (int, error) {
	if utf16Offset < 0 {
		return 0, fmt.Errorf("%w: invalid utf16Offset: %d (must be >= 0)", ErrInvalidPositionInput, utf16Offset)
	}
	byteOffset := 0
	currentUTF16Offset := 0
	for byteOffset < len(line) && currentUTF16Offset < utf16Offset {
		r, size := utf8.DecodeRune(line[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return byteOffset, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, byteOffset)
		}
		units := 1
		if r > 0xFFFF {
			units = 2
		}
		if currentUTF16Offset+units > utf16Offset {
			break
		}
		currentUTF16Offset += units
		byteOffset += size
	}
	if currentUTF16Offset < utf16Offset && byteOffset >= len(line) {
		return len(line), fmt.Errorf("%w: utf16Offset %d is beyond the line length in UTF-16 units (%d)", ErrPositionOutOfRange, utf16Offset, currentUTF16Offset)
	}
	return byteOffset, nil
}

// OffsetForLineCol converts a 1-based line and byte column to a 0-based byte offset.
func OffsetForLineCol(text string, line, col int) (int, error) {
	if line <= 0 || col <= 0 {
		return 0, fmt.Errorf("%w: line %d, column %d (must be positive)", ErrInvalidPositionInput, line, col)
	}
	lineStart := 0
	for l := 1; l < line; l++ {
		nl := strings.IndexByte(text[lineStart:], '\n')
		if nl < 0 {
			return 0, fmt.Errorf("%w: line %d beyond end of text", ErrPositionOutOfRange, line)
		}
		lineStart += nl + 1
	}
	lineEnd := len(text)
	if nl := strings.IndexByte(text[lineStart:], '\n'); nl >= 0 {
		lineEnd = lineStart + nl
	}
	offset := lineStart + col - 1
	if offset > lineEnd {
		return 0, fmt.Errorf("%w: column %d beyond end of line %d", ErrPositionOutOfRange, col, line)
	}
	return offset, nil
}

// BytePositionToLSPPosition converts a 0-based byte offset to a 0-based LSP position.
func BytePositionToLSPPosition(content []byte, byteOffset int) (LSPPosition, error) {
	if byteOffset < 0 || byteOffset > len(content) {
		return LSPPosition{}, fmt.Errorf("%w: byte offset %d outside [0,%d]", ErrPositionOutOfRange, byteOffset, len(content))
	}
	var line, char uint32
	for i := 0; i < byteOffset; {
		r, size := utf8.DecodeRune(content[i:])
		if r == utf8.RuneError && size <= 1 {
			return LSPPosition{}, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, i)
		}
		switch {
		case r == '\n':
			line++
			char = 0
		case r > 0xFFFF:
			char += 2
		default:
			char++
		}
		i += size
	}
	return LSPPosition{Line: line, Character: char}, nil
}

// ============================================================================
// Retry Helper
// ============================================================================

// errRetryable marks errors worth another attempt.
var errRetryable = errors.New("retryable")

// retry runs operation up to maxRetries times while it fails with an error
// wrapping errRetryable, waiting initialDelay between attempts.
func retry(ctx context.Context, operation func() error, maxRetries int, initialDelay time.Duration, logger *stdslog.Logger) error {
	if logger == nil {
		logger = stdslog.Default()
	}
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		attemptLogger := logger.With("attempt", i+1, "max_attempts", maxRetries)
		if err := ctx.Err(); err != nil {
			attemptLogger.Warn("Context cancelled before attempt", "error", err)
			return err
		}
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			attemptLogger.Warn("Attempt failed due to context error. Not retrying.", "error", lastErr)
			return lastErr
		}
		if !errors.Is(lastErr, errRetryable) {
			attemptLogger.Warn("Attempt failed with non-retryable error.", "error", lastErr)
			return lastErr
		}
		if i == maxRetries-1 {
			break
		}
		attemptLogger.Warn("Attempt failed with retryable error. Retrying...", "error", lastErr, "delay", initialDelay)
		select {
		case <-ctx.Done():
			attemptLogger.Warn("Context cancelled during retry wait", "error", ctx.Err())
			return ctx.Err()
		case <-time.After(initialDelay):
		}
	}
	logger.Error("Operation failed after all retries.", "retries", maxRetries, "final_error", lastErr)
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

// ============================================================================
// Spinner
// ============================================================================

// Spinner provides simple terminal spinner feedback on stderr.
type Spinner struct {
	chars    []string
	message  string
	index    int
	mu       sync.Mutex
	stopChan chan struct{}
	doneChan chan struct{}
	running  bool
}

func NewSpinner() *Spinner {
	return &Spinner{chars: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}}
}

// Start begins the animation in a separate goroutine.
func (s *Spinner) Start(initialMessage string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.message = initialMessage
	s.running = true
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				char := s.chars[s.index]
				msg := s.message
				s.index = (s.index + 1) % len(s.chars)
				s.mu.Unlock()
				fmt.Fprintf(os.Stderr, "\r\033[K%s %s", ColorCyan.Sprint(char), msg)
			}
		}
	}()
}

// UpdateMessage changes the text displayed next to the spinner.
func (s *Spinner) UpdateMessage(newMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.message = newMessage
	}
}

// Stop halts the animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.doneChan
	s.mu.Unlock()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		stdslog.Warn("Timeout waiting for spinner goroutine cleanup")
	}
	fmt.Fprintf(os.Stderr, "\r\033[K")
}
