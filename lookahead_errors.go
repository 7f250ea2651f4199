// lookahead/lookahead_errors.go
// Contains exported error definitions for the lookahead package.
package lookahead

import (
	"context"
	"errors"
)

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrSessionCancelled indicates the session was cancelled. It is a control
	// signal, callers should unwind without logging it as a failure.
	ErrSessionCancelled = errors.New("completion session cancelled")

	// ErrSessionDisposed indicates an operation targeted a session that has
	// already been disposed.
	ErrSessionDisposed = errors.New("completion session disposed")

	// ErrPhaseMismatch indicates an operation expected a different current phase.
	// The controller logs it and forces the phase back to Idle.
	ErrPhaseMismatch = errors.New("completion phase mismatch")

	// ErrProviderFailed indicates a single provider failed. Sibling providers
	// and the session are unaffected.
	ErrProviderFailed = errors.New("candidate provider failed")

	// ErrPreconditionFailed indicates the read precondition for accepting a
	// candidate was not met. The whole session is cancelled.
	ErrPreconditionFailed = errors.New("read precondition not satisfied")

	// ErrSurfaceInvalid indicates the editing surface was invalidated mid-session.
	ErrSurfaceInvalid = errors.New("editing surface invalid")

	// ErrReadOnly indicates completion was invoked inside a read-only or guarded region.
	ErrReadOnly = errors.New("editing surface is read-only at caret")

	// ErrControllerClosed indicates the controller loop is no longer running.
	ErrControllerClosed = errors.New("completion controller closed")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCache indicates a general cache operation failure.
	ErrCache = errors.New("cache operation failed")

	// ErrStatsRead indicates failure reading selection statistics.
	ErrStatsRead = errors.New("statistics read failed")

	// ErrStatsWrite indicates failure writing selection statistics.
	ErrStatsWrite = errors.New("statistics write failed")

	// ErrAnalysisFailed indicates the scope provider could not analyse the file.
	ErrAnalysisFailed = errors.New("code analysis failed")

	// ErrPositionConversion indicates failure converting between position formats (e.g., LSP <-> byte offset).
	ErrPositionConversion = errors.New("position conversion failed")

	// ErrInvalidPositionInput indicates input position values (line/col) are invalid.
	ErrInvalidPositionInput = errors.New("invalid input position")

	// ErrPositionOutOfRange indicates a position is outside the valid bounds of the file or line.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrInvalidUTF8 indicates an invalid UTF-8 sequence was encountered during processing.
	ErrInvalidUTF8 = errors.New("invalid utf-8 sequence")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported scheme.
	ErrInvalidURI = errors.New("invalid document URI")
)

// isCancellation reports whether err only signals that work was cancelled.
func isCancellation(err error) bool {
	return errors.Is(err, ErrSessionCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
