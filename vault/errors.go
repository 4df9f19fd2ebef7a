// ABOUTME: Typed errors for key-vault operations.
// ABOUTME: Enables programmatic error handling with errors.Is() and errors.As().
package vault

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrValidation          = errors.New("validation failed")
	ErrEntropy             = errors.New("entropy check failed")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrInvalidPassphrase   = errors.New("invalid passphrase")
	ErrQuotaExceeded       = errors.New("device quota exceeded")
	ErrNotFound            = errors.New("not found")
	ErrCorrupt             = errors.New("stored data corrupt")
	ErrOperationTimeout    = errors.New("operation timed out")
	ErrConcurrentOperation = errors.New("concurrent operation in progress")
	ErrNetworkFailure      = errors.New("network failure")
	ErrServerError         = errors.New("server error")
	ErrUnauthorized        = errors.New("unauthorized")
)

// ValidationError carries the offending field for malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// UnwrapError reports a failed master-key unwrap. At this stage a bad
// auth tag means the passphrase-derived key is wrong, not that the
// record is damaged.
type UnwrapError struct {
	AccountID string
	Layer     string // "passphrase" or "server"
	Cause     error
}

func (e *UnwrapError) Error() string {
	return fmt.Sprintf("unwrap %s layer for account %s: %v", e.Layer, e.AccountID, e.Cause)
}

func (e *UnwrapError) Unwrap() error { return e.Cause }

func (e *UnwrapError) Is(target error) bool {
	return target == ErrDecryptionFailed || target == ErrInvalidPassphrase
}

// CorruptSourceError reports a credential decrypt failure with a key
// that already unwrapped the master-key record. That combination
// indicates damage to the specific source record, never a passphrase
// problem, so it is surfaced distinctly from UnwrapError.
type CorruptSourceError struct {
	SourceID string
	Cause    error
}

func (e *CorruptSourceError) Error() string {
	return fmt.Sprintf("source %s: stored credentials corrupt: %v", e.SourceID, e.Cause)
}

func (e *CorruptSourceError) Unwrap() error { return e.Cause }

func (e *CorruptSourceError) Is(target error) bool {
	return target == ErrCorrupt
}

// ResolveError wraps errors with resolver state context.
type ResolveError struct {
	State    string // resolver state where the failure occurred
	Attempts int    // attempts made, including the post-purge retry
	Err      error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve failed in %s after %d attempts: %v", e.State, e.Attempts, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// UserMessage maps any internal error onto the small fixed set of
// user-facing categories. Cryptographic detail never crosses this
// boundary; callers log the original error internally.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidPassphrase), errors.Is(err, ErrUnauthorized):
		return "auth"
	case errors.Is(err, ErrOperationTimeout), errors.Is(err, ErrConcurrentOperation):
		return "timeout"
	case errors.Is(err, ErrNetworkFailure):
		return "network"
	case errors.Is(err, ErrServerError), errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt), errors.Is(err, ErrEntropy):
		return "server"
	default:
		return "unknown"
	}
}
