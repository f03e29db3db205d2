package storage

import "errors"

// Error taxonomy shared by all backends and the domain layers above them.
// Backends wrap these sentinels with operation context via fmt.Errorf and
// %w, so callers should test with errors.Is.
var (
	// ErrNotInitialized is returned when an operation is attempted before
	// the provider's Initialize has completed successfully.
	ErrNotInitialized = errors.New("storage: provider not initialized")

	// ErrBackendUnavailable is returned when the native backend is missing
	// or unreachable and no fallback provider is configured.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")

	// ErrQuotaExceeded is returned when the projected size of a write would
	// exceed the backend's configured limit. The check happens before the
	// write is applied, so the store is left unchanged.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrNotFound is returned on reads, updates or deletes of an absent
	// key or record id.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidTransition is returned by the repository layer when a
	// status-machine guard rejects a transition.
	ErrInvalidTransition = errors.New("storage: invalid status transition")

	// ErrValidationFailed is returned for malformed values or domain
	// objects on create/update.
	ErrValidationFailed = errors.New("storage: validation failed")

	// ErrImportParse is returned when a snapshot cannot be decoded.
	ErrImportParse = errors.New("storage: import parse error")
)
