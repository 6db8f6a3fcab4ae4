package common

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a keyed record is absent or expired.
	ErrNotFound = errors.New("not found")

	// ErrInvalidParameter marks client supplied data that cannot be served.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAlreadyExists is returned by create-only operations.
	ErrAlreadyExists = errors.New("already exists")

	// ErrOptimisticLock means the state counter moved underneath the caller.
	// The caller re-reads and retries the whole operation.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrLockUnavailable means a resource lock is held by another holder.
	ErrLockUnavailable = errors.New("resource lock unavailable")

	// ErrInvalidToken is returned by push backends for malformed tokens.
	ErrInvalidToken = errors.New("invalid push token")
)

// ConfigError is a fatal startup misconfiguration. It is never caught;
// entrypoints exit on it.
type ConfigError struct {
	Component string
	Message   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Component, e.Message)
}

// NotFoundf wraps ErrNotFound with a description of the missing record.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// InvalidParameterf wraps ErrInvalidParameter with a description.
func InvalidParameterf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidParameter)
}
