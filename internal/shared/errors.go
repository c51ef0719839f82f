package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrValidation indicates rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrProtected is matched by every ProtectedResourceError.
	ErrProtected = errors.New("protected resource")
	// ErrConfiguration is matched by every ConfigurationError.
	ErrConfiguration = errors.New("configuration error")
)

// ConfigurationError reports a missing or unusable setting. Operations that
// hit it fail closed; the process keeps running.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Setting == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Setting, e.Reason)
}

// Is lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ProtectedResourceError rejects a mutation of a system-protected role or of
// a permission that is still referenced.
type ProtectedResourceError struct {
	Kind   string
	Name   string
	Reason string
}

func (e *ProtectedResourceError) Error() string {
	return fmt.Sprintf("%s %q is protected: %s", e.Kind, e.Name, e.Reason)
}

// Is lets errors.Is match ErrProtected.
func (e *ProtectedResourceError) Is(target error) bool {
	return target == ErrProtected
}
