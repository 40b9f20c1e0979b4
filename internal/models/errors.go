package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every component. Wrapped errors are matched
// with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("version conflict")
	ErrTransientTransport = errors.New("transient transport failure")
	ErrConfiguration      = errors.New("invalid configuration")
	ErrMaxDepthExceeded   = errors.New("max depth exceeded")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrSuperseded         = errors.New("superseded by manual action")
	ErrNotConnected       = errors.New("session not connected")
	ErrAlreadyDeleted     = errors.New("comment deleted")
)

// ValidationError describes a rejected input field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// MaxDepthError is returned when a reply would nest deeper than allowed.
// SuggestedParentID is the deepest ancestor a reply may still attach to.
type MaxDepthError struct {
	MaxDepth          int
	SuggestedParentID string
}

func (e *MaxDepthError) Error() string {
	return fmt.Sprintf("reply exceeds max depth %d, reply to %s instead", e.MaxDepth, e.SuggestedParentID)
}

func (e *MaxDepthError) Is(target error) bool {
	return target == ErrMaxDepthExceeded || target == ErrValidation
}

// ConflictError is returned when an optimistic update lost twice
type ConflictError struct {
	CommentID string
	Expected  int64
	Actual    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("comment %s: expected version %d, found %d", e.CommentID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in " + e.Field + ": " + e.Message
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}
