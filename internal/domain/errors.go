package domain

import (
	"fmt"
	"strings"
)

// ValidationError carries every missing or invalid field found by a gate.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Messages, "; ")
}

// NewValidationError returns nil when there are no messages.
func NewValidationError(messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	return &ValidationError{Messages: messages}
}

type AuthorizationError struct {
	Role   Role
	Stage  Stage
	Reason string
}

func (e *AuthorizationError) Error() string {
	switch {
	case e.Role != "" && e.Stage != "":
		return fmt.Sprintf("forbidden: %s may not act at stage %s: %s", e.Role.Short(), e.Stage, e.Reason)
	case e.Role != "":
		return fmt.Sprintf("forbidden: %s: %s", e.Role.Short(), e.Reason)
	case e.Stage != "":
		return fmt.Sprintf("forbidden at stage %s: %s", e.Stage, e.Reason)
	}
	return "forbidden: " + e.Reason
}

// CapacityError is returned when renewal capacity is exhausted or a renewal is pending.
type CapacityError struct {
	Capacity        int
	Used            int
	ExtendAvailable bool
	Reason          string
}

func (e *CapacityError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("renewal capacity reached (%d/%d)", e.Used, e.Capacity)
}

// ConflictError signals a concurrent modification of the named entity.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

// DependencyError wraps a failed persistence or transport step.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// NotFoundError is returned for unknown forms, rows and users.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
