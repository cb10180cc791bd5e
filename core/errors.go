package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInternalConsistency marks a defect in allocation or orchestration
	// logic. It is never a recoverable condition.
	ErrInternalConsistency = errors.New("internal consistency violation")

	// ErrStaleFeedback is returned when an outcome refers to a transmission
	// the process is not waiting on.
	ErrStaleFeedback = errors.New("stale harq feedback")
	// ErrUnknownProcess is returned for a carrier or process id the UE does
	// not have.
	ErrUnknownProcess = errors.New("unknown harq process")
)

// ConsistencyError describes an internal-consistency violation.
type ConsistencyError struct {
	Component string
	Detail    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInternalConsistency.Error(), e.Component, e.Detail)
}

// Unwrap lets errors.Is match ErrInternalConsistency.
func (e *ConsistencyError) Unwrap() error { return ErrInternalConsistency }

// Inconsistent builds a *ConsistencyError.
func Inconsistent(component, format string, args ...any) error {
	return &ConsistencyError{Component: component, Detail: fmt.Sprintf(format, args...)}
}
