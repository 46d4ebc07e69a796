package mywant

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidSpec       = errors.New("invalid spec")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyPending    = errors.New("reaction already pending")
	ErrAlreadyDecided    = errors.New("reaction already decided")
	ErrCycleDetected     = errors.New("ownership cycle detected")
	ErrTerminalState     = errors.New("already terminal")
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAgentUnavailable is returned by dispatchers when the agent could not
	// be reached at all. Only this error is retried by the reconciler.
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	WantID string
	From   WantStatus
	To     WantStatus
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("want %s: %s -> %s: %v", e.WantID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// ErrorCode maps an engine error to the stable code used on the wire.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidSpec):
		return "invalid_spec"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	case errors.Is(err, ErrAlreadyDecided):
		return "already_decided"
	case errors.Is(err, ErrCycleDetected):
		return "cycle_detected"
	case errors.Is(err, ErrTerminalState):
		return "already_terminal"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrAgentUnavailable):
		return "agent_unavailable"
	default:
		return "internal"
	}
}
