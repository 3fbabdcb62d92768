package transaction

import (
	"errors"
	"fmt"
)

// ResourceError reports a failed call against a resource. Recoverable means
// no irreversible side effects happened and the caller may retry; Terminal
// means the instance must be discarded from its pool. ParticipantIndex is
// the 0-based position of the participant in the transaction, or -1 when
// the failure is not attributable to one.
type ResourceError struct {
	Msg              string
	Code             int
	Recoverable      bool
	Terminal         bool
	ParticipantIndex int
	Err              error
}

func (e *ResourceError) Error() string {
	s := "resource error"
	if e.ParticipantIndex >= 0 {
		s = fmt.Sprintf("%s [participant %d]", s, e.ParticipantIndex)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ResourceError) Unwrap() error { return e.Err }

// NewResourceError builds an unattributed resource error.
func NewResourceError(msg string, recoverable, terminal bool) *ResourceError {
	return &ResourceError{Msg: msg, Recoverable: recoverable, Terminal: terminal, ParticipantIndex: -1}
}

// SQLResourceError is a ResourceError carrying the five-character SQLSTATE
// of the failed statement.
type SQLResourceError struct {
	ResourceError
	State string
}

func (e *SQLResourceError) Error() string {
	return e.ResourceError.Error() + " (sqlstate " + e.State + ")"
}

// Unwrap exposes the embedded ResourceError so errors.As finds it and the
// coordinator can stamp the participant index through it.
func (e *SQLResourceError) Unwrap() error { return &e.ResourceError }

// RPCError is a ResourceError propagated from a remote cage.
type RPCError struct {
	ResourceError
	Cage string
}

func (e *RPCError) Error() string {
	return e.ResourceError.Error() + " (cage " + e.Cage + ")"
}

func (e *RPCError) Unwrap() error { return &e.ResourceError }

// ExecutionError means the transaction never reached the commit decision:
// the request deadline elapsed waiting for an intermediate result, or the
// acceptance predicate rejected the results.
type ExecutionError struct {
	Msg              string
	ParticipantIndex int // -1 when no specific participant is the culprit
}

func (e *ExecutionError) Error() string {
	if e.ParticipantIndex >= 0 {
		return fmt.Sprintf("transaction execution error [participant %d]: %s", e.ParticipantIndex, e.Msg)
	}
	return "transaction execution error: " + e.Msg
}

// CommitError means the transaction decided to commit but a participant
// failed to confirm within the request deadline or reported a non-commit
// outcome.
type CommitError struct {
	Msg              string
	ParticipantIndex int
}

func (e *CommitError) Error() string {
	if e.ParticipantIndex >= 0 {
		return fmt.Sprintf("transaction commit error [participant %d]: %s", e.ParticipantIndex, e.Msg)
	}
	return "transaction commit error: " + e.Msg
}

// InputParameterError means the caller passed invalid arguments and the call
// never executed. Always recoverable.
type InputParameterError struct {
	Msg string
}

func (e *InputParameterError) Error() string {
	return "input parameter error: " + e.Msg
}

// classify locates the ResourceError inside err, or wraps an unknown error
// so adapters cannot leak arbitrary types to the coordinator. An unknown
// failure after begin-transaction is non-recoverable (side effects may have
// happened) and always terminal.
func classify(err error, inTransaction bool) (*ResourceError, error) {
	var re *ResourceError
	if errors.As(err, &re) {
		return re, err
	}
	wrapped := &ResourceError{
		Recoverable:      !inTransaction,
		Terminal:         true,
		ParticipantIndex: -1,
		Err:              err,
	}
	return wrapped, wrapped
}
