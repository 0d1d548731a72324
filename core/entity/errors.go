package entity

import (
	"errors"
	"fmt"
)

var (
	ErrEntityNotAssignedToRunner = errors.New("entity is not assigned to this runner")
	ErrMailboxFull               = errors.New("entity mailbox is full")
	ErrAlreadyProcessingMessage  = errors.New("a message with this request id is already being processed")
)

// MalformedMessageError reports a wire message that could not be decoded.
// For request-shaped input it is converted into a terminal failure reply
// to the caller; for control envelopes it is escalated as a process-level
// fault (a control envelope that does not decode is a protocol defect,
// not a recoverable caller error).
type MalformedMessageError struct {
	Tag   string
	Cause error
}

func (e *MalformedMessageError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("malformed message (tag %q): %v", e.Tag, e.Cause)
	}
	return fmt.Sprintf("malformed message: %v", e.Cause)
}

func (e *MalformedMessageError) Unwrap() error { return e.Cause }
