package sequence

import "errors"

// Sentinel errors for the sequence service layer.
var (
	ErrNotFound           = errors.New("sequence not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrInvalidSequence    = errors.New("invalid sequence definition")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNotActive          = errors.New("sequence is not active")
	ErrAlreadyEnrolled    = errors.New("contact is already enrolled in this sequence")
	ErrNotEditable        = errors.New("sequence can only be edited while draft or paused")
)
