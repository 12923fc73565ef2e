package application

import "errors"

var (
	// ErrNotFound is returned when the requested session or participant does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrAlreadyActive is returned when a session is started while another one is active.
	ErrAlreadyActive = errors.New("application: a session is already active")
	// ErrAlreadyEnded is returned when ending a session that has already ended.
	ErrAlreadyEnded = errors.New("application: session already ended")
	// ErrUnknownIdentity is returned when a manual match names an identity missing from the roster.
	ErrUnknownIdentity = errors.New("application: unknown identity")
	// ErrStartFailed is returned when the remote service could not create the session.
	ErrStartFailed = errors.New("application: could not start session")
	// ErrNoActiveSession is returned when a presence signal arrives while no session is active.
	ErrNoActiveSession = errors.New("application: no active session")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	return "validation failed"
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}
