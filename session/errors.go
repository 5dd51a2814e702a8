package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession means no session file exists; callers fall back to Login.
	ErrNoSession = errors.New("no persisted session")
	// ErrMalformedSession means the session file could not be read or
	// decoded. The file has been deleted.
	ErrMalformedSession = errors.New("malformed session file")
	// ErrSessionRejected means the restored context did not reach an
	// authenticated page. The file has been deleted.
	ErrSessionRejected = errors.New("session rejected")
	// ErrLoginNotConfirmed means neither acceptance signal appeared after
	// submitting credentials.
	ErrLoginNotConfirmed = errors.New("login not confirmed")
)

// PreconditionError aborts a login before anything is submitted.
type PreconditionError struct {
	Field    string
	Selector string
}

func (e *PreconditionError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("login precondition failed: %s missing", e.Field)
	}
	return fmt.Sprintf("login precondition failed: %s field not found (%s)", e.Field, e.Selector)
}
