package dispatcher

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrSessionNotActive = errors.New("session is not active")
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
	ErrUnknownVerb      = errors.New("no handler bound to verb")
	ErrServerShutdown   = errors.New("server shutting down")
)

// CommandError is a failed command. It is reported only to the session that
// issued the command.
type CommandError struct {
	Verb   string
	Reason string
	Err    error
}

func NewCommandError(verb, reason string, err error) *CommandError {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return &CommandError{Verb: verb, Reason: reason, Err: err}
}

// Fail is a shorthand for handlers rejecting a command with a message.
func Fail(verb, format string, args ...any) *CommandError {
	return NewCommandError(verb, fmt.Sprintf(format, args...), nil)
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Verb, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// asCommandError wraps any handler error into a CommandError for verb.
func asCommandError(verb string, err error) *CommandError {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		if cerr.Verb == "" {
			cerr.Verb = verb
		}
		return cerr
	}
	return NewCommandError(verb, "", err)
}
