package agi

import (
	"errors"
	"fmt"
)

// ErrConnection marks I/O failures on the AGI socket. Any error wrapping it is
// fatal for the connection it came from.
var ErrConnection = errors.New("agi connection failure")

// ErrNoSessionStore is returned by Conn.Session when the connection was built
// without a session store.
var ErrNoSessionStore = errors.New("no session store configured")

// CommandNotFoundError is raised for a 510 reply: the PBX does not know the verb.
type CommandNotFoundError struct {
	Command string
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("agi: command not found: %s", e.Command)
}

// UsageError is raised for a 520 reply. Usage holds the usage text the PBX
// sent between the opening and closing 520 lines.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("agi: invalid command usage, correct usage: %s", e.Usage)
}

// SoundFileNotFoundError is returned by GetData when the prompt could not be
// played. The PBX reports a caller hang-up the same way.
type SoundFileNotFoundError struct {
	File string
}

func (e *SoundFileNotFoundError) Error() string {
	return fmt.Sprintf("agi: sound file not found: %s", e.File)
}

// ApplicationError is a session-terminating failure: socket errors, malformed
// routes and invalid call files. It is never retried.
type ApplicationError struct {
	Msg string
	Err error
}

func (e *ApplicationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agi: %s: %v", e.Msg, e.Err)
	}
	return "agi: " + e.Msg
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// connError wraps an I/O failure as a connection-fatal ApplicationError.
func connError(op string, err error) error {
	return &ApplicationError{Msg: op, Err: fmt.Errorf("%w: %w", ErrConnection, err)}
}
