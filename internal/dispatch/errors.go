package dispatch

import (
	"errors"
	"fmt"
)

// ErrRedirectLimit is returned when a call follows more redirects than the
// dispatcher allows.
var ErrRedirectLimit = errors.New("redirect limit exceeded")

// MissingReason says why a route could not be resolved.
type MissingReason int

const (
	// NotRegistered means no handler is registered under the name.
	NotRegistered MissingReason = iota + 1
	// ActionMissing means the handler exists but lacks the action.
	ActionMissing
)

func (r MissingReason) String() string {
	switch r {
	case NotRegistered:
		return "handler not registered"
	case ActionMissing:
		return "action not defined"
	default:
		return "unknown"
	}
}

// MissingHandlerError is returned when a route does not resolve. It is
// raised before the call context for the route is built.
type MissingHandlerError struct {
	Handler string
	Action  string
	Reason  MissingReason
}

func (e *MissingHandlerError) Error() string {
	return fmt.Sprintf("dispatch: %s: /%s/%s", e.Reason, e.Handler, e.Action)
}
