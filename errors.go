package hivehost

import (
	"errors"
	"fmt"
)

// Standard errors returned across the registry, session, and lifecycle layers.
var (
	// ErrValidation means user input was malformed (bad bot id, out-of-range RAM,
	// wrong attachment type). No side effects have occurred.
	ErrValidation = errors.New("invalid input")

	// ErrTimeout means an interactive step was not answered in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotFound means the container or external bot id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermission means the requester does not own the container.
	ErrPermission = errors.New("permission denied")

	// ErrQuotaExceeded means the user already owns the maximum number of containers.
	ErrQuotaExceeded = errors.New("container limit reached")

	// ErrRuntime wraps any failure surfaced by the container engine.
	ErrRuntime = errors.New("runtime error")

	// ErrRuntimeTimeout means a container engine call exceeded its deadline.
	ErrRuntimeTimeout = errors.New("runtime call timed out")
)

// maxRuntimeMessage bounds engine error text before it is shown to a user.
const maxRuntimeMessage = 1000

// OpError records a failed operation against a user's container.
type OpError struct {
	// Op is the operation being performed, e.g. "resize" or "update".
	Op string
	// User is the requesting user id.
	User string
	// Container is the container id, if known.
	Container string
	// Err is the underlying error.
	Err error
}

func (e *OpError) Error() string {
	if e.Container == "" {
		return fmt.Sprintf("%s (user %s): %v", e.Op, e.User, e.Err)
	}
	return fmt.Sprintf("%s %s (user %s): %v", e.Op, e.Container, e.User, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// TruncateMessage clips s for transport-bound error reporting.
func TruncateMessage(s string) string {
	if len(s) <= maxRuntimeMessage {
		return s
	}
	return s[:maxRuntimeMessage] + "..."
}
