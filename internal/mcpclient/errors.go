package mcpclient

import (
	"errors"
	"fmt"
)

// Configuration errors fail fast, before any connection attempt, and are
// never retried.
var (
	ErrInvalidIdentifier = errors.New("invalid tool identifier")
	ErrUnknownServer     = errors.New("unknown server")
	ErrServerDisabled    = errors.New("server disabled")
	ErrToolNotFound      = errors.New("tool not found")
)

// ConnectionError reports a transport-level failure (connection refused,
// closed stream, handshake failure). The offending handle has already been
// evicted when the caller sees this; a subsequent call to the same server
// re-attempts connection.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server %q: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolExecutionError reports a failure from the remote tool itself. It is
// passed through unchanged and never retried by the manager.
type ToolExecutionError struct {
	Identifier string
	Message    string
	Err        error
}

func (e *ToolExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %q failed: %s", e.Identifier, e.Message)
	}
	return fmt.Sprintf("tool %q failed: %v", e.Identifier, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
