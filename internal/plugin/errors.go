package plugin

import (
	"errors"
	"fmt"
)

// ErrUnexpectedAccess is returned when plugin code calls into the node in a
// state where the call is not permitted (for example after TearDown).
var ErrUnexpectedAccess = errors.New("unexpected plugin access")

// ErrNotFound is returned when a named plugin or consumer does not exist.
var ErrNotFound = errors.New("plugin does not exist")

// CallError wraps an unexpected failure from a plugin method invoked by the
// orchestrator. It is fatal for the invocation, not for the node.
type CallError struct {
	PluginID string
	Op       string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("plugin call error: %s.%s: %v", e.PluginID, e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// NewCallError wraps err as a CallError for the given plugin and operation.
func NewCallError(pluginID, op string, err error) *CallError {
	return &CallError{PluginID: pluginID, Op: op, Err: err}
}
