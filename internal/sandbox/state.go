package sandbox

import "fmt"

// State is a plugin's lifecycle state.
type State string

const (
	Starting  State = "STARTING"
	Up        State = "UP"
	Stopping  State = "STOPPING"
	Flushing  State = "FLUSHING"
	Down      State = "DOWN"
	Pausing   State = "PAUSING"
	Paused    State = "PAUSED"
	Unpausing State = "UNPAUSING"
)

// action is what the gatekeeper does with a plugin call in a given state.
type action int

const (
	// actError is the zero value so states missing from a table reject.
	actError action = iota
	actAllow
	actWait
)

// Gatekeeper tables. Each API call declares which plugin states allow it,
// which delay it, and which reject it outright.
var (
	gateAllowAll = map[State]action{
		Starting:  actAllow,
		Up:        actAllow,
		Stopping:  actAllow,
		Flushing:  actAllow,
		Down:      actError,
		Pausing:   actAllow,
		Paused:    actAllow,
		Unpausing: actAllow,
	}
	gateAllowUp = map[State]action{
		Starting:  actWait,
		Up:        actAllow,
		Stopping:  actWait,
		Flushing:  actAllow,
		Down:      actError,
		Pausing:   actWait,
		Paused:    actWait,
		Unpausing: actWait,
	}
	gateAllowUpPausingStopping = map[State]action{
		Starting:  actWait,
		Up:        actAllow,
		Stopping:  actAllow,
		Flushing:  actAllow,
		Down:      actError,
		Pausing:   actAllow,
		Paused:    actWait,
		Unpausing: actWait,
	}
)

// StateCommandError reports a lifecycle command issued in a state that does
// not permit it.
type StateCommandError struct {
	PluginID string
	State    State
	Command  string
}

func (e *StateCommandError) Error() string {
	return fmt.Sprintf("plugin %s (%s): command %s not allowed in this state",
		e.PluginID, e.State, e.Command)
}
