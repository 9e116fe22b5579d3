package ingest

import berr "github.com/next-trace/scg-command-hub/contract/errors"

// State is the lifecycle state of a Loop.
type State int32

const (
	// StateStopped is the state of a constructed loop that has not been initialized,
	// or whose initialization failed to build a transport.
	StateStopped State = iota
	StateInitializing
	// StateReady means a transport is configured and Receive may start.
	StateReady
	StateRunning
	// StateDisabled means the feature switch is off or no transport address
	// resolved; Receive is a no-op.
	StateDisabled
	// StateClosed is terminal: the transport is released and the loop cannot be reused.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of a Loop.
type Status struct {
	State State
	// Reason explains Disabled and Closed states; empty otherwise.
	Reason string
	// Kind classifies why a loop is Disabled: KindNone when the feature is
	// switched off, ErrConfigurationMissing when no address or file could be
	// used, ErrInvalidArgument when the configuration failed validation.
	Kind berr.Kind
	// Address is the resolved transport address, empty when unresolved.
	Address string
}
