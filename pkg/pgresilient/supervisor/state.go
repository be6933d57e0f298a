// Package supervisor implements the connection-lifecycle state machine
// for both the single-connection (Client) and pooled (Pool) shapes: owns
// the driver handle, drives connect/verify/reconnect/destroy, and gates
// request admission through a pkg/pgresilient/gate.Gate.
package supervisor

import "fmt"

// State is one of the Supervisor's lifecycle states.
type State int32

const (
	Idle State = iota
	Connecting
	Ready
	Reconnecting
	Destroying
	ShutDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Destroying:
		return "destroying"
	case ShutDown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
