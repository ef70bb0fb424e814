// Package calls tracks each answered phone call from ringing to hangup and
// ties its media socket to a realtime AI conversation.
package calls

// State is the lifecycle state of a call session.
type State int

const (
	StateRinging          State = iota // notification received, answer not confirmed
	StateAnswered                      // provider accepted the answer request
	StateConnected                     // provider reported the call connected
	StateStreamingActive               // media streaming started
	StateStreamingStopped              // media streaming stopped or failed
	StateDisconnected                  // terminal
)

// String returns the state name used in logs, metrics, and call history.
func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateStreamingActive:
		return "streaming_active"
	case StateStreamingStopped:
		return "streaming_stopped"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{
		StateRinging,
		StateAnswered,
		StateConnected,
		StateStreamingActive,
		StateStreamingStopped,
		StateDisconnected,
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDisconnected
}
