// Package playback provides the sequential playback queue.
package playback

// State represents the queue state.
type State int

const (
	StateIdle     State = iota // Nothing active (queue drained or stopped)
	StateStarting              // Factory of the head item is being invoked
	StatePlaying               // An item is active
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}
