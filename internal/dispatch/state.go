package dispatch

// State is the lifecycle state of the dispatch server.
//
// Transitions are monotonic: Inited -> Started (Start, idempotent) and
// Started -> Stopped (Stop). There is no resurrection; a stopped server
// rejects every request with ErrServerNotStarted.
type State uint8

const (
	// StateInited is the state after construction, before Start.
	StateInited State = iota

	// StateStarted is the serving state. Filter chains and the handler
	// registry are immutable from here on.
	StateStarted

	// StateStopped is terminal. Crons and in-flight requests are not
	// forcibly cancelled; that is the surrounding collaborator's job.
	StateStopped
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateInited:
		return "Inited"
	case StateStarted:
		return "Started"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
