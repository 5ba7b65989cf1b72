package run

// State represents the lifecycle state of a single run.
type State int

const (
	// StateUnknown is the zero value, used before any result is known
	// (for example as the LastResult of a job that has never built).
	StateUnknown State = iota

	// StatePending means the run is queued and waiting for a node.
	StatePending

	// StateRunning means at least one script has been launched.
	StateRunning

	// StateAborted means the run was cancelled externally.
	StateAborted

	// StateFailed means a script exited non-zero.
	StateFailed

	// StateSuccess means every script exited zero.
	StateSuccess
)

// Terminal reports whether the state is final. A terminal result is
// never overwritten.
func (s State) Terminal() bool {
	switch s {
	case StateAborted, StateFailed, StateSuccess:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	case StateSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// ParseState converts a stored string back into a State. Unrecognized
// values map to StateUnknown.
func ParseState(s string) State {
	switch s {
	case "pending":
		return StatePending
	case "running":
		return StateRunning
	case "aborted":
		return StateAborted
	case "failed":
		return StateFailed
	case "success":
		return StateSuccess
	default:
		return StateUnknown
	}
}
