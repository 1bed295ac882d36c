package transaction

// State is the lifecycle state of a transaction
type State int

const (
	// StateActive: running, may read and write
	StateActive State = iota
	// StateCommitting: commit requested, serialization checks running.
	// no further data operations are accepted.
	StateCommitting
	// StateCommitted: terminal
	StateCommitted
	// StateAborted: terminal
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsCompleted reports whether the state is terminal
func (s State) IsCompleted() bool {
	return s == StateCommitted || s == StateAborted
}
