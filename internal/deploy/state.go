package deploy

import "fmt"

// State is a unit pipeline's position.
type State int

const (
	StatePending State = iota
	StateFetched
	StateCompared
	StateAuthorized
	StatePushed
	StatePersisted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetched:
		return "fetched"
	case StateCompared:
		return "compared"
	case StateAuthorized:
		return "authorized"
	case StatePushed:
		return "pushed"
	case StatePersisted:
		return "persisted"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsTerminal reports whether the pipeline has stopped.
func (s State) IsTerminal() bool {
	switch s {
	case StatePersisted, StateAborted, StateFailed:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to State) bool {
	if to == StateFailed {
		return !from.IsTerminal()
	}
	switch from {
	case StatePending:
		return to == StateFetched
	case StateFetched:
		return to == StateCompared
	case StateCompared:
		return to == StateAuthorized || to == StateAborted
	case StateAuthorized:
		// Persisted directly when the platform already holds the build.
		return to == StatePushed || to == StatePersisted
	case StatePushed:
		return to == StatePersisted
	default:
		return false
	}
}

func transition(cur *State, to State) error {
	if !isAllowedTransition(*cur, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", *cur, to)
	}
	*cur = to
	return nil
}
