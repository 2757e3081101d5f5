package dlmsal

import "fmt"

type AssociationState int

const (
	StateNotOpen AssociationState = iota
	StateOpening
	StateOpen
	StateReleasing
	StateAborted
)

func (s AssociationState) String() string {
	switch s {
	case StateNotOpen:
		return "not-open"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateReleasing:
		return "releasing"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// associated reports states where the server may hold association context.
func (s AssociationState) associated() bool {
	return s == StateOpening || s == StateOpen || s == StateReleasing
}
