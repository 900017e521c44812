package turn

import "fmt"

// State is the turn-taking state of a session.
type State int32

const (
	Idle State = iota
	Listening
	Responding
	Speaking
	Interrupted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Responding:
		return "responding"
	case Speaking:
		return "speaking"
	case Interrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
