package kernel

import "fmt"

// State is a process lifecycle state.
//
//	New -> Ready <-> Running
//	Ready, Running -> Blocked -> Ready
//	any -> Terminated
//
// Terminated is absorbing.
type State uint8

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// BlockReason says what a Blocked process is waiting for.
type BlockReason uint8

const (
	BlockNone BlockReason = iota

	// BlockMessage waits for a message. Any enqueue into the inbox wakes it.
	BlockMessage

	// BlockExplicit waits for an explicit Wake.
	BlockExplicit
)

func (r BlockReason) String() string {
	switch r {
	case BlockNone:
		return "none"
	case BlockMessage:
		return "message"
	case BlockExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("block(%d)", uint8(r))
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MarshalText renders the reason name in JSON and logs.
func (r BlockReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
