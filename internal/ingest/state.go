package ingest

// State is a step of the transfer state machine.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateFetching
	StateReshaping
	StateLoading
	StateDeriving
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateResolving: "resolving",
	StateFetching:  "fetching",
	StateReshaping: "reshaping",
	StateLoading:   "loading",
	StateDeriving:  "deriving",
	StateDone:      "done",
	StateFailed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
