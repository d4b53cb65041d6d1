package runtime

// State is a step of the per-event processing machine.
type State int

const (
	StateIdle State = iota
	StateContextLoading
	StatePrompting
	StateInterpreting
	StatePersisting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateContextLoading:
		return "context_loading"
	case StatePrompting:
		return "prompting"
	case StateInterpreting:
		return "interpreting"
	case StatePersisting:
		return "persisting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
