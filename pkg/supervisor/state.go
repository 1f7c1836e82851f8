package supervisor

// State is the lifecycle stage of a Supervisor. States only move forward.
type State int32

const (
	Initializing State = iota
	ListenerBound
	ChildrenForked
	Running
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case ListenerBound:
		return "listener-bound"
	case ChildrenForked:
		return "children-forked"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
