package session

// State is the orchestrator state of one session.
type State int

const (
	Idle State = iota
	AgentConnecting
	Ready
	QueryRunning
	EmailGenerating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AgentConnecting:
		return "agent_connecting"
	case Ready:
		return "ready"
	case QueryRunning:
		return "query_running"
	case EmailGenerating:
		return "email_generating"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
