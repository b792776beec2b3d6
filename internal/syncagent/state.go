package syncagent

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateBackoff
	StateGivenUp
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateBackoff:
		return "backoff"
	case StateGivenUp:
		return "given_up"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var allStates = []State{StateIdle, StateConnecting, StateConnected, StateDisconnected, StateBackoff, StateGivenUp, StateStopped}
