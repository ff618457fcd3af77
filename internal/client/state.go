package client

// State is where a consumer's current stream is in its life.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Input drives the state machine.
type Input int

const (
	InputStart Input = iota
	InputContent
	InputUsage
	InputError
	InputDone
	InputCancel
)

// Next returns the state after in. Terminal states absorb every input.
func (s State) Next(in Input) State {
	if s.Terminal() && in != InputStart {
		return s
	}
	switch in {
	case InputStart:
		return StateStreaming
	case InputContent, InputUsage:
		return s
	case InputError:
		return StateFailed
	case InputDone:
		return StateCompleted
	case InputCancel:
		return StateCancelled
	}
	return s
}
