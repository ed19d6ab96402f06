package events

const (
	// KindTurnStarted identifies the opening of a turn's generation window.
	KindTurnStarted Kind = "turn_state.started"
	// KindTurnCompleted identifies a turn that produced its response.
	KindTurnCompleted Kind = "turn_state.completed"
	// KindTurnFailed identifies a turn that fell back after a failure.
	KindTurnFailed Kind = "turn_state.failed"
	// KindTurnTimedOut identifies a turn that exceeded its deadline.
	KindTurnTimedOut Kind = "turn_state.timed_out"
)

// TurnStarted marks the start of a turn.
type TurnStarted struct {
	Base
	TurnID string
}

// NewTurnStarted creates a turn started event.
func NewTurnStarted(turnID string) TurnStarted {
	return TurnStarted{Base: NewBase(KindTurnStarted), TurnID: turnID}
}

// TurnCompleted marks successful completion of a turn.
type TurnCompleted struct {
	Base
	TurnID string
}

// NewTurnCompleted creates a turn completed event.
func NewTurnCompleted(turnID string) TurnCompleted {
	return TurnCompleted{Base: NewBase(KindTurnCompleted), TurnID: turnID}
}

// TurnFailed marks a turn whose generation or synthesis failed.
type TurnFailed struct {
	Base
	TurnID string
	Err    error
}

// NewTurnFailed creates a turn failed event.
func NewTurnFailed(turnID string, err error) TurnFailed {
	return TurnFailed{Base: NewBase(KindTurnFailed), TurnID: turnID, Err: err}
}

// TurnTimedOut marks a turn aborted by its deadline.
type TurnTimedOut struct {
	Base
	TurnID string
}

// NewTurnTimedOut creates a turn timed out event.
func NewTurnTimedOut(turnID string) TurnTimedOut {
	return TurnTimedOut{Base: NewBase(KindTurnTimedOut), TurnID: turnID}
}
