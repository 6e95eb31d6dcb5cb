package mediator

import "walletbridge/go-backend/internal/bridge/protocol"

// State is a step of one request's lifecycle.
type State string

const (
	StateReceived   State = "received"
	StateValidated  State = "validated"
	StateAuthorized State = "authorized"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Transition is reported to Config.OnTransition. Kind is set only when To
// is StateFailed.
type Transition struct {
	ID     protocol.CorrelationID
	Method string
	Origin string
	From   State
	To     State
	Kind   protocol.ErrorKind
}

// tracker enforces the forward-only order of states for one request.
type tracker struct {
	req    protocol.ProviderRequest
	state  State
	notify func(Transition)
}

func (t *tracker) advance(to State) {
	t.emit(Transition{To: to})
}

func (t *tracker) fail(kind protocol.ErrorKind) {
	t.emit(Transition{To: StateFailed, Kind: kind})
}

func (t *tracker) emit(tr Transition) {
	if t.state.Terminal() {
		return
	}
	tr.ID = t.req.ID
	tr.Method = t.req.Method
	tr.Origin = t.req.Origin
	tr.From = t.state
	t.state = tr.To
	if t.notify != nil {
		t.notify(tr)
	}
}
