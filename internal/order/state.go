// Package order holds the swap data model: the hub-side joined Order with
// its two members and two-phase ack state machine, and the client-side
// Descriptor tracking one leg as seen by a trader.
package order

// State is the hub-side order state. Ordering is meaningful: handlers
// compare states to decide between plain cancellation and rollback.
type State int

const (
	StateInvalid State = iota
	StateNew
	StateJoined
	StateHold
	StateInitialized
	StateCreated
	StateFinished
	StateCancelled
	StateDropped
)

// String returns the state name used in logs and order listings.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateJoined:
		return "joined"
	case StateHold:
		return "hold"
	case StateInitialized:
		return "initialized"
	case StateCreated:
		return "created"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "canceled"
	case StateDropped:
		return "dropped"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateDropped
}

// next returns the state a phase advances to once both parties acked.
func (s State) next() State {
	switch s {
	case StateJoined:
		return StateHold
	case StateHold:
		return StateInitialized
	case StateInitialized:
		return StateCreated
	case StateCreated:
		return StateFinished
	default:
		return StateInvalid
	}
}
