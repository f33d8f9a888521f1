package session

// State is the session validity state.
type State int

const (
	// StateUnauthenticated means no session is held.
	StateUnauthenticated State = iota
	// StateValid means a token pair is held and the access token was last seen unexpired.
	StateValid
	// StateRefreshing means a refresh exchange is in flight.
	StateRefreshing
	// StateInvalid is the transient state after a failed refresh, before cleanup.
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// StateChange is delivered to observers after each transition.
type StateChange struct {
	From   State
	To     State
	Reason string
}
