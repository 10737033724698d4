package call

import (
	"errors"

	"github.com/matrix-org/duet/pkg/store"
	"golang.org/x/exp/slices"
)

var ErrIllegalTransition = errors.New("illegal call state transition")

type State string

const (
	// Acquiring local media and subscribing to the signaling channel.
	StateInitializing State = "initializing"
	// Initiator: waiting for the callee to answer.
	StateCalling State = "calling"
	// Callee: waiting for the offer.
	StateRinging State = "ringing"
	// Descriptions exchanged, ICE is checking.
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// Allowed transitions. Terminal states have no way out.
var transitions = map[State][]State{
	StateInitializing: {StateCalling, StateRinging, StateFailed, StateEnded},
	StateCalling:      {StateConnecting, StateFailed, StateEnded},
	StateRinging:      {StateConnecting, StateFailed, StateEnded},
	StateConnecting:   {StateConnected, StateFailed, StateEnded},
	StateConnected:    {StateConnecting, StateFailed, StateEnded},
}

func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// The status of the session record that corresponds to a state, if any.
func (s State) recordStatus() (store.Status, bool) {
	switch s {
	case StateCalling:
		return store.StatusCalling, true
	case StateConnecting:
		return store.StatusConnecting, true
	case StateConnected:
		return store.StatusConnected, true
	case StateEnded:
		return store.StatusEnded, true
	case StateFailed:
		return store.StatusFailed, true
	default:
		return "", false
	}
}
