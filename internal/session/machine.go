package session

import (
	"github.com/looplab/fsm"
)

// State is the lifecycle state of a call session.
type State string

const (
	StateRinging   State = "ringing"
	StateActive    State = "active"
	StateRejected  State = "rejected"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
	StateEnded     State = "ended"
)

func (s State) String() string { return string(s) }

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateTimedOut, StateCancelled, StateEnded:
		return true
	}
	return false
}

// EventKind names an input to the session state machine.
type EventKind string

const (
	EventAccept     EventKind = "accept"
	EventReject     EventKind = "reject"
	EventTimeout    EventKind = "timeout"
	EventHangup     EventKind = "hangup"
	EventDisconnect EventKind = "disconnect"
)

/*
Transition table:

	[ringing] --accept-->      [active]
	[ringing] --reject-->      [rejected]
	[ringing] --timeout-->     [timed_out]
	[ringing] --hangup-->      [cancelled]
	[ringing] --disconnect-->  [cancelled]
	[active]  --hangup-->      [ended]
	[active]  --disconnect-->  [ended]
*/
func newMachine() *fsm.FSM {
	ringing := []string{string(StateRinging)}
	active := []string{string(StateActive)}

	return fsm.NewFSM(
		string(StateRinging),
		fsm.Events{
			{Name: string(EventAccept), Src: ringing, Dst: string(StateActive)},
			{Name: string(EventReject), Src: ringing, Dst: string(StateRejected)},
			{Name: string(EventTimeout), Src: ringing, Dst: string(StateTimedOut)},
			{Name: string(EventHangup), Src: ringing, Dst: string(StateCancelled)},
			{Name: string(EventHangup), Src: active, Dst: string(StateEnded)},
			{Name: string(EventDisconnect), Src: ringing, Dst: string(StateCancelled)},
			{Name: string(EventDisconnect), Src: active, Dst: string(StateEnded)},
		},
		fsm.Callbacks{},
	)
}
