package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// direction indexes the two pending candidate queues.
type direction int

const (
	toCallee direction = iota
	toCaller
)

// Event is one input to Store.Transition. Actor is the endpoint that caused
// it and is empty for timer events.
type Event struct {
	Kind   EventKind
	Actor  string
	Answer json.RawMessage
}

// Snapshot is a point-in-time copy of a session's public attributes.
type Snapshot struct {
	ID         string
	CallerID   string
	CalleeID   string
	State      State
	CreatedAt  time.Time
	ChangedAt  time.Time
	AnsweredAt time.Time
}

// Peer returns the other participant, or "" if endpointID is not in the call.
func (s Snapshot) Peer(endpointID string) string {
	switch endpointID {
	case s.CallerID:
		return s.CalleeID
	case s.CalleeID:
		return s.CallerID
	}
	return ""
}

// Outcome describes an applied transition.
type Outcome struct {
	Session Snapshot
	Event   EventKind
	Actor   string
	From    State
	To      State
	// Flushed holds callee candidates that were waiting for the answer, in
	// arrival order. Only set by accept.
	Flushed []json.RawMessage
}

// Session is one call negotiation between a caller and a callee. All
// mutation happens under mu.
type Session struct {
	ID        string
	CallerID  string
	CalleeID  string
	CreatedAt time.Time

	mu         sync.Mutex
	machine    *fsm.FSM
	offer      json.RawMessage
	answer     json.RawMessage
	changedAt  time.Time
	answeredAt time.Time
	pending    [2][]json.RawMessage
	ready      [2]bool
	ringTimer  Timer
}

func newSession(id, callerID, calleeID string, offer json.RawMessage, now time.Time) *Session {
	s := &Session{
		ID:        id,
		CallerID:  callerID,
		CalleeID:  calleeID,
		CreatedAt: now,
		machine:   newMachine(),
		offer:     offer,
		changedAt: now,
	}
	// The offer is recorded at creation, so the callee side is ready at once.
	s.ready[toCallee] = true
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.machine.Current())
}

func (s *Session) Offer() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offer
}

func (s *Session) Answer() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:         s.ID,
		CallerID:   s.CallerID,
		CalleeID:   s.CalleeID,
		State:      State(s.machine.Current()),
		CreatedAt:  s.CreatedAt,
		ChangedAt:  s.changedAt,
		AnsweredAt: s.answeredAt,
	}
}

func (s *Session) authorize(ev Event) error {
	switch ev.Kind {
	case EventAccept, EventReject:
		if ev.Actor != s.CalleeID {
			return fmt.Errorf("%w: only the callee may %s", ErrNotParticipant, ev.Kind)
		}
	case EventHangup, EventDisconnect:
		if ev.Actor != s.CallerID && ev.Actor != s.CalleeID {
			return ErrNotParticipant
		}
	}
	return nil
}

func (s *Session) apply(ev Event, now time.Time) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorize(ev); err != nil {
		return Outcome{}, err
	}

	from := State(s.machine.Current())
	if err := s.machine.Event(context.Background(), string(ev.Kind)); err != nil {
		return Outcome{Session: s.snapshotLocked(), From: from, To: from}, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Kind, from)
	}

	out := Outcome{Event: ev.Kind, Actor: ev.Actor, From: from}
	if from == StateRinging && s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if ev.Kind == EventAccept {
		s.answer = ev.Answer
		s.answeredAt = now
		out.Flushed = s.releaseLocked(toCaller)
	}
	s.changedAt = now

	out.Session = s.snapshotLocked()
	out.To = out.Session.State
	return out, nil
}

// relay decides what happens to a candidate sent by from: it is returned for
// immediate delivery to the other party, or queued until that party has the
// description it depends on.
func (s *Session) relay(from string, candidate json.RawMessage, limit int) (string, []json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dir direction
	var to string
	switch from {
	case s.CallerID:
		dir, to = toCallee, s.CalleeID
	case s.CalleeID:
		dir, to = toCaller, s.CallerID
	default:
		return "", nil, ErrNotParticipant
	}

	if state := State(s.machine.Current()); state.Terminal() {
		return to, nil, fmt.Errorf("%w: candidate in state %s", ErrInvalidTransition, state)
	}

	if s.ready[dir] {
		return to, []json.RawMessage{candidate}, nil
	}
	if len(s.pending[dir]) >= limit {
		return to, nil, ErrCandidateQueueFull
	}
	s.pending[dir] = append(s.pending[dir], candidate)
	return to, nil, nil
}

func (s *Session) releaseLocked(dir direction) []json.RawMessage {
	s.ready[dir] = true
	out := s.pending[dir]
	s.pending[dir] = nil
	return out
}

func (s *Session) pendingLen(dir direction) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[dir])
}
