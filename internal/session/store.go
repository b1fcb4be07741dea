package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Presence answers whether an endpoint currently has a live connection.
type Presence interface {
	IsRegistered(endpointID string) bool
}

// Timer is the part of *time.Timer the store needs.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules f after d. time.AfterFunc by default.
type TimerFunc func(d time.Duration, f func()) Timer

type Config struct {
	// RingTimeout is how long a session may stay ringing.
	RingTimeout time.Duration
	// Retention is how long a terminal session stays readable after it
	// leaves the live index.
	Retention time.Duration
	// MaxPendingCandidates bounds each buffered candidate queue.
	MaxPendingCandidates int
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:          30 * time.Second,
		Retention:            time.Minute,
		MaxPendingCandidates: 64,
	}
}

type Option func(*Store)

func WithTimerFunc(f TimerFunc) Option {
	return func(s *Store) { s.afterFunc = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Store) { s.log = log }
}

// Store holds every live session plus recently terminated ones. The map
// lock only guards the indexes; session state is guarded per session.
type Store struct {
	cfg       Config
	presence  Presence
	log       *logrus.Entry
	afterFunc TimerFunc
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	sessions  map[string]*Session
	byParty   map[string]string
	onTimeout func(Outcome)
}

func NewStore(presence Presence, cfg Config, opts ...Option) *Store {
	st := &Store{
		cfg:      cfg,
		presence: presence,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		sessions: make(map[string]*Session),
		byParty:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(st)
	}
	if st.cfg.MaxPendingCandidates <= 0 {
		st.cfg.MaxPendingCandidates = DefaultConfig().MaxPendingCandidates
	}
	return st
}

// OnTimeout sets the function called once for every session that times out
// while ringing.
func (st *Store) OnTimeout(f func(Outcome)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onTimeout = f
}

// CreateSession starts ringing a new session from callerID to calleeID.
func (st *Store) CreateSession(callerID, calleeID string, offer json.RawMessage) (Snapshot, error) {
	if callerID == calleeID {
		return Snapshot{}, ErrSelfCall
	}
	if !st.presence.IsRegistered(calleeID) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrCalleeOffline, calleeID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, party := range []string{callerID, calleeID} {
		if existing, ok := st.byParty[party]; ok {
			return Snapshot{}, fmt.Errorf("%w: %s is in session %s", ErrAlreadyInSession, party, existing)
		}
	}

	id := st.newID()
	s := newSession(id, callerID, calleeID, offer, st.now())
	s.ringTimer = st.afterFunc(st.cfg.RingTimeout, func() { st.expire(id) })

	st.sessions[id] = s
	st.byParty[callerID] = id
	st.byParty[calleeID] = id

	st.log.WithFields(logrus.Fields{
		"session_id": id,
		"caller_id":  callerID,
		"callee_id":  calleeID,
	}).Debug("Session created")

	return s.Snapshot(), nil
}

// Get returns a live or retained session.
func (st *Store) Get(sessionID string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// Transition applies ev to the session. The first event applied wins; a
// later conflicting event returns ErrInvalidTransition and changes nothing.
func (st *Store) Transition(sessionID string, ev Event) (Outcome, error) {
	s, err := st.Get(sessionID)
	if err != nil {
		return Outcome{}, err
	}

	out, err := s.apply(ev, st.now())
	if err != nil {
		return out, err
	}

	if out.To.Terminal() {
		st.finish(s)
	}
	return out, nil
}

// RelayCandidate returns the recipient of a candidate and the candidates
// that may be delivered to it now. A candidate that must wait is queued and
// nothing is returned for delivery.
func (st *Store) RelayCandidate(sessionID, fromID string, candidate json.RawMessage) (string, []json.RawMessage, error) {
	s, err := st.Get(sessionID)
	if err != nil {
		return "", nil, err
	}
	return s.relay(fromID, candidate, st.cfg.MaxPendingCandidates)
}

// EndAllFor ends every non-terminal session involving endpointID after its
// connection went away.
func (st *Store) EndAllFor(endpointID string) []Outcome {
	st.mu.Lock()
	id, ok := st.byParty[endpointID]
	st.mu.Unlock()
	if !ok {
		return nil
	}

	out, err := st.Transition(id, Event{Kind: EventDisconnect, Actor: endpointID})
	if err != nil {
		// Another event finished the session first.
		st.log.WithError(err).WithField("session_id", id).Debug("Disconnect lost to a concurrent transition")
		return nil
	}
	return []Outcome{out}
}

// ActiveSession returns the live session of endpointID, if any.
func (st *Store) ActiveSession(endpointID string) (Snapshot, bool) {
	st.mu.Lock()
	id, ok := st.byParty[endpointID]
	s := st.sessions[id]
	st.mu.Unlock()
	if !ok || s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Remove evicts a session from both indexes.
func (st *Store) Remove(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return
	}
	delete(st.sessions, sessionID)
	st.unindexLocked(s)
}

// Live returns the number of non-terminal sessions.
func (st *Store) Live() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	// each live session is indexed under both of its parties
	return len(st.byParty) / 2
}

// Len returns the number of sessions held, retained ones included.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *Store) unindexLocked(s *Session) {
	for _, party := range []string{s.CallerID, s.CalleeID} {
		if st.byParty[party] == s.ID {
			delete(st.byParty, party)
		}
	}
}

func (st *Store) finish(s *Session) {
	st.mu.Lock()
	st.unindexLocked(s)
	st.mu.Unlock()

	if st.cfg.Retention <= 0 {
		st.Remove(s.ID)
		return
	}
	id := s.ID
	st.afterFunc(st.cfg.Retention, func() { st.Remove(id) })
}

func (st *Store) expire(sessionID string) {
	out, err := st.Transition(sessionID, Event{Kind: EventTimeout})
	if err != nil {
		st.log.WithError(err).WithField("session_id", sessionID).Debug("Ring timer fired after session left ringing")
		return
	}

	st.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"caller_id":  out.Session.CallerID,
		"callee_id":  out.Session.CalleeID,
	}).Info("Session timed out")

	st.mu.Lock()
	hook := st.onTimeout
	st.mu.Unlock()
	if hook != nil {
		hook(out)
	}
}
