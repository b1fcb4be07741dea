// Package endpoint is a call endpoint: it keeps a signaling connection to the
// coordinator and drives a MediaStack through one call at a time.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	writeWait       = 10 * time.Second
	eventBufferSize = 64
)

var (
	ErrBusy        = errors.New("endpoint already has a call")
	ErrNoCall      = errors.New("no call in progress")
	ErrNotIncoming = errors.New("call was not offered to this endpoint")
	ErrClosed      = errors.New("client closed")
)

// SignalError is an error reply from the coordinator.
type SignalError struct {
	Code      string
	Message   string
	SessionID string
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type EventType string

const (
	EventIncoming    EventType = "incoming"
	EventRinging     EventType = "ringing"
	EventAnswered    EventType = "answered"
	EventRejected    EventType = "rejected"
	EventNotAnswered EventType = "not_answered"
	EventEnded       EventType = "ended"
	EventMediaState  EventType = "media_state"
	EventError       EventType = "error"
	EventSuperseded  EventType = "superseded"
)

// Event is something that happened to the endpoint or its call.
type Event struct {
	Type      EventType
	SessionID string
	PeerID    string
	// Reason is the hangup reason or, for EventMediaState, the connection state.
	Reason string
	Err    error
}

type call struct {
	sessionID string
	peerID    string
	incoming  bool
	stack     MediaStack
	// local candidates gathered before the session id is known
	pendingLocal []json.RawMessage
	ringing      chan error
}

type Option func(*Client)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// WithToken sends token as the coordinator bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.header.Set("Authorization", "Bearer "+token) }
}

// Client is one endpoint's connection to the coordinator.
type Client struct {
	conn     *websocket.Conn
	newStack StackFactory
	header   http.Header
	log      *logrus.Entry

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool

	writeMu sync.Mutex
	// orders local candidate sends behind the flush of buffered ones
	candMu sync.Mutex

	mu         sync.Mutex
	endpointID string
	registered chan error
	call       *call

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the coordinator's websocket url.
func Dial(ctx context.Context, url string, newStack StackFactory, opts ...Option) (*Client, error) {
	c := &Client{
		newStack: newStack,
		header:   http.Header{},
		log:      logrus.NewEntry(logrus.StandardLogger()),
		events:   make(chan Event, eventBufferSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial coordinator: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// Events delivers call events. It is closed when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// EndpointID returns the id confirmed by Register.
func (c *Client) EndpointID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointID
}

// SessionID returns the current call's session id, if known.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return ""
	}
	return c.call.sessionID
}

// Register binds this connection to endpointID and waits for the
// coordinator to confirm.
func (c *Client) Register(ctx context.Context, endpointID string) error {
	wait := make(chan error, 1)
	c.mu.Lock()
	c.registered = wait
	c.mu.Unlock()

	if err := c.send(models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: endpointID}); err != nil {
		return err
	}

	select {
	case err := <-wait:
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.endpointID = endpointID
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Invite calls calleeID and returns the session id once the coordinator has
// delivered the offer.
func (c *Client) Invite(ctx context.Context, calleeID string) (string, error) {
	cl := &call{peerID: calleeID, ringing: make(chan error, 1)}
	c.mu.Lock()
	if c.call != nil {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.call = cl
	c.mu.Unlock()

	offer, err := c.startStack(cl, func(s MediaStack) (json.RawMessage, error) { return s.CreateOffer() })
	if err != nil {
		c.endCall(cl)
		return "", err
	}

	if err := c.send(models.SignalMessage{Type: models.SignalTypeInvite, CalleeID: calleeID, Offer: offer}); err != nil {
		c.endCall(cl)
		return "", err
	}

	select {
	case err := <-cl.ringing:
		if err != nil {
			c.endCall(cl)
			return "", err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return cl.sessionID, nil
	case <-ctx.Done():
		c.endCall(cl)
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}
}

// Accept answers the incoming call.
func (c *Client) Accept() error {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl == nil {
		return ErrNoCall
	}
	if !cl.incoming {
		return ErrNotIncoming
	}

	answer, err := cl.stack.CreateAnswer()
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	return c.send(models.SignalMessage{Type: models.SignalTypeAccept, SessionID: cl.sessionID, Answer: answer})
}

// Reject declines the incoming call.
func (c *Client) Reject() error {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl == nil {
		return ErrNoCall
	}
	if !cl.incoming {
		return ErrNotIncoming
	}

	c.endCall(cl)
	return c.send(models.SignalMessage{Type: models.SignalTypeReject, SessionID: cl.sessionID})
}

// Hangup ends the current call, ringing or active.
func (c *Client) Hangup() error {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl == nil || cl.sessionID == "" {
		return ErrNoCall
	}

	c.endCall(cl)
	return c.send(models.SignalMessage{Type: models.SignalTypeHangup, SessionID: cl.sessionID})
}

// Close drops the connection. The coordinator ends any call in progress.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// startStack creates the call's media stack and its first local description.
func (c *Client) startStack(cl *call, describe func(MediaStack) (json.RawMessage, error)) (json.RawMessage, error) {
	stack, err := c.newStack()
	if err != nil {
		return nil, fmt.Errorf("failed to create media stack: %w", err)
	}
	stack.OnICECandidate(func(cand json.RawMessage) { c.localCandidate(cl, cand) })
	stack.OnConnectionStateChange(func(state string) {
		c.emit(Event{Type: EventMediaState, SessionID: c.SessionID(), PeerID: cl.peerID, Reason: state})
	})

	c.mu.Lock()
	cl.stack = stack
	c.mu.Unlock()

	if describe == nil {
		return nil, nil
	}
	desc, err := describe(stack)
	if err != nil {
		return nil, fmt.Errorf("failed to create description: %w", err)
	}
	return desc, nil
}

func (c *Client) localCandidate(cl *call, cand json.RawMessage) {
	c.candMu.Lock()
	defer c.candMu.Unlock()

	c.mu.Lock()
	if c.call != cl {
		c.mu.Unlock()
		return
	}
	if cl.sessionID == "" {
		cl.pendingLocal = append(cl.pendingLocal, cand)
		c.mu.Unlock()
		return
	}
	id := cl.sessionID
	c.mu.Unlock()

	c.sendCandidate(id, cand)
}

func (c *Client) sendCandidate(sessionID string, cand json.RawMessage) {
	msg := models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: sessionID, Candidate: cand}
	if err := c.send(msg); err != nil {
		c.log.WithError(err).Debug("Failed to send local candidate")
	}
}

// endCall forgets cl if it is still current and releases its media.
func (c *Client) endCall(cl *call) {
	c.mu.Lock()
	if c.call == cl {
		c.call = nil
	}
	stack := cl.stack
	c.mu.Unlock()

	if stack != nil {
		if err := stack.Close(); err != nil {
			c.log.WithError(err).Debug("Failed to close media stack")
		}
	}
}

func (c *Client) send(msg models.SignalMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *Client) emit(ev Event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.WithField("event", ev.Type).Warn("Event buffer full, dropping event")
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		cl := c.call
		c.mu.Unlock()
		if cl != nil {
			c.endCall(cl)
		}
		c.closeOnce.Do(func() { close(c.done) })

		c.eventsMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.eventsMu.Unlock()
	}()

	for {
		var msg models.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("Signaling connection lost")
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeRegistered:
		c.resolveRegister(nil)

	case models.SignalTypeRinging:
		c.onRinging(msg)

	case models.SignalTypeIncomingInvite:
		c.onIncoming(msg)

	case models.SignalTypeAnswered:
		cl := c.current(msg.SessionID)
		if cl == nil {
			return
		}
		if err := cl.stack.SetRemoteDescription(msg.Answer); err != nil {
			c.log.WithError(err).Warn("Failed to apply answer")
		}
		c.emit(Event{Type: EventAnswered, SessionID: msg.SessionID, PeerID: cl.peerID})

	case models.SignalTypeCandidate:
		cl := c.current(msg.SessionID)
		if cl == nil {
			return
		}
		if err := cl.stack.AddICECandidate(msg.Candidate); err != nil {
			c.log.WithError(err).Warn("Failed to add remote candidate")
		}

	case models.SignalTypeReject:
		c.finish(msg, EventRejected)

	case models.SignalTypeNotAnswered:
		c.finish(msg, EventNotAnswered)

	case models.SignalTypeHangup:
		c.finish(msg, EventEnded)

	case models.SignalTypeForcedDisconnect:
		c.emit(Event{Type: EventSuperseded, Reason: msg.Reason})

	case models.SignalTypeError:
		c.onError(msg)

	default:
		c.log.WithField("type", msg.Type).Debug("Ignoring unknown message")
	}
}

// current returns the call for sessionID if it is the one in progress.
func (c *Client) current(sessionID string) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil || c.call.sessionID != sessionID || c.call.stack == nil {
		return nil
	}
	return c.call
}

func (c *Client) resolveRegister(err error) bool {
	c.mu.Lock()
	wait := c.registered
	c.registered = nil
	c.mu.Unlock()
	if wait == nil {
		return false
	}
	wait <- err
	return true
}

func (c *Client) onRinging(msg models.SignalMessage) {
	c.candMu.Lock()
	c.mu.Lock()
	cl := c.call
	if cl == nil || cl.incoming || cl.sessionID != "" {
		c.mu.Unlock()
		c.candMu.Unlock()
		return
	}
	cl.sessionID = msg.SessionID
	pending := cl.pendingLocal
	cl.pendingLocal = nil
	c.mu.Unlock()

	for _, cand := range pending {
		c.sendCandidate(msg.SessionID, cand)
	}
	c.candMu.Unlock()
	cl.ringing <- nil
	c.emit(Event{Type: EventRinging, SessionID: msg.SessionID, PeerID: cl.peerID})
}

func (c *Client) onIncoming(msg models.SignalMessage) {
	cl := &call{sessionID: msg.SessionID, peerID: msg.CallerID, incoming: true}
	c.mu.Lock()
	if c.call != nil {
		c.mu.Unlock()
		c.log.WithField("session_id", msg.SessionID).Warn("Incoming invite while busy")
		_ = c.send(models.SignalMessage{Type: models.SignalTypeReject, SessionID: msg.SessionID})
		return
	}
	c.call = cl
	c.mu.Unlock()

	if _, err := c.startStack(cl, nil); err != nil {
		c.log.WithError(err).Error("Failed to prepare incoming call")
		c.endCall(cl)
		_ = c.send(models.SignalMessage{Type: models.SignalTypeReject, SessionID: msg.SessionID})
		return
	}
	// the offer is applied now so early remote candidates can be added
	if err := cl.stack.SetRemoteDescription(msg.Offer); err != nil {
		c.log.WithError(err).Warn("Failed to apply offer")
		c.endCall(cl)
		_ = c.send(models.SignalMessage{Type: models.SignalTypeReject, SessionID: msg.SessionID})
		return
	}

	c.emit(Event{Type: EventIncoming, SessionID: msg.SessionID, PeerID: msg.CallerID})
}

func (c *Client) finish(msg models.SignalMessage, kind EventType) {
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl == nil || cl.sessionID != msg.SessionID {
		return
	}
	c.endCall(cl)
	c.emit(Event{Type: kind, SessionID: msg.SessionID, PeerID: cl.peerID, Reason: msg.Reason})
}

func (c *Client) onError(msg models.SignalMessage) {
	err := &SignalError{Code: msg.Code, Message: msg.Error, SessionID: msg.SessionID}

	if c.resolveRegister(err) {
		return
	}

	// an invite still waiting for ringing fails with this error
	c.mu.Lock()
	cl := c.call
	c.mu.Unlock()
	if cl != nil && !cl.incoming && cl.sessionID == "" {
		select {
		case cl.ringing <- err:
			return
		default:
		}
	}

	c.emit(Event{Type: EventError, SessionID: msg.SessionID, Err: err})
}
