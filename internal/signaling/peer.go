package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Peer is the router's view of one connection. Handle must be called from a
// single goroutine, which keeps that connection's messages in arrival order.
type Peer struct {
	router     *Router
	conn       registry.Conn
	identity   string
	endpointID string
	limiter    *rate.Limiter
	log        *logrus.Entry
	refreshed  time.Time
}

// EndpointID returns the identity this connection registered as, if any.
func (p *Peer) EndpointID() string {
	return p.endpointID
}

// Handle routes one inbound frame.
func (p *Peer) Handle(ctx context.Context, data []byte) {
	if !p.limiter.Allow() {
		p.fail(models.CodeRateLimited, "", errors.New("too many messages"))
		return
	}

	msg, err := models.ParseSignalMessage(data)
	if err != nil {
		p.log.WithError(err).Debug("Rejected malformed message")
		p.fail(models.CodeProtocolError, msg.SessionID, err)
		return
	}
	p.router.metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()

	if msg.Type != models.SignalTypeRegister {
		if p.endpointID == "" {
			p.fail(models.CodeNotRegistered, msg.SessionID, errors.New("register before signaling"))
			return
		}
		if !p.current() {
			p.log.WithField("type", msg.Type).Debug("Dropping message from superseded connection")
			return
		}
	}

	switch msg.Type {
	case models.SignalTypeRegister:
		p.register(ctx, msg)
	case models.SignalTypeInvite:
		p.invite(ctx, msg)
	case models.SignalTypeAccept:
		p.accept(msg)
	case models.SignalTypeReject:
		p.terminate(ctx, msg, session.EventReject)
	case models.SignalTypeHangup:
		p.terminate(ctx, msg, session.EventHangup)
	case models.SignalTypeCandidate:
		p.candidate(msg)
	}
}

// Close reports the connection gone. If it was still the endpoint's current
// connection, the endpoint's call is ended and the other party told once.
func (p *Peer) Close() {
	if p.endpointID == "" {
		return
	}
	r := p.router
	log := p.log.WithField("endpoint_id", p.endpointID)

	if !r.registry.Unregister(p.endpointID, p.conn) {
		log.Debug("Superseded connection closed")
		return
	}
	log.Info("Endpoint disconnected")

	ctx := context.Background()
	if r.directory != nil {
		dctx, cancel := context.WithTimeout(ctx, directoryTimeout)
		if err := r.directory.MarkOffline(dctx, p.endpointID, p.conn.ID()); err != nil {
			log.WithError(err).Warn("Failed to clear presence")
		}
		cancel()
	}

	for _, out := range r.store.EndAllFor(p.endpointID) {
		r.notify(out.Session.Peer(p.endpointID), models.SignalMessage{
			Type:      models.SignalTypeHangup,
			SessionID: out.Session.ID,
			Reason:    models.ReasonDisconnected,
		})
		r.finished(ctx, out)
	}
}

// KeepAlive tells the router the connection answered a heartbeat. The
// endpoint's presence is refreshed, at most once per PresenceRefresh, while
// this is still its current connection. Call it from the goroutine that
// calls Handle.
func (p *Peer) KeepAlive(ctx context.Context) {
	r := p.router
	if p.endpointID == "" || r.directory == nil {
		return
	}
	if time.Since(p.refreshed) < r.cfg.PresenceRefresh || !p.current() {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	if err := r.directory.RefreshPresence(dctx, p.endpointID, p.conn.ID()); err != nil {
		p.log.WithError(err).Warn("Failed to refresh presence")
		return
	}
	p.refreshed = time.Now()
}

func (p *Peer) current() bool {
	conn, err := p.router.registry.Lookup(p.endpointID)
	return err == nil && conn.ID() == p.conn.ID()
}

func (p *Peer) register(ctx context.Context, msg models.SignalMessage) {
	r := p.router
	id := msg.EndpointID

	if p.identity != "" && id != p.identity {
		p.fail(models.CodeForbidden, "", fmt.Errorf("token does not grant endpoint %q", id))
		return
	}
	if p.endpointID != "" && p.endpointID != id {
		p.fail(models.CodeProtocolError, "", fmt.Errorf("connection already registered as %q", p.endpointID))
		return
	}

	if old := r.registry.Register(id, p.conn); old != nil {
		r.metrics.SupersededTotal.Inc()
		p.log.WithFields(logrus.Fields{
			"endpoint_id": id,
			"old_conn_id": old.ID(),
		}).Info("Registration superseded an older connection")
	}
	p.endpointID = id
	p.log = p.log.WithField("endpoint_id", id)
	p.log.Info("Endpoint registered")

	if r.directory != nil {
		dctx, cancel := context.WithTimeout(ctx, directoryTimeout)
		if err := r.directory.MarkOnline(dctx, id, p.conn.ID()); err != nil {
			p.log.WithError(err).Warn("Failed to publish presence")
		} else {
			p.refreshed = time.Now()
		}
		cancel()
	}

	p.send(models.SignalMessage{Type: models.SignalTypeRegistered, EndpointID: id})
}

func (p *Peer) invite(ctx context.Context, msg models.SignalMessage) {
	r := p.router

	snap, err := r.store.CreateSession(p.endpointID, msg.CalleeID, msg.Offer)
	switch {
	case errors.Is(err, session.ErrCalleeOffline):
		p.fail(models.CodeCalleeOffline, "", err)
		return
	case errors.Is(err, session.ErrAlreadyInSession):
		p.fail(models.CodeAlreadyInSession, "", err)
		return
	case err != nil:
		p.fail(models.CodeProtocolError, "", err)
		return
	}

	err = r.deliver(snap.CalleeID, models.SignalMessage{
		Type:      models.SignalTypeIncomingInvite,
		SessionID: snap.ID,
		CallerID:  snap.CallerID,
		Offer:     msg.Offer,
	})
	if err != nil {
		// The callee went away between the presence check and delivery.
		if out, terr := r.store.Transition(snap.ID, session.Event{Kind: session.EventDisconnect, Actor: snap.CalleeID}); terr == nil {
			r.finished(ctx, out)
		}
		p.fail(models.CodeCalleeOffline, snap.ID, fmt.Errorf("%w: %v", session.ErrCalleeOffline, err))
		return
	}

	p.log.WithFields(logrus.Fields{
		"session_id": snap.ID,
		"callee_id":  snap.CalleeID,
	}).Info("Invite delivered")
	p.send(models.SignalMessage{
		Type:      models.SignalTypeRinging,
		SessionID: snap.ID,
		CalleeID:  snap.CalleeID,
	})
}

func (p *Peer) accept(msg models.SignalMessage) {
	r := p.router

	out, err := r.store.Transition(msg.SessionID, session.Event{
		Kind:   session.EventAccept,
		Actor:  p.endpointID,
		Answer: msg.Answer,
	})
	if err != nil {
		p.rejected(msg, err)
		return
	}

	caller := out.Session.CallerID
	delivered := p.forward(caller, models.SignalMessage{
		Type:      models.SignalTypeAnswered,
		SessionID: out.Session.ID,
		Answer:    msg.Answer,
	})
	for _, c := range out.Flushed {
		if !delivered {
			break
		}
		delivered = p.forward(caller, models.SignalMessage{
			Type:      models.SignalTypeCandidate,
			SessionID: out.Session.ID,
			From:      p.endpointID,
			Candidate: c,
		})
	}
	p.log.WithFields(logrus.Fields{
		"session_id": out.Session.ID,
		"flushed":    len(out.Flushed),
	}).Info("Call answered")
}

func (p *Peer) terminate(ctx context.Context, msg models.SignalMessage, kind session.EventKind) {
	r := p.router

	out, err := r.store.Transition(msg.SessionID, session.Event{Kind: kind, Actor: p.endpointID})
	if err != nil {
		p.rejected(msg, err)
		return
	}

	notice := models.SignalMessage{Type: msg.Type, SessionID: out.Session.ID}
	if kind == session.EventHangup {
		notice.Reason = models.ReasonHangup
	}
	r.notify(out.Session.Peer(p.endpointID), notice)
	r.finished(ctx, out)
}

func (p *Peer) candidate(msg models.SignalMessage) {
	r := p.router

	to, deliver, err := r.store.RelayCandidate(msg.SessionID, p.endpointID, msg.Candidate)
	if err != nil {
		p.rejected(msg, err)
		return
	}
	for _, c := range deliver {
		ok := p.forward(to, models.SignalMessage{
			Type:      models.SignalTypeCandidate,
			SessionID: msg.SessionID,
			From:      p.endpointID,
			Candidate: c,
		})
		if !ok {
			return
		}
	}
}

// forward relays msg to the other party of the sender's session. When that
// party has no connection the sender gets endpoint_offline and false is
// returned; other send failures are only logged.
func (p *Peer) forward(to string, msg models.SignalMessage) bool {
	err := p.router.deliver(to, msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, registry.ErrEndpointOffline):
		p.log.WithFields(logrus.Fields{
			"session_id": msg.SessionID,
			"to":         to,
			"type":       msg.Type,
		}).Warn("Other party is offline")
		p.fail(models.CodeEndpointOffline, msg.SessionID, fmt.Errorf("%w: %s", err, to))
		return false
	default:
		p.log.WithError(err).WithFields(logrus.Fields{
			"session_id": msg.SessionID,
			"to":         to,
			"type":       msg.Type,
		}).Warn("Failed to deliver message")
		return true
	}
}

// rejected handles a session-level failure. Only the sender hears about it;
// late messages for unknown sessions are dropped.
func (p *Peer) rejected(msg models.SignalMessage, err error) {
	log := p.log.WithError(err).WithFields(logrus.Fields{
		"session_id": msg.SessionID,
		"type":       msg.Type,
	})

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		log.Debug("Dropping message for unknown session")
		p.router.metrics.ErrorsTotal.WithLabelValues("session_not_found").Inc()
	case errors.Is(err, session.ErrInvalidTransition):
		log.Warn("Ignoring out-of-order message")
		p.fail(models.CodeInvalidTransition, msg.SessionID, err)
	case errors.Is(err, session.ErrNotParticipant):
		log.Warn("Endpoint acted on a session it does not own")
		p.fail(models.CodeForbidden, msg.SessionID, err)
	case errors.Is(err, session.ErrCandidateQueueFull):
		log.Warn("Dropping candidate")
		p.fail(models.CodeCandidateOverflow, msg.SessionID, err)
	default:
		log.Error("Unexpected session error")
		p.fail(models.CodeInternal, msg.SessionID, err)
	}
}

func (p *Peer) fail(code, sessionID string, err error) {
	p.router.metrics.ErrorsTotal.WithLabelValues(code).Inc()
	p.send(models.ErrorMessage(code, sessionID, err.Error()))
}

func (p *Peer) send(msg models.SignalMessage) {
	if err := p.conn.Send(msg); err != nil {
		p.log.WithError(err).WithField("type", msg.Type).Warn("Failed to send message")
	}
}
