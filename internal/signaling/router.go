package signaling

import (
	"context"
	"time"

	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const directoryTimeout = 2 * time.Second

// Directory receives presence changes and finished calls. It is an external
// collaborator; failures are logged and never affect signaling.
type Directory interface {
	MarkOnline(ctx context.Context, endpointID, connID string) error
	MarkOffline(ctx context.Context, endpointID, connID string) error
	RefreshPresence(ctx context.Context, endpointID, connID string) error
	RecordCall(ctx context.Context, rec models.CallRecord) error
}

type Config struct {
	MessagesPerSecond float64
	MessageBurst      int
	// PresenceRefresh is the least time between presence refreshes of one
	// connection. Zero refreshes on every keep-alive.
	PresenceRefresh time.Duration
}

type Option func(*Router)

func WithDirectory(d Directory) Option {
	return func(r *Router) { r.directory = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithLogger(log *logrus.Entry) Option {
	return func(r *Router) { r.log = log }
}

func WithConfig(cfg Config) Option {
	return func(r *Router) { r.cfg = cfg }
}

// Router dispatches signaling messages between endpoints. It holds no call
// state of its own; everything lives in the registry and the session store.
type Router struct {
	registry  *registry.Registry
	store     *session.Store
	directory Directory
	metrics   *metrics.Metrics
	log       *logrus.Entry
	cfg       Config
}

func NewRouter(reg *registry.Registry, store *session.Store, opts ...Option) *Router {
	r := &Router{
		registry: reg,
		store:    store,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(reg.Len, store.Live)
	}
	store.OnTimeout(r.handleTimeout)
	return r
}

// Attach starts routing for a new connection. identity is the endpoint id
// proven by the connection's token, or "" when the connection is anonymous.
func (r *Router) Attach(conn registry.Conn, identity string) *Peer {
	limit := rate.Inf
	if r.cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(r.cfg.MessagesPerSecond)
	}
	burst := r.cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}

	return &Peer{
		router:   r,
		conn:     conn,
		identity: identity,
		limiter:  rate.NewLimiter(limit, burst),
		log:      r.log.WithField("conn_id", conn.ID()),
	}
}

// deliver sends msg to whatever connection endpointID currently has.
func (r *Router) deliver(endpointID string, msg models.SignalMessage) error {
	conn, err := r.registry.Lookup(endpointID)
	if err != nil {
		return err
	}
	return conn.Send(msg)
}

func (r *Router) notify(endpointID string, msg models.SignalMessage) {
	if err := r.deliver(endpointID, msg); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"endpoint_id": endpointID,
			"session_id":  msg.SessionID,
			"type":        msg.Type,
		}).Warn("Failed to deliver message")
	}
}

func (r *Router) handleTimeout(out session.Outcome) {
	r.notify(out.Session.CallerID, models.SignalMessage{
		Type:      models.SignalTypeNotAnswered,
		SessionID: out.Session.ID,
		CalleeID:  out.Session.CalleeID,
	})
	r.finished(context.Background(), out)
}

// finished records a session that reached a terminal state.
func (r *Router) finished(ctx context.Context, out session.Outcome) {
	snap := out.Session
	r.metrics.ObserveFinished(snap.State.String(), snap.CreatedAt, snap.AnsweredAt, snap.ChangedAt)

	r.log.WithFields(logrus.Fields{
		"session_id": snap.ID,
		"caller_id":  snap.CallerID,
		"callee_id":  snap.CalleeID,
		"state":      snap.State,
		"event":      out.Event,
	}).Info("Session finished")

	if r.directory == nil {
		return
	}
	rec := models.CallRecord{
		SessionID: snap.ID,
		CallerID:  snap.CallerID,
		CalleeID:  snap.CalleeID,
		State:     snap.State.String(),
		CreatedAt: snap.CreatedAt,
		EndedAt:   snap.ChangedAt,
	}
	if !snap.AnsweredAt.IsZero() {
		answered := snap.AnsweredAt
		rec.AnsweredAt = &answered
	}

	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	if err := r.directory.RecordCall(ctx, rec); err != nil {
		r.log.WithError(err).WithField("session_id", snap.ID).Warn("Failed to record call")
	}
}
