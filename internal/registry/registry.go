package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
)

// ErrEndpointOffline is returned when no connection is bound to an endpoint.
var ErrEndpointOffline = errors.New("endpoint offline")

// Conn is a live signaling connection as seen by the coordinator.
type Conn interface {
	// ID is unique per connection, not per endpoint.
	ID() string
	// Send queues a message without blocking.
	Send(msg models.SignalMessage) error
	// Close flushes queued messages and closes the connection.
	Close()
}

// Endpoint is a registered identity and its current connection.
type Endpoint struct {
	ID           string
	Conn         Conn
	RegisteredAt time.Time
}

// Registry maps endpoint ids to their newest connection.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	now       func() time.Time
}

func New() *Registry {
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		now:       time.Now,
	}
}

// Register binds endpointID to conn. An older connection bound to the same id
// is replaced, told to disconnect and closed; it is returned for logging.
func (r *Registry) Register(endpointID string, conn Conn) Conn {
	r.mu.Lock()
	var old Conn
	if ep, ok := r.endpoints[endpointID]; ok && ep.Conn.ID() != conn.ID() {
		old = ep.Conn
	}
	r.endpoints[endpointID] = &Endpoint{
		ID:           endpointID,
		Conn:         conn,
		RegisteredAt: r.now(),
	}
	r.mu.Unlock()

	if old != nil {
		_ = old.Send(models.SignalMessage{
			Type:       models.SignalTypeForcedDisconnect,
			EndpointID: endpointID,
			Reason:     models.ReasonSuperseded,
		})
		old.Close()
	}
	return old
}

// Unregister removes the binding only if conn is still the bound connection.
// It reports whether the binding was removed.
func (r *Registry) Unregister(endpointID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[endpointID]
	if !ok || ep.Conn.ID() != conn.ID() {
		return false
	}
	delete(r.endpoints, endpointID)
	return true
}

// Lookup returns the connection bound to endpointID.
func (r *Registry) Lookup(endpointID string) (Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[endpointID]
	if !ok {
		return nil, ErrEndpointOffline
	}
	return ep.Conn, nil
}

// IsRegistered reports whether endpointID has a live connection.
func (r *Registry) IsRegistered(endpointID string) bool {
	_, err := r.Lookup(endpointID)
	return err == nil
}

// Get returns a copy of the endpoint entry.
func (r *Registry) Get(endpointID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[endpointID]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
