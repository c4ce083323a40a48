// Package registry tracks every live socket and the role and identity it
// was opened with.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/observability"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBackpressure     = errors.New("send queue full")
)

const defaultSendBuffer = 64

// Connection is one live socket. Outbound frames are queued and drained by
// the transport's writer; Enqueue never blocks.
type Connection struct {
	ID          string
	Role        models.Role
	Identity    string
	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Enqueue hands a pre-encoded frame to the connection's writer.
func (c *Connection) Enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrBackpressure
	}
}

// Outbound is drained by the socket writer.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Done is closed once the registry has dropped the connection.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Alive reports whether the connection is still registered.
func (c *Connection) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Connection) close() { c.closeOnce.Do(func() { close(c.done) }) }

// DisconnectFunc is called when an identity no longer has any connection.
type DisconnectFunc func(role models.Role, identity string)

// member is the address of an identified connection. Identities are scoped
// by role: a customer and a driver sharing a phone number are distinct.
type member struct {
	role     models.Role
	identity string
}

// Registry holds connections by id and by (role, identity).
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Connection
	byIdentity map[member]*Connection

	listenersMu sync.RWMutex
	listeners   []DisconnectFunc

	sendBuffer int
	logger     *slog.Logger
}

func New(sendBuffer int, logger *slog.Logger) *Registry {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Registry{
		conns:      make(map[string]*Connection),
		byIdentity: make(map[member]*Connection),
		sendBuffer: sendBuffer,
		logger:     logging.Component(logger, "registry"),
	}
}

// OnDisconnect registers fn to run after the last connection of an
// identity goes away. Anonymous connections never trigger it.
func (r *Registry) OnDisconnect(fn DisconnectFunc) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register adds a connection. A previous connection with the same role and
// identity is dropped and closed: the newest socket wins. The same identity
// under a different role never evicts anything.
func (r *Registry) Register(role models.Role, identity string) *Connection {
	c := &Connection{
		ID:          uuid.NewString(),
		Role:        role,
		Identity:    identity,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, r.sendBuffer),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	var evicted *Connection
	if identity != "" {
		key := member{role, identity}
		if old, ok := r.byIdentity[key]; ok {
			delete(r.conns, old.ID)
			evicted = old
		}
		r.byIdentity[key] = c
	}
	r.conns[c.ID] = c
	r.mu.Unlock()

	observability.ConnectionsActive.WithLabelValues(string(role)).Inc()
	if evicted != nil {
		evicted.close()
		observability.ConnectionsActive.WithLabelValues(string(evicted.Role)).Dec()
		observability.ConnectionsEvicted.Inc()
		r.logger.Info("connection_replaced", "identity", identity, "old_conn_id", evicted.ID, "conn_id", c.ID)
	}
	r.logger.Debug("connection_registered", "conn_id", c.ID, "role", role, "identity", identity)
	return c
}

// Unregister removes the connection. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	lastForIdentity := false
	key := member{c.Role, c.Identity}
	if c.Identity != "" && r.byIdentity[key] == c {
		delete(r.byIdentity, key)
		lastForIdentity = true
	}
	r.mu.Unlock()

	c.close()
	observability.ConnectionsActive.WithLabelValues(string(c.Role)).Dec()
	r.logger.Debug("connection_unregistered", "conn_id", id, "role", c.Role, "identity", c.Identity)

	if lastForIdentity {
		r.listenersMu.RLock()
		listeners := append([]DisconnectFunc(nil), r.listeners...)
		r.listenersMu.RUnlock()
		for _, fn := range listeners {
			fn(c.Role, c.Identity)
		}
	}
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// FindByRole returns a snapshot of the connections holding any of roles.
func (r *Registry) FindByRole(roles ...models.Role) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		for _, role := range roles {
			if c.Role == role {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Find returns the connection of identity under role.
func (r *Registry) Find(role models.Role, identity string) (*Connection, bool) {
	if identity == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byIdentity[member{role, identity}]
	return c, ok
}

// FindByIdentity returns the connections of identity under any role.
func (r *Registry) FindByIdentity(identity string) []*Connection {
	if identity == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for key, c := range r.byIdentity {
		if key.identity == identity {
			out = append(out, c)
		}
	}
	return out
}

// Identities returns the identities currently connected with role.
func (r *Registry) Identities(role models.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for key := range r.byIdentity {
		if key.role == role {
			out = append(out, key.identity)
		}
	}
	return out
}

func (r *Registry) Count(role models.Role) int {
	return len(r.FindByRole(role))
}
