// Package bus delivers typed messages to a selected audience of sockets
// without callers holding socket handles.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/observability"
	"github.com/example/delivery-relay/internal/registry"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// UnreachableConnectionError reports a connection that could not take a frame.
type UnreachableConnectionError struct {
	ConnID string
	Err    error
}

func (e *UnreachableConnectionError) Error() string {
	return fmt.Sprintf("connection %s unreachable: %v", e.ConnID, e.Err)
}

func (e *UnreachableConnectionError) Unwrap() error { return e.Err }

// Audience selects connections by role, identity or connection id. A
// connection matching any criterion is included once. Identities match under
// every role; Members match an identity under one role only.
type Audience struct {
	Roles      []models.Role
	Identities []string
	Members    []Member
	ConnIDs    []string
}

// Member addresses one identity under one role.
type Member struct {
	Role     models.Role
	Identity string
}

func ToRoles(roles ...models.Role) Audience { return Audience{Roles: roles} }

func ToIdentities(ids ...string) Audience { return Audience{Identities: ids} }

// ToMembers addresses ids under role, e.g. drivers by phone number.
func ToMembers(role models.Role, ids ...string) Audience {
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, Member{Role: role, Identity: id})
	}
	return Audience{Members: members}
}

func ToConnection(id string) Audience { return Audience{ConnIDs: []string{id}} }

// And returns an audience matching either a or b.
func (a Audience) And(b Audience) Audience {
	return Audience{
		Roles:      append(append([]models.Role(nil), a.Roles...), b.Roles...),
		Identities: append(append([]string(nil), a.Identities...), b.Identities...),
		Members:    append(append([]Member(nil), a.Members...), b.Members...),
		ConnIDs:    append(append([]string(nil), a.ConnIDs...), b.ConnIDs...),
	}
}

// Publisher is what the relay and coordinator depend on.
type Publisher interface {
	Publish(aud Audience, msg models.Message) (int, error)
}

// Bus fans messages out through the connection registry.
type Bus struct {
	reg    *registry.Registry
	logger *slog.Logger
	// cleanup runs for unreachable connections; defaults to an async Unregister.
	cleanup func(connID string)
}

func New(reg *registry.Registry, logger *slog.Logger) *Bus {
	b := &Bus{reg: reg, logger: logging.Component(logger, "bus")}
	b.cleanup = func(id string) { go reg.Unregister(id) }
	return b
}

// Publish enqueues msg to every connection matching aud at call time and
// returns how many accepted it. Per-connection failures are logged and the
// connection is scheduled for removal; they never fail the call.
func (b *Bus) Publish(aud Audience, msg models.Message) (int, error) {
	if !models.IsOutbound(msg.Type) {
		return 0, fmt.Errorf("%q: %w", msg.Type, ErrUnknownMessageType)
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	delivered := 0
	for _, c := range b.resolve(aud) {
		if err := c.Enqueue(frame); err != nil {
			b.unreachable(c, msg.Type, err)
			continue
		}
		delivered++
	}
	observability.MessagesPublished.WithLabelValues(string(msg.Type)).Add(float64(delivered))
	return delivered, nil
}

func (b *Bus) resolve(aud Audience) []*registry.Connection {
	seen := make(map[string]struct{})
	var out []*registry.Connection
	add := func(c *registry.Connection) {
		if _, ok := seen[c.ID]; ok {
			return
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	if len(aud.Roles) > 0 {
		for _, c := range b.reg.FindByRole(aud.Roles...) {
			add(c)
		}
	}
	for _, id := range aud.Identities {
		for _, c := range b.reg.FindByIdentity(id) {
			add(c)
		}
	}
	for _, m := range aud.Members {
		if c, ok := b.reg.Find(m.Role, m.Identity); ok {
			add(c)
		}
	}
	for _, id := range aud.ConnIDs {
		if c, ok := b.reg.Get(id); ok {
			add(c)
		}
	}
	return out
}

func (b *Bus) unreachable(c *registry.Connection, t models.MessageType, err error) {
	uerr := &UnreachableConnectionError{ConnID: c.ID, Err: err}
	reason := "closed"
	if errors.Is(err, registry.ErrBackpressure) {
		reason = "backpressure"
	}
	observability.DeliveryFailures.WithLabelValues(reason).Inc()
	b.logger.Warn("delivery_failed",
		"conn_id", c.ID,
		"role", c.Role,
		"identity", c.Identity,
		"type", t,
		"error", uerr,
	)
	b.cleanup(c.ID)
}
