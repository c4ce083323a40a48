// Package dispatch owns the lifecycle of urgent-order offers: broadcast to
// eligible drivers, a server-side countdown, and at most one accepting
// driver per offer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-relay/internal/bus"
	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/matcher"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/observability"
)

var (
	ErrDuplicateDispatch = errors.New("order already has a pending offer")
	ErrAlreadyResolved   = errors.New("offer no longer available")
	ErrInvalidTransition = errors.New("invalid offer transition")
	ErrOfferNotFound     = errors.New("no offer for order")
	ErrNotEligible       = errors.New("driver was not offered this order")
	ErrInvalidOrder      = errors.New("order id is required")
)

const DefaultTimeout = 30 * time.Second

// DriverSource lists the identities of connected drivers.
type DriverSource interface {
	Identities(role models.Role) []string
}

// Selector narrows candidate drivers; see matcher.Selector.
type Selector interface {
	Select(ctx context.Context, candidates []string) ([]matcher.Candidate, error)
}

// Recorder persists offers and streams outcomes. Calls happen on the
// coordinator's background worker, in transition order.
type Recorder interface {
	SaveOffer(ctx context.Context, o *models.Offer) error
	UpdateOffer(ctx context.Context, o *models.Offer) error
}

// EventSink receives every offer once it reaches a terminal state.
type EventSink interface {
	PublishOffer(ctx context.Context, o models.Offer) error
}

type Options struct {
	Timeout               time.Duration
	Retention             time.Duration // how long terminal offers answer late accepts
	ExpireWhenAllDeclined bool
	Selector              Selector  // optional
	Store                 Recorder  // optional
	Events                EventSink // optional
	// OnExpired is called after an offer expires without a winner so order
	// management can flag the order for manual assignment. It must not block.
	OnExpired func(models.Offer)
	Logger    *slog.Logger
}

type offer struct {
	mu       sync.Mutex
	o        models.Offer
	declined map[string]struct{}
	timer    *time.Timer
	eta      map[string]matcher.Candidate
}

func (o *offer) snapshot() models.Offer {
	s := o.o
	s.Eligible = append([]string(nil), o.o.Eligible...)
	s.Declined = append([]string(nil), o.o.Declined...)
	return s
}

type recordOp struct {
	offer  models.Offer
	create bool
}

// Coordinator is safe for concurrent use. The offers map lock is held only
// for lookup and insert; state transitions lock the single offer.
type Coordinator struct {
	pub     bus.Publisher
	drivers DriverSource
	opts    Options
	logger  *slog.Logger

	mu     sync.RWMutex
	offers map[models.OrderID]*offer

	records chan recordOp
	now     func() time.Time
}

func New(pub bus.Publisher, drivers DriverSource, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	return &Coordinator{
		pub:     pub,
		drivers: drivers,
		opts:    opts,
		logger:  logging.Component(opts.Logger, "dispatch"),
		offers:  make(map[models.OrderID]*offer),
		records: make(chan recordOp, 1024),
		now:     time.Now,
	}
}

// Offer returns the current (or most recent, while retained) offer for an order.
func (c *Coordinator) Offer(orderID models.OrderID) (models.Offer, bool) {
	o := c.lookup(orderID)
	if o == nil {
		return models.Offer{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot(), true
}

// Dispatch offers order to the connected drivers, restricted to eligible
// when it is non-empty, and starts the countdown.
func (c *Coordinator) Dispatch(ctx context.Context, order models.Order, eligible []string) (models.Offer, error) {
	if order.ID == "" {
		return models.Offer{}, ErrInvalidOrder
	}
	if existing := c.lookup(order.ID); existing != nil && existing.pending() {
		return models.Offer{}, fmt.Errorf("order %s: %w", order.ID, ErrDuplicateDispatch)
	}

	candidates := c.candidates(eligible)
	selected := make([]matcher.Candidate, 0, len(candidates))
	if c.opts.Selector != nil && len(candidates) > 0 {
		var err error
		selected, err = c.opts.Selector.Select(ctx, candidates)
		if err != nil {
			// a broken geo index must not block dispatch; offer to everyone
			c.logger.Warn("selector_failed", "order_id", order.ID, "error", err)
			selected = selected[:0]
			for _, id := range candidates {
				selected = append(selected, matcher.Candidate{DriverID: id})
			}
		}
	} else {
		for _, id := range candidates {
			selected = append(selected, matcher.Candidate{DriverID: id})
		}
	}

	now := c.now().UTC()
	o := &offer{
		o: models.Offer{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			Order:     order,
			State:     models.OfferPending,
			CreatedAt: now,
			Deadline:  now.Add(c.opts.Timeout),
		},
		declined: make(map[string]struct{}),
		eta:      make(map[string]matcher.Candidate, len(selected)),
	}
	for _, cand := range selected {
		o.o.Eligible = append(o.o.Eligible, cand.DriverID)
		o.eta[cand.DriverID] = cand
	}

	c.mu.Lock()
	if existing, ok := c.offers[order.ID]; ok && existing.pending() {
		c.mu.Unlock()
		return models.Offer{}, fmt.Errorf("order %s: %w", order.ID, ErrDuplicateDispatch)
	}
	c.offers[order.ID] = o
	o.mu.Lock()
	c.record(recordOp{offer: o.snapshot(), create: true})
	o.timer = time.AfterFunc(c.opts.Timeout, func() { c.expire(o, "timeout") })
	snap := o.snapshot()
	o.mu.Unlock()
	c.mu.Unlock()

	observability.OffersDispatched.Inc()
	c.logger.Info("offer_dispatched",
		"order_id", order.ID,
		"offer_id", snap.ID,
		"eligible", len(snap.Eligible),
		"deadline", snap.Deadline,
	)

	if len(snap.Eligible) == 0 {
		c.logger.Warn("no_eligible_drivers", "order_id", order.ID)
		if resolved, ok := c.expire(o, "no_eligible_drivers"); ok {
			return resolved, nil
		}
		return c.mustSnapshot(o), nil
	}

	c.announce(o, snap)
	return snap, nil
}

// Accept resolves the race for an offer. Exactly one driver gets a nil
// error; everyone else gets ErrAlreadyResolved and an explicit rejection.
func (c *Coordinator) Accept(ctx context.Context, orderID models.OrderID, driverID string) (models.Offer, error) {
	o := c.lookup(orderID)
	if o == nil {
		c.reject(driverID, orderID, "not_found", ErrOfferNotFound)
		return models.Offer{}, fmt.Errorf("order %s: %w", orderID, ErrOfferNotFound)
	}

	o.mu.Lock()
	if o.o.State.Terminal() {
		snap := o.snapshot()
		o.mu.Unlock()
		c.reject(driverID, orderID, "already_resolved", ErrAlreadyResolved)
		return snap, fmt.Errorf("order %s is %s: %w", orderID, snap.State, ErrAlreadyResolved)
	}
	if !o.o.IsEligible(driverID) {
		o.mu.Unlock()
		c.reject(driverID, orderID, "not_eligible", ErrNotEligible)
		return models.Offer{}, fmt.Errorf("order %s: %w", orderID, ErrNotEligible)
	}
	snap := c.transitionLocked(o, models.OfferAccepted, driverID)
	o.mu.Unlock()

	observability.AcceptLatency.Observe(snap.ResolvedAt.Sub(snap.CreatedAt).Seconds())
	c.logger.Info("offer_accepted", "order_id", orderID, "offer_id", snap.ID, "driver_id", driverID)

	c.publish(bus.ToRoles(models.RoleAdmin).And(bus.ToMembers(models.RoleCustomer, snap.Order.CustomerID)), models.Message{
		Type:    models.TypeOrderAccepted,
		Payload: models.OrderAccepted{OrderID: orderID, DriverID: driverID},
	})
	c.closeForDrivers(snap, driverID)
	c.afterTerminal(o, snap)
	return snap, nil
}

// Decline records that a driver passed. The offer stays open for others
// unless every eligible driver declined and early expiry is enabled.
func (c *Coordinator) Decline(ctx context.Context, orderID models.OrderID, driverID string) (models.Offer, error) {
	o := c.lookup(orderID)
	if o == nil {
		return models.Offer{}, fmt.Errorf("order %s: %w", orderID, ErrOfferNotFound)
	}
	o.mu.Lock()
	if o.o.State.Terminal() {
		snap := o.snapshot()
		o.mu.Unlock()
		return snap, fmt.Errorf("order %s is %s: %w", orderID, snap.State, ErrAlreadyResolved)
	}
	if !o.o.IsEligible(driverID) {
		o.mu.Unlock()
		return models.Offer{}, fmt.Errorf("order %s: %w", orderID, ErrNotEligible)
	}
	if _, dup := o.declined[driverID]; !dup {
		o.declined[driverID] = struct{}{}
		o.o.Declined = append(o.o.Declined, driverID)
	}
	allDeclined := len(o.declined) == len(o.o.Eligible)
	c.logger.Info("offer_declined", "order_id", orderID, "driver_id", driverID, "declined", len(o.declined), "eligible", len(o.o.Eligible))
	if !(allDeclined && c.opts.ExpireWhenAllDeclined) {
		snap := o.snapshot()
		o.mu.Unlock()
		return snap, nil
	}
	snap := c.transitionLocked(o, models.OfferExpired, "")
	o.mu.Unlock()

	c.onExpired(o, snap, "all_declined")
	return snap, nil
}

// Cancel withdraws a pending offer.
func (c *Coordinator) Cancel(ctx context.Context, orderID models.OrderID) (models.Offer, error) {
	o := c.lookup(orderID)
	if o == nil {
		return models.Offer{}, fmt.Errorf("order %s: %w", orderID, ErrOfferNotFound)
	}
	o.mu.Lock()
	if o.o.State.Terminal() {
		snap := o.snapshot()
		o.mu.Unlock()
		return snap, fmt.Errorf("cancel %s offer for order %s: %w", snap.State, orderID, ErrInvalidTransition)
	}
	snap := c.transitionLocked(o, models.OfferCanceled, "")
	o.mu.Unlock()

	c.logger.Info("offer_cancelled", "order_id", orderID, "offer_id", snap.ID)
	closed := models.OfferClosed{OrderID: orderID, OfferID: snap.ID, State: snap.State}
	c.publish(bus.ToRoles(models.RoleAdmin).And(bus.ToMembers(models.RoleDriver, snap.Eligible...)), models.Message{
		Type:    models.TypeUrgentOrderCanceled,
		Payload: closed,
	})
	c.afterTerminal(o, snap)
	return snap, nil
}

// expire is the countdown path. It is a no-op once the offer is terminal.
func (c *Coordinator) expire(o *offer, reason string) (models.Offer, bool) {
	o.mu.Lock()
	if o.o.State.Terminal() {
		o.mu.Unlock()
		return models.Offer{}, false
	}
	snap := c.transitionLocked(o, models.OfferExpired, "")
	o.mu.Unlock()
	c.onExpired(o, snap, reason)
	return snap, true
}

func (c *Coordinator) onExpired(o *offer, snap models.Offer, reason string) {
	c.logger.Info("offer_expired", "order_id", snap.OrderID, "offer_id", snap.ID, "reason", reason)
	c.publish(bus.ToRoles(models.RoleAdmin), models.Message{
		Type:    models.TypeUrgentOrderExpired,
		Payload: models.OfferClosed{OrderID: snap.OrderID, OfferID: snap.ID, State: snap.State},
	})
	c.closeForDrivers(snap, "")
	if c.opts.OnExpired != nil {
		c.opts.OnExpired(snap)
	}
	c.afterTerminal(o, snap)
}

// transitionLocked moves a pending offer to a terminal state. o.mu is held.
func (c *Coordinator) transitionLocked(o *offer, state models.OfferState, winner string) models.Offer {
	o.o.State = state
	o.o.WinnerID = winner
	o.o.ResolvedAt = c.now().UTC()
	if o.timer != nil {
		o.timer.Stop()
	}
	snap := o.snapshot()
	c.record(recordOp{offer: snap})
	observability.OfferOutcomes.WithLabelValues(string(state)).Inc()
	return snap
}

// afterTerminal drops the offer from memory once the retention window passes.
func (c *Coordinator) afterTerminal(o *offer, snap models.Offer) {
	time.AfterFunc(c.opts.Retention, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.offers[snap.OrderID] == o {
			delete(c.offers, snap.OrderID)
		}
	})
}

func (c *Coordinator) announce(o *offer, snap models.Offer) {
	for _, id := range snap.Eligible {
		cand := o.eta[id]
		c.publish(bus.ToMembers(models.RoleDriver, id), models.Message{
			Type: models.TypeNewUrgentOrder,
			Payload: models.UrgentOrderOffer{
				Order:      snap.Order,
				OfferID:    snap.ID,
				ExpiresAt:  snap.Deadline,
				ETASeconds: cand.ETASeconds,
				DistanceM:  cand.DistanceM,
			},
		})
	}
	c.publish(bus.ToRoles(models.RoleAdmin), models.Message{
		Type:    models.TypeNewUrgentOrder,
		Payload: models.UrgentOrderOffer{Order: snap.Order, OfferID: snap.ID, ExpiresAt: snap.Deadline},
	})
}

func (c *Coordinator) closeForDrivers(snap models.Offer, except string) {
	others := make([]string, 0, len(snap.Eligible))
	for _, id := range snap.Eligible {
		if id != except {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return
	}
	c.publish(bus.ToMembers(models.RoleDriver, others...), models.Message{
		Type:    models.TypeUrgentOrderClosed,
		Payload: models.OfferClosed{OrderID: snap.OrderID, OfferID: snap.ID, State: snap.State},
	})
}

func (c *Coordinator) reject(driverID string, orderID models.OrderID, reason string, err error) {
	observability.AcceptRejections.WithLabelValues(reason).Inc()
	c.logger.Info("accept_rejected", "order_id", orderID, "driver_id", driverID, "reason", reason)
	c.publish(bus.ToMembers(models.RoleDriver, driverID), models.Message{
		Type:    models.TypeOrderAcceptRejected,
		Payload: models.OrderRejected{OrderID: orderID, Reason: err.Error()},
	})
}

func (c *Coordinator) publish(aud bus.Audience, msg models.Message) {
	if _, err := c.pub.Publish(aud, msg); err != nil {
		c.logger.Error("publish_failed", "type", msg.Type, "error", err)
	}
}

func (c *Coordinator) candidates(eligible []string) []string {
	connected := c.drivers.Identities(models.RoleDriver)
	sort.Strings(connected)
	if len(eligible) == 0 {
		return connected
	}
	want := make(map[string]struct{}, len(eligible))
	for _, id := range eligible {
		want[id] = struct{}{}
	}
	out := connected[:0]
	for _, id := range connected {
		if _, ok := want[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) lookup(orderID models.OrderID) *offer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offers[orderID]
}

func (c *Coordinator) mustSnapshot(o *offer) models.Offer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot()
}

func (o *offer) pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.o.State == models.OfferPending
}

func (c *Coordinator) record(op recordOp) {
	if c.opts.Store == nil && c.opts.Events == nil {
		return
	}
	select {
	case c.records <- op:
	default:
		c.logger.Warn("offer_record_dropped", "order_id", op.offer.OrderID, "state", op.offer.State)
	}
}

// Run drains persistence and event writes until ctx is done. Writes still
// queued at that point are flushed before Run returns.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush(context.WithoutCancel(ctx))
			return
		case op := <-c.records:
			c.write(ctx, op)
		}
	}
}

func (c *Coordinator) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		select {
		case op := <-c.records:
			if ctx.Err() != nil {
				c.logger.Warn("offer_record_dropped", "order_id", op.offer.OrderID, "state", op.offer.State)
				continue
			}
			c.write(ctx, op)
		default:
			return
		}
	}
}

func (c *Coordinator) write(ctx context.Context, op recordOp) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if c.opts.Store != nil {
		var err error
		if op.create {
			err = c.opts.Store.SaveOffer(ctx, &op.offer)
		} else {
			err = c.opts.Store.UpdateOffer(ctx, &op.offer)
		}
		if err != nil {
			c.logger.Error("offer_store_failed", "order_id", op.offer.OrderID, "offer_id", op.offer.ID, "error", err)
		}
	}
	if c.opts.Events != nil && op.offer.State.Terminal() {
		if err := c.opts.Events.PublishOffer(ctx, op.offer); err != nil {
			c.logger.Warn("offer_event_failed", "order_id", op.offer.OrderID, "error", err)
		}
	}
}

// Close stops every pending countdown. Pending offers stay pending.
func (c *Coordinator) Close() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, o := range c.offers {
		o.mu.Lock()
		if o.timer != nil {
			o.timer.Stop()
		}
		o.mu.Unlock()
	}
}
