// Package relay keeps the latest position of every driver and fans each new
// sample out to spectators.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/delivery-relay/internal/bus"
	"github.com/example/delivery-relay/internal/config"
	"github.com/example/delivery-relay/internal/geo"
	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/observability"
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// LocationSink receives accepted samples, e.g. a Kafka producer.
type LocationSink interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

type Options struct {
	Geo        geo.Geo      // optional mirror used for dispatch eligibility
	Sink       LocationSink // optional
	Policy     string       // config.LocationRetain or config.LocationEvict
	StaleAfter time.Duration
	MirrorSize int
	Logger     *slog.Logger
}

type slot struct {
	mu     sync.Mutex // one writer per driver
	sample atomic.Pointer[models.LocationSample]
	stale  *time.Timer
	gone   bool // evicted from the map; writers must fetch a new slot
}

type mirrorOp struct {
	sample   *models.LocationSample
	removeID string
}

// Relay is the last-value cache of driver positions.
type Relay struct {
	pub    bus.Publisher
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	slots map[string]*slot

	mirror chan mirrorOp
	now    func() time.Time
}

func New(pub bus.Publisher, opts Options) *Relay {
	if opts.Policy == "" {
		opts.Policy = config.LocationRetain
	}
	if opts.MirrorSize <= 0 {
		opts.MirrorSize = 1024
	}
	return &Relay{
		pub:    pub,
		opts:   opts,
		logger: logging.Component(opts.Logger, "relay"),
		slots:  make(map[string]*slot),
		mirror: make(chan mirrorOp, opts.MirrorSize),
		now:    time.Now,
	}
}

// ValidateCoordinate checks WGS84 bounds.
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("lat=%v lon=%v: %w", lat, lon, ErrInvalidCoordinate)
	}
	return nil
}

// UpdatePosition overwrites the driver's sample and broadcasts it to every
// spectator. It never waits on spectator sockets.
func (r *Relay) UpdatePosition(ctx context.Context, driverID string, lat, lon float64) (models.LocationSample, error) {
	if err := ValidateCoordinate(lat, lon); err != nil {
		observability.InvalidCoordinates.Inc()
		return models.LocationSample{}, err
	}

	sample := &models.LocationSample{
		DriverID:  driverID,
		Lat:       lat,
		Lon:       lon,
		Timestamp: r.now().UTC(),
		Online:    true,
	}
	s := r.lockSlot(driverID)
	if s.stale != nil {
		s.stale.Stop()
		s.stale = nil
	}
	s.sample.Store(sample)
	s.mu.Unlock()
	observability.LocationUpdates.Inc()

	_, err := r.pub.Publish(bus.ToRoles(models.Spectators...), models.Message{
		Type: models.TypeTruckLocation,
		Payload: models.TruckLocation{
			DriverID:  driverID,
			Lat:       lat,
			Lon:       lon,
			Timestamp: sample.Timestamp,
		},
	})
	if err != nil {
		r.logger.Error("location_broadcast_failed", "driver_id", driverID, "error", err)
	}
	r.enqueueMirror(mirrorOp{sample: sample})
	return *sample, nil
}

// CurrentPosition is a pure read of the cache.
func (r *Relay) CurrentPosition(driverID string) (models.LocationSample, bool) {
	r.mu.RLock()
	s, ok := r.slots[driverID]
	r.mu.RUnlock()
	if !ok {
		return models.LocationSample{}, false
	}
	p := s.sample.Load()
	if p == nil {
		return models.LocationSample{}, false
	}
	return *p, true
}

// DriverDisconnected applies the retention policy once a driver has no
// open socket left.
func (r *Relay) DriverDisconnected(driverID string) {
	r.enqueueMirror(mirrorOp{removeID: driverID})

	if r.opts.Policy == config.LocationEvict {
		r.mu.Lock()
		if s, ok := r.slots[driverID]; ok {
			s.mu.Lock()
			if s.stale != nil {
				s.stale.Stop()
			}
			s.gone = true
			s.mu.Unlock()
			delete(r.slots, driverID)
		}
		observability.DriversTracked.Set(float64(len(r.slots)))
		r.mu.Unlock()
		r.logger.Info("location_evicted", "driver_id", driverID)
		return
	}

	r.mu.RLock()
	s, ok := r.slots[driverID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.sample.Load()
	if cur == nil {
		return
	}
	offline := *cur
	offline.Online = false
	p := &offline
	s.sample.Store(p)
	if s.stale != nil {
		s.stale.Stop()
	}
	s.stale = time.AfterFunc(r.opts.StaleAfter, func() { r.markStale(s, p) })
}

func (r *Relay) markStale(s *slot, expect *models.LocationSample) {
	s.mu.Lock()
	cur := s.sample.Load()
	if cur != expect {
		// the driver came back in the meantime
		s.mu.Unlock()
		return
	}
	stale := *cur
	stale.Stale = true
	s.sample.Store(&stale)
	s.stale = nil
	s.mu.Unlock()

	r.logger.Info("location_stale", "driver_id", stale.DriverID, "last_seen", stale.Timestamp)
	if _, err := r.pub.Publish(bus.ToRoles(models.Spectators...), models.Message{
		Type:    models.TypeTruckLocationStale,
		Payload: models.TruckStale{DriverID: stale.DriverID, LastSeen: stale.Timestamp},
	}); err != nil {
		r.logger.Error("stale_broadcast_failed", "driver_id", stale.DriverID, "error", err)
	}
}

// lockSlot returns the driver's live slot with its mutex held.
func (r *Relay) lockSlot(driverID string) *slot {
	for {
		s := r.slotFor(driverID)
		s.mu.Lock()
		if !s.gone {
			return s
		}
		s.mu.Unlock()
	}
}

func (r *Relay) slotFor(driverID string) *slot {
	r.mu.RLock()
	s, ok := r.slots[driverID]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[driverID]; ok {
		return s
	}
	s = &slot{}
	r.slots[driverID] = s
	observability.DriversTracked.Set(float64(len(r.slots)))
	return s
}

func (r *Relay) enqueueMirror(op mirrorOp) {
	if r.opts.Geo == nil && r.opts.Sink == nil {
		return
	}
	select {
	case r.mirror <- op:
	default:
		r.logger.Warn("mirror_queue_full", "driver_id", op.driverID())
	}
}

func (op mirrorOp) driverID() string {
	if op.sample != nil {
		return op.sample.DriverID
	}
	return op.removeID
}

// Run drains the mirror queue into the geo index and the sink until ctx is
// done, then flushes what is still queued within flushTimeout. Mirror
// failures are logged and dropped.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush(context.WithoutCancel(ctx))
			return
		case op := <-r.mirror:
			r.apply(ctx, op)
		}
	}
}

const flushTimeout = 5 * time.Second

func (r *Relay) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	n := 0
	for {
		select {
		case op := <-r.mirror:
			if ctx.Err() != nil {
				r.logger.Warn("mirror_flush_dropped", "driver_id", op.driverID())
				continue
			}
			r.apply(ctx, op)
			n++
		default:
			if n > 0 {
				r.logger.Info("mirror_flushed", "ops", n)
			}
			return
		}
	}
}

func (r *Relay) apply(ctx context.Context, op mirrorOp) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if op.sample != nil {
		if r.opts.Geo != nil {
			if err := r.opts.Geo.Upsert(ctx, op.sample.DriverID, op.sample.Coord()); err != nil {
				r.logger.Warn("geo_upsert_failed", "driver_id", op.sample.DriverID, "error", err)
			}
		}
		if r.opts.Sink != nil {
			if err := r.opts.Sink.PublishLocation(ctx, *op.sample); err != nil {
				r.logger.Warn("location_sink_failed", "driver_id", op.sample.DriverID, "error", err)
			}
		}
		return
	}
	if r.opts.Geo != nil {
		if err := r.opts.Geo.Remove(ctx, op.removeID); err != nil {
			r.logger.Warn("geo_remove_failed", "driver_id", op.removeID, "error", err)
		}
	}
	if r.opts.Sink != nil {
		// an offline sample tells the consumer to drop the driver
		offline := models.LocationSample{DriverID: op.removeID, Timestamp: r.now().UTC()}
		if err := r.opts.Sink.PublishLocation(ctx, offline); err != nil {
			r.logger.Warn("location_sink_failed", "driver_id", op.removeID, "error", err)
		}
	}
}
