package relay

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-relay/internal/bus"
	"github.com/example/delivery-relay/internal/config"
	"github.com/example/delivery-relay/internal/geo"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/registry"
)

func setup(t *testing.T, opts Options) (*Relay, *registry.Registry) {
	t.Helper()
	reg := registry.New(16, nil)
	return New(bus.New(reg, nil), opts), reg
}

func next(t *testing.T, c *registry.Connection) models.Envelope {
	t.Helper()
	select {
	case frame := <-c.Outbound():
		var env models.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	return models.Envelope{}
}

func TestUpdatePositionBroadcastsToSpectators(t *testing.T) {
	r, reg := setup(t, Options{})
	s1 := reg.Register(models.RoleCustomer, "c1")
	admin := reg.Register(models.RoleAdmin, "a1")
	driver := reg.Register(models.RoleDriver, "D1")

	sample, err := r.UpdatePosition(context.Background(), "D1", 23.18, 75.79)
	require.NoError(t, err)
	assert.True(t, sample.Online)

	for _, c := range []*registry.Connection{s1, admin} {
		env := next(t, c)
		assert.Equal(t, models.TypeTruckLocation, env.Type)
		var p models.TruckLocation
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, 23.18, p.Lat)
		assert.Equal(t, 75.79, p.Lon)
		assert.Equal(t, "D1", p.DriverID)
	}
	assert.Len(t, driver.Outbound(), 0)

	// S2 joins after the update: no replay.
	s2 := reg.Register(models.RoleCustomer, "c2")
	assert.Len(t, s2.Outbound(), 0)

	_, err = r.UpdatePosition(context.Background(), "D1", 23.181, 75.791)
	require.NoError(t, err)
	assert.Equal(t, models.TypeTruckLocation, next(t, s2).Type)
}

func TestUpdatePositionRejectsOutOfRange(t *testing.T) {
	r, reg := setup(t, Options{})
	spectator := reg.Register(models.RoleCustomer, "")

	_, err := r.UpdatePosition(context.Background(), "D1", 23.18, 75.79)
	require.NoError(t, err)
	next(t, spectator)

	cases := []struct{ lat, lon float64 }{
		{91, 0}, {-90.5, 0}, {0, 180.1}, {0, -181}, {math.NaN(), 0},
	}
	for _, tc := range cases {
		_, err := r.UpdatePosition(context.Background(), "D1", tc.lat, tc.lon)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "lat=%v lon=%v", tc.lat, tc.lon)
	}

	got, ok := r.CurrentPosition("D1")
	require.True(t, ok)
	assert.Equal(t, 23.18, got.Lat)
	assert.Equal(t, 75.79, got.Lon)
	assert.Len(t, spectator.Outbound(), 0, "rejected samples are not broadcast")

	_, ok = r.CurrentPosition("ghost")
	assert.False(t, ok)
}

func TestBoundaryCoordinatesAccepted(t *testing.T) {
	r, _ := setup(t, Options{})
	for _, c := range [][2]float64{{90, 180}, {-90, -180}, {0, 0}} {
		_, err := r.UpdatePosition(context.Background(), "D1", c[0], c[1])
		assert.NoError(t, err)
	}
}

func TestLastValueOnly(t *testing.T) {
	r, _ := setup(t, Options{})
	for i := 0; i < 5; i++ {
		_, err := r.UpdatePosition(context.Background(), "D1", float64(i), float64(i))
		require.NoError(t, err)
	}
	got, ok := r.CurrentPosition("D1")
	require.True(t, ok)
	assert.Equal(t, 4.0, got.Lat)
}

func TestConcurrentReadersNeverSeeTornSamples(t *testing.T) {
	r, _ := setup(t, Options{})
	ctx := context.Background()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := float64(i % 80)
			_, _ = r.UpdatePosition(ctx, "D1", v, v)
		}
	}()
	for i := 0; i < 2000; i++ {
		if s, ok := r.CurrentPosition("D1"); ok {
			require.Equal(t, s.Lat, s.Lon)
		}
	}
	close(stop)
	wg.Wait()
}

func TestRetainPolicyMarksStale(t *testing.T) {
	r, reg := setup(t, Options{Policy: config.LocationRetain, StaleAfter: 20 * time.Millisecond})
	spectator := reg.Register(models.RoleAdmin, "")
	_, err := r.UpdatePosition(context.Background(), "D1", 23.18, 75.79)
	require.NoError(t, err)
	next(t, spectator)

	r.DriverDisconnected("D1")
	got, ok := r.CurrentPosition("D1")
	require.True(t, ok)
	assert.False(t, got.Online)
	assert.False(t, got.Stale)

	env := next(t, spectator)
	assert.Equal(t, models.TypeTruckLocationStale, env.Type)
	got, _ = r.CurrentPosition("D1")
	assert.True(t, got.Stale)
	assert.Equal(t, 23.18, got.Lat)
}

func TestReconnectBeforeGraceCancelsStale(t *testing.T) {
	r, reg := setup(t, Options{StaleAfter: 30 * time.Millisecond})
	spectator := reg.Register(models.RoleAdmin, "")
	_, err := r.UpdatePosition(context.Background(), "D1", 1, 1)
	require.NoError(t, err)
	r.DriverDisconnected("D1")
	_, err = r.UpdatePosition(context.Background(), "D1", 2, 2)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	got, _ := r.CurrentPosition("D1")
	assert.True(t, got.Online)
	assert.False(t, got.Stale)
	assert.Len(t, spectator.Outbound(), 2, "two location broadcasts, no stale notice")
}

func TestEvictPolicy(t *testing.T) {
	r, _ := setup(t, Options{Policy: config.LocationEvict})
	_, err := r.UpdatePosition(context.Background(), "D1", 1, 1)
	require.NoError(t, err)
	r.DriverDisconnected("D1")
	_, ok := r.CurrentPosition("D1")
	assert.False(t, ok)
}

func TestEvictDoesNotSwallowConcurrentUpdate(t *testing.T) {
	r, _ := setup(t, Options{Policy: config.LocationEvict})
	_, err := r.UpdatePosition(context.Background(), "D1", 1, 1)
	require.NoError(t, err)

	// hold the slot so the update below fetches it and then waits on its lock
	s := r.slotFor("D1")
	s.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.UpdatePosition(context.Background(), "D1", 2, 2)
		assert.NoError(t, err)
	}()
	time.Sleep(10 * time.Millisecond)
	r.mu.Lock()
	s.gone = true
	delete(r.slots, "D1")
	r.mu.Unlock()
	s.mu.Unlock()
	<-done

	got, ok := r.CurrentPosition("D1")
	require.True(t, ok, "update after eviction must land in the live slot")
	assert.Equal(t, 2.0, got.Lat)
}

func TestEvictRacingUpdatesKeepsLastWrite(t *testing.T) {
	r, _ := setup(t, Options{Policy: config.LocationEvict})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.UpdatePosition(context.Background(), "D1", 5, 5)
		}()
		go func() {
			defer wg.Done()
			r.DriverDisconnected("D1")
		}()
	}
	wg.Wait()

	_, err := r.UpdatePosition(context.Background(), "D1", 7, 7)
	require.NoError(t, err)
	got, ok := r.CurrentPosition("D1")
	require.True(t, ok)
	assert.Equal(t, 7.0, got.Lon)
}

type recordingSink struct {
	mu      sync.Mutex
	samples []models.LocationSample
}

func (s *recordingSink) PublishLocation(_ context.Context, sample models.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func TestRunMirrorsToGeoAndSink(t *testing.T) {
	idx := geo.NewIndex()
	sink := &recordingSink{}
	r, _ := setup(t, Options{Geo: idx, Sink: sink})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	_, err := r.UpdatePosition(ctx, "D1", 23.18, 75.79)
	require.NoError(t, err)

	near := func() int {
		l, _ := idx.Nearby(ctx, models.Coord{Lat: 23.18, Lon: 75.79}, 1000, 0)
		return len(l)
	}
	assert.Eventually(t, func() bool { return near() == 1 && sink.count() == 1 }, time.Second, 5*time.Millisecond)

	r.DriverDisconnected("D1")
	assert.Eventually(t, func() bool { return near() == 0 && sink.count() == 2 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.False(t, sink.samples[1].Online)
	sink.mu.Unlock()
}

func TestRunFlushesQueueOnCancel(t *testing.T) {
	sink := &recordingSink{}
	r, _ := setup(t, Options{Sink: sink})
	for i := 0; i < 3; i++ {
		_, err := r.UpdatePosition(context.Background(), "D1", float64(i), 1)
		require.NoError(t, err)
	}
	r.DriverDisconnected("D1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	assert.Equal(t, 4, sink.count())
	assert.Len(t, r.mirror, 0)
}
