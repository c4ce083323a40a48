package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-relay/internal/models"
)

// fakeWriter fails the first n calls of each kind.
type fakeWriter struct {
	failUpsert int
	failRemove int
	upserts    int
	removes    int
	lastUpsert models.Coord
}

func (f *fakeWriter) Upsert(_ context.Context, _ string, loc models.Coord) error {
	f.upserts++
	if f.upserts <= f.failUpsert {
		return errors.New("geo fail")
	}
	f.lastUpsert = loc
	return nil
}

func (f *fakeWriter) Remove(context.Context, string) error {
	f.removes++
	if f.removes <= f.failRemove {
		return errors.New("zrem fail")
	}
	return nil
}

func TestApplyWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{failUpsert: 2}
	s := models.LocationSample{DriverID: "d1", Lat: 1, Lon: 2, Online: true}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, s, 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.upserts)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, f.lastUpsert)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "5ms + 10ms backoff")
}

func TestApplyWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{failUpsert: 5}
	s := models.LocationSample{DriverID: "d1", Online: true}
	assert.Error(t, applyWithRetry(context.Background(), f, s, 3, time.Millisecond))
	assert.Equal(t, 3, f.upserts)
}

func TestOfflineSampleRemovesDriver(t *testing.T) {
	f := &fakeWriter{failRemove: 1}
	require.NoError(t, applyWithRetry(context.Background(), f, models.LocationSample{DriverID: "d1"}, 3, time.Millisecond))
	assert.Equal(t, 2, f.removes)
	assert.Zero(t, f.upserts)
}

func TestApplyWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeWriter{failUpsert: 5}
	assert.Error(t, applyWithRetry(ctx, f, models.LocationSample{DriverID: "d1", Online: true}, 3, time.Hour))
	assert.Equal(t, 1, f.upserts)
}

func TestDecodeSample(t *testing.T) {
	s, err := decodeSample([]byte(`{"driverId":"D1","lat":23.1,"lon":75.7,"online":true}`))
	require.NoError(t, err)
	assert.Equal(t, "D1", s.DriverID)

	_, err = decodeSample([]byte(`{"lat":1,"lon":1,"online":true}`))
	assert.Error(t, err)
	_, err = decodeSample([]byte(`{"driverId":"D1","lat":100,"lon":1,"online":true}`))
	assert.Error(t, err)
	_, err = decodeSample([]byte(`{"driverId":"D1","online":false}`))
	assert.NoError(t, err)
	_, err = decodeSample([]byte(`nope`))
	assert.Error(t, err)
}
