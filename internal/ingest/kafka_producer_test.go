package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishLocationKeysByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{locations: w, logger: logging.Discard()}
	sample := models.LocationSample{DriverID: "D1", Lat: 23.18, Lon: 75.79, Timestamp: time.Now().UTC(), Online: true}

	require.NoError(t, p.PublishLocation(context.Background(), sample))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "D1", string(w.msgs[0].Key))
	var got models.LocationSample
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, sample.Lat, got.Lat)
	assert.True(t, got.Online)
}

func TestPublishOffer(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{locations: &fakeWriter{}, offers: w, logger: logging.Discard()}
	o := models.Offer{ID: "x", OrderID: "42", State: models.OfferAccepted, WinnerID: "D2"}

	require.NoError(t, p.PublishOffer(context.Background(), o))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))
	assert.Equal(t, "RESOLVED_ACCEPTED", string(w.msgs[0].Headers[0].Value))
}

func TestPublishOfferDisabled(t *testing.T) {
	p := &KafkaProducer{locations: &fakeWriter{}, logger: logging.Discard()}
	assert.NoError(t, p.PublishOffer(context.Background(), models.Offer{ID: "x"}))
}

func TestPublishPropagatesWriterError(t *testing.T) {
	boom := errors.New("boom")
	p := &KafkaProducer{locations: &fakeWriter{err: boom}, logger: logging.Discard()}
	assert.ErrorIs(t, p.PublishLocation(context.Background(), models.LocationSample{DriverID: "D1"}), boom)
}

func TestCloseClosesBothWriters(t *testing.T) {
	loc, off := &fakeWriter{}, &fakeWriter{}
	p := &KafkaProducer{locations: loc, offers: off, logger: logging.Discard()}
	require.NoError(t, p.Close())
	assert.True(t, loc.closed)
	assert.True(t, off.closed)
}
