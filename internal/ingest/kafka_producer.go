package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer streams accepted location samples and offer outcomes to
// Kafka for the consumer process and downstream analytics.
type KafkaProducer struct {
	locations messageWriter
	offers    messageWriter
	logger    *slog.Logger
}

// NewKafkaProducer builds async writers so a slow broker never holds up the
// relay's mirror worker. offerTopic may be empty to disable offer events.
func NewKafkaProducer(brokers []string, locationTopic, offerTopic string, logger *slog.Logger) *KafkaProducer {
	logger = logging.Component(logger, "kafka_producer")
	p := &KafkaProducer{logger: logger}
	p.locations = newWriter(brokers, locationTopic, logger)
	if offerTopic != "" {
		p.offers = newWriter(brokers, offerTopic, logger)
	}
	return p
}

func newWriter(brokers []string, topic string, logger *slog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka_write_failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
}

// PublishLocation keys by driver so one driver's samples stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(s.DriverID), Value: b})
}

// PublishOffer keys by order id.
func (k *KafkaProducer) PublishOffer(ctx context.Context, o models.Offer) error {
	if k.offers == nil {
		return nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return k.offers.WriteMessages(ctx, kafka.Message{
		Key:     []byte(o.OrderID),
		Value:   b,
		Headers: []kafka.Header{{Key: "state", Value: []byte(o.State)}},
	})
}

func (k *KafkaProducer) Close() error {
	var errs []error
	if k.locations != nil {
		errs = append(errs, k.locations.Close())
	}
	if k.offers != nil {
		errs = append(errs, k.offers.Close())
	}
	return errors.Join(errs...)
}
