package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

const kafkaSink = "kafka"

// MessageWriter is the part of *kafka.Writer the bus uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the part of *kafka.Reader the relay uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaBus publishes events to a topic keyed by record id, so events of one
// record stay ordered within a partition.
type KafkaBus struct {
	w   MessageWriter
	log *zap.SugaredLogger
}

// NewKafkaWriter returns an async writer; WriteMessages only queues and
// failures surface through the completion callback.
func NewKafkaWriter(brokers []string, topic string, log *zap.SugaredLogger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				observability.NotificationsDropped.WithLabelValues(kafkaSink).Add(float64(len(msgs)))
				log.Warnw("kafka event write failed", "count", len(msgs), "error", err)
			}
		},
	}
}

// NewKafkaReader reads the event topic from the tail. Each instance passes
// its own group so every instance sees every event.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     group,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
}

func NewKafkaBus(w MessageWriter, log *zap.SugaredLogger) *KafkaBus {
	return &KafkaBus{w: w, log: log}
}

func (k *KafkaBus) Publish(ctx context.Context, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RecordID), Value: b}); err != nil {
		observability.NotificationsDropped.WithLabelValues(kafkaSink).Inc()
		return err
	}
	observability.NotificationsPublished.WithLabelValues(kafkaSink, string(ev.Type)).Inc()
	return nil
}

func (k *KafkaBus) Close() error { return k.w.Close() }

// Relay feeds events read from Kafka into dst until ctx ends. Read errors
// back off exponentially up to 30s; undecodable messages are skipped.
func Relay(ctx context.Context, r MessageReader, dst Publisher, log *zap.SugaredLogger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnw("kafka relay read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		var ev models.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			log.Warnw("kafka relay invalid event", "error", err, "offset", m.Offset)
			continue
		}
		if err := dst.Publish(ctx, ev); err != nil {
			log.Warnw("kafka relay publish failed", "record", ev.RecordID, "error", err)
		}
	}
}
