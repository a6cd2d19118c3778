// Package ingest carries location fixes from the API to the geo index
// through Kafka, so every instance and the consumer see the same stream.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/models"
)

// LocationMessage is the wire format of the location topic. A message with
// Removed set is a tombstone: the user leaves the index and Loc is ignored.
type LocationMessage struct {
	Kind    geo.Kind `json:"kind"`
	Removed bool     `json:"removed,omitempty"`
	models.LocationSample
}

// Decode parses and validates one message value.
func Decode(b []byte) (LocationMessage, error) {
	var m LocationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	switch m.Kind {
	case geo.KindResponder, geo.KindUser:
	default:
		return m, fmt.Errorf("unknown kind %q", m.Kind)
	}
	if m.UserID == "" {
		return m, fmt.Errorf("missing user id")
	}
	if m.Removed {
		return m, nil
	}
	if err := m.Loc.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

// PublishLocation writes one fix keyed by user id, so fixes for a user stay
// ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, kind geo.Kind, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.write(ctx, LocationMessage{Kind: kind, LocationSample: s})
}

// RemoveLocation writes a tombstone on the same key as the user's fixes, so
// it is ordered after every fix published before it.
func (k *KafkaProducer) RemoveLocation(ctx context.Context, kind geo.Kind, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.write(ctx, LocationMessage{
		Kind:           kind,
		Removed:        true,
		LocationSample: models.LocationSample{UserID: userID, UpdatedAt: time.Now().UTC()},
	})
}

func (k *KafkaProducer) write(ctx context.Context, m LocationMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(m.UserID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
