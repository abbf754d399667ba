package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/agouch/outdora/backend/logger"
	"github.com/agouch/outdora/backend/matching"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes lifecycle events to a topic, keyed by match id so the events
// of one match stay in order on a partition.
type Kafka struct {
	writer messageWriter
	log    *logger.Logger
}

var _ matching.EventSink = (*Kafka)(nil)

func NewKafka(brokers []string, topic string, log *logger.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafka(w, log)
}

func newKafka(w messageWriter, log *logger.Logger) *Kafka {
	if log == nil {
		log = logger.Nop()
	}
	return &Kafka{writer: w, log: log}
}

func (k *Kafka) Publish(ctx context.Context, evt matching.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.MatchID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(evt.Kind)},
		},
	})
	if err != nil {
		k.log.WarnErr(k.log.WithMatchID(ctx, evt.MatchID), "kafka publish failed", err)
		return fmt.Errorf("publish %s: %w", evt.Kind, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Multi fans a lifecycle event out to several sinks. Every sink is tried.
type Multi []matching.EventSink

func (m Multi) Publish(ctx context.Context, evt matching.Event) error {
	var errs error
	for _, s := range m {
		if s == nil {
			continue
		}
		errs = multierr.Append(errs, s.Publish(ctx, evt))
	}
	return errs
}
