// Package kafka publishes escalations to a Kafka topic so downstream systems
// (case management, payment holds) can react to them.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "invoiceshield.escalations"

// EventType is carried in the event-type header of every message.
const EventType = "invoice.escalated"

// Writer is the subset of *kafkago.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes escalations as JSON, keyed by batch ID so every event
// for a batch lands on the same partition.
type Publisher struct {
	w      Writer
	topic  string
	logger log.Logger
	now    func() time.Time
}

var _ tools.Notifier = (*Publisher)(nil)

// New returns a Publisher writing to topic on brokers.
func New(brokers []string, topic string, logger log.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}
	return NewWithWriter(w, topic, logger)
}

// NewWithWriter returns a Publisher on an existing writer.
func NewWithWriter(w Writer, topic string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{w: w, topic: topic, logger: logger, now: time.Now}
}

// Notify publishes e.
func (p *Publisher) Notify(ctx context.Context, e *tools.Escalation) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: marshal escalation: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(e.BatchID),
		Value: value,
		Time:  p.now(),
		Headers: []kafkago.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(EventType)},
			{Key: "case-id", Value: []byte(e.CaseID)},
			{Key: "risk", Value: []byte(e.Risk)},
		},
	}

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}

	p.logger.Info(ctx, "escalation published", "topic", p.topic, "case_id", e.CaseID, "batch_id", e.BatchID)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("closing writer for topic %s: %w", p.topic, err)
	}
	return nil
}
