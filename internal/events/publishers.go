package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

// LogPublisher writes events to the process log. It is the default backend.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher returns a LogPublisher.
func NewLogPublisher(log *slog.Logger) *LogPublisher { return &LogPublisher{log: log} }

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.log.Info("alert group event", "kind", msg.Kind, "alert_group_id", msg.AlertGroupID, "event_id", msg.ID)
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by alert group id, so
// events of one group stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

// NewKafkaPublisher returns a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})}
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w messageWriter) *KafkaPublisher { return &KafkaPublisher{w: w} }

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.AlertGroupID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close implements Publisher.
func (p *KafkaPublisher) Close() error { return p.w.Close() }

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher publishes events on "<prefix>.alert_groups.<kind>".
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// NewNATSPublisherWithConn wraps an existing connection.
func NewNATSPublisherWithConn(conn natsConn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(kind string) string {
	return strings.TrimSuffix(p.prefix, ".") + ".alert_groups." + kind
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(msg.Kind), data); err != nil {
		return fmt.Errorf("publish nats message: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	err := p.conn.Drain()
	p.conn.Close()
	return err
}
